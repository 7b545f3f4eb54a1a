// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package oob implements out of bounds pointer rewriting.
//
// An out of bounds pointer that the program is allowed to compute (but not
// to dereference) is replaced by a sentinel: a unique address taken from a
// reserved, inaccessible range. Sentinels compare like the original
// pointers would (for the one-past-the-end idiom), but any dereference
// faults. The original value and the originating object bounds can be
// recovered from the sentinel.
package oob

import (
	"sync"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/stats"
)

const NAME = "oob"

// Engine allocates sentinels and keeps the process wide mappings.
// An Engine is safe for concurrent use. Per-pool tables passed to its
// methods must be protected by their owner.
type Engine struct {
	mu        sync.Mutex
	reserved  bounds.Range
	cursor    bounds.Addr                 // last allocated sentinel
	forward   map[bounds.Addr]bounds.Addr // original -> sentinel
	global    Table
	stats     *stats.Set
	exhausted bool
}

// NewEngine creates a rewrite engine using the reserved range.
// Sentinels are allocated from reserved.Start+1 up to (excluding)
// reserved.End.
func NewEngine(reserved bounds.Range, st *stats.Set) *Engine {
	return &Engine{
		reserved: reserved,
		cursor:   reserved.Start,
		forward:  make(map[bounds.Addr]bounds.Addr),
		stats:    st,
	}
}

// Reserved returns the sentinel address range.
func (e *Engine) Reserved() bounds.Range { return e.reserved }

// IsSentinel returns true if a lies strictly inside the reserved range.
func (e *Engine) IsSentinel(a bounds.Addr) bool {
	return a > e.reserved.Start && a < e.reserved.End
}

// Rewrite returns the sentinel for the out of bounds pointer p, computed
// from the object obj at loc. The same p always gets the same sentinel.
// New mappings are recorded in local (if not nil) and in the global table.
// If the sentinel range is exhausted, p is returned unchanged and the
// second return value is false.
func (e *Engine) Rewrite(local *Table, p bounds.Addr, obj bounds.Range,
	loc report.Loc) (bounds.Addr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.forward[p]; ok {
		return s, true
	}
	s := e.cursor + 1
	if s >= e.reserved.End || s <= e.reserved.Start {
		if !e.exhausted {
			ERR("rewrite: out of rewrite pointers: %v (%d used), original %v\n",
				e.reserved, len(e.forward), p)
			e.exhausted = true
		}
		e.stats.Exhausted()
		return p, false
	}
	e.cursor = s
	m := Mapping{Sentinel: s, Original: p, Object: obj, Loc: loc}
	if local != nil && local != &e.global {
		local.Put(m)
	}
	e.global.Put(m)
	e.forward[p] = s
	e.stats.Rewrite()
	if DBGon() {
		DBG("rewrite: %v -> %v (object %v at %s)\n", p, s, obj, loc)
	}
	return s, true
}

// Lookup returns the full record for sentinel a, looking first in local
// and then in the global table.
func (e *Engine) Lookup(local *Table, a bounds.Addr) (Mapping, bool) {
	if !e.IsSentinel(a) {
		return Mapping{}, false
	}
	if m, ok := local.Get(a); ok {
		return m, true
	}
	e.mu.Lock()
	m, ok := e.global.Get(a)
	e.mu.Unlock()
	return m, ok
}

// Resolve returns the original value for a sentinel. Addresses that are
// not sentinels, or unknown sentinels, are returned unchanged.
func (e *Engine) Resolve(local *Table, a bounds.Addr) bounds.Addr {
	if m, ok := e.Lookup(local, a); ok {
		return m.Original
	}
	if e.IsSentinel(a) && DBGon() {
		DBG("resolve: unknown sentinel %v\n", a)
	}
	return a
}

// Len returns how many sentinels were allocated.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.global.Len()
}

// Available returns how many sentinels can still be allocated.
func (e *Engine) Available() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reserved.End <= e.cursor+1 {
		return 0
	}
	return uint64(e.reserved.End - e.cursor - 1)
}
