// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pool

import (
	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/splay"
	"github.com/intuitivelabs/memsafe/stats"
)

// Registry is an interval registry (live object ranges and their
// allocation kind) accelerated by an object cache.
// It is not synchronised: a Pool protects it with its lock, the runtime
// protects the external registry with its own.
type Registry struct {
	objs    splay.Tree[bounds.Kind]
	cache   Cache
	noCache bool
	stats   *stats.Set
}

// NewRegistry returns an empty registry.
func NewRegistry(noCache bool, st *stats.Set) *Registry {
	return &Registry{noCache: noCache, stats: st}
}

// Insert registers r. Heap objects overlapping a live entry fail with
// splay.ErrOverlap. Stack and global objects are coalesced with all the
// overlapping entries (identical constants merged by the linker, frames
// re-registered), the registered union is returned.
func (reg *Registry) Insert(r bounds.Range, kind bounds.Kind) (bounds.Range, error) {
	err := reg.objs.Insert(r, kind)
	if err != splay.ErrOverlap || kind == bounds.Heap {
		if err == nil {
			reg.stats.Registered(kind.String())
		}
		return r, err
	}
	u := r
	for {
		o, _, ok := reg.objs.Overlapping(u)
		if !ok {
			break
		}
		u = u.Union(o)
		reg.Remove(o.Start)
	}
	if err := reg.objs.Insert(u, kind); err != nil {
		return r, err
	}
	reg.stats.Registered(kind.String())
	return u, nil
}

// Replace removes every entry overlapping r, then registers r.
// It returns the removed ranges.
func (reg *Registry) Replace(r bounds.Range, kind bounds.Kind) ([]bounds.Range, error) {
	var old []bounds.Range
	for {
		o, _, ok := reg.objs.Overlapping(r)
		if !ok {
			break
		}
		old = append(old, o)
		reg.Remove(o.Start)
	}
	if err := reg.objs.Insert(r, kind); err != nil {
		return old, err
	}
	reg.stats.Registered(kind.String())
	return old, nil
}

// Remove unregisters the entry starting at start and evicts it from the
// cache. It returns false if no such entry exists.
func (reg *Registry) Remove(start bounds.Addr) bool {
	if !reg.objs.Remove(start) {
		return false
	}
	reg.cache.Evict(start)
	return true
}

// Find looks up the entry containing a, bypassing the cache.
func (reg *Registry) Find(a bounds.Addr) (bounds.Range, bounds.Kind, bool) {
	return reg.objs.Find(a)
}

// Lookup returns the range of the object containing a. It tries the cache
// first, then the registry (caching the result).
func (reg *Registry) Lookup(a bounds.Addr) (bounds.Range, bool) {
	if !reg.noCache {
		if r, ok := reg.cache.Probe(a); ok {
			reg.stats.Cache(true)
			return r, true
		}
		reg.stats.Cache(false)
	}
	r, _, ok := reg.objs.Find(a)
	if ok && !reg.noCache {
		reg.cache.Update(r)
	}
	return r, ok
}

// Len returns the number of registered objects.
func (reg *Registry) Len() int { return reg.objs.Len() }

// Walk calls fn for every registered object, in address order.
func (reg *Registry) Walk(fn func(r bounds.Range, kind bounds.Kind) bool) {
	reg.objs.Walk(fn)
}

// Clear removes all the objects and resets the cache.
func (reg *Registry) Clear() {
	reg.objs.Clear()
	reg.cache.Reset()
}
