// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package oob

import (
	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/splay"
)

// Mapping is the record kept for each sentinel.
// Object is a snapshot of the originating object bounds at rewrite time.
type Mapping struct {
	Sentinel bounds.Addr
	Original bounds.Addr
	Object   bounds.Range
	Loc      report.Loc // rewrite site
}

// Table maps sentinels to their records.
// The zero value is an empty table, ready to use. A Table is not
// synchronised, its owner must serialise access.
type Table struct {
	t splay.Tree[Mapping]
}

// Put adds m to the table (replacing any record for the same sentinel).
func (t *Table) Put(m Mapping) {
	r := bounds.Range{Start: m.Sentinel, End: m.Sentinel}
	t.t.Remove(m.Sentinel)
	if err := t.t.Insert(r, m); err != nil {
		BUG("oob table insert %v failed: %s\n", m.Sentinel, err)
	}
}

// Get returns the record for sentinel s. It is safe to call on a nil
// table.
func (t *Table) Get(s bounds.Addr) (Mapping, bool) {
	if t == nil {
		return Mapping{}, false
	}
	_, m, ok := t.t.Find(s)
	return m, ok
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.t.Len()
}

// Clear removes all the records.
func (t *Table) Clear() {
	t.t.Clear()
}

// Walk calls fn for each record in sentinel order, until fn returns false.
func (t *Table) Walk(fn func(m Mapping) bool) {
	t.t.Walk(func(_ bounds.Range, m Mapping) bool {
		return fn(m)
	})
}
