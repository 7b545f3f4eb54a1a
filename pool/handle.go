// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pool

// Handle is an optional pool reference, passed to the check functions.
// None means the object is not tracked by any pool.
type Handle struct {
	p *Pool
}

// None is the "no pool" handle.
var None Handle

// Get returns the referenced pool, or false for None.
func (h Handle) Get() (*Pool, bool) {
	return h.p, h.p != nil
}

// IsNone returns true for the "no pool" handle.
func (h Handle) IsNone() bool { return h.p == nil }

// ID returns the pool id, 0 for None.
func (h Handle) ID() uint32 {
	if h.p == nil {
		return 0
	}
	return h.p.id
}

func (h Handle) String() string {
	if h.p == nil {
		return "none"
	}
	return h.p.String()
}
