// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bounds

import (
	"fmt"
)

// Range is a closed address interval [Start, End].
// A valid range always has End >= Start.
type Range struct {
	Start Addr
	End   Addr
}

// Span returns the range covering size bytes starting at start.
// It returns false for size 0 or if the range would wrap around.
func Span(start Addr, size uint64) (Range, bool) {
	if size == 0 {
		return Range{}, false
	}
	last := uint64(start) + size - 1
	if last < uint64(start) || last > uint64(MaxAddr) {
		return Range{}, false
	}
	return Range{Start: start, End: Addr(last)}, true
}

// Valid returns true if r is a proper closed interval.
func (r Range) Valid() bool { return r.End >= r.Start }

// IsZero returns true for the zero value (no object).
func (r Range) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Len returns the number of bytes in r.
// The full address space range overflows to 0.
func (r Range) Len() uint64 {
	return uint64(r.End-r.Start) + 1
}

// Contains returns true if a lies inside r (inclusive).
func (r Range) Contains(a Addr) bool {
	return r.Start <= a && a <= r.End
}

// ContainsRange returns true if o is completely inside r.
func (r Range) ContainsRange(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Overlaps returns true if r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Union returns the smallest range containing both r and o.
func (r Range) Union(o Range) Range {
	u := r
	if o.Start < u.Start {
		u.Start = o.Start
	}
	if o.End > u.End {
		u.End = o.End
	}
	return u
}

// OnePast returns the address just after the end of r.
// The second return is false if End+1 wraps around.
func (r Range) OnePast() (Addr, bool) {
	if r.End == MaxAddr {
		return 0, false
	}
	return r.End + 1, true
}

// IsOnePast returns true if a is exactly one byte past the end of r.
func (r Range) IsOnePast(a Addr) bool {
	p, ok := r.OnePast()
	return ok && p == a
}

// Last returns the address of the last byte of an access of length bytes
// starting at a. It returns false on overflow or zero length.
func Last(a Addr, length uint64) (Addr, bool) {
	r, ok := Span(a, length)
	return r.End, ok
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x]", uintptr(r.Start), uintptr(r.End))
}
