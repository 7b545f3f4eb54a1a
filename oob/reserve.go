// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package oob

import (
	"errors"

	"github.com/intuitivelabs/memsafe/bounds"
)

// DefaultReserveSize is the default size of the sentinel range.
const DefaultReserveSize = 1 << 30

// ErrReserveSize is returned for a zero or too big reservation size.
var ErrReserveSize = errors.New("oob: invalid reservation size")

// Reservation is an inaccessible address range used for sentinels.
type Reservation struct {
	Range bounds.Range
	mem   []byte // nil for synthetic reservations
}

// Mapped returns true if the range is backed by an inaccessible mapping
// (dereferencing a sentinel faults).
func (r *Reservation) Mapped() bool { return r.mem != nil }

// Synthetic returns a reservation of size bytes placed just below the top
// of the address space, without mapping anything.
func Synthetic(size uint64) (*Reservation, error) {
	if size < 3 || size > uint64(bounds.MaxAddr/2) {
		return nil, ErrReserveSize
	}
	end := bounds.MaxAddr - bounds.PageSize
	return &Reservation{
		Range: bounds.Range{Start: end - bounds.Addr(size) + 1, End: end},
	}, nil
}
