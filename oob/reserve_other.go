// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !unix

package oob

// Reserve falls back to a synthetic reservation (nothing is mapped).
func Reserve(size uint64) (*Reservation, error) {
	return Synthetic(size)
}

// Release is a no-op.
func (r *Reservation) Release() error {
	r.mem = nil
	return nil
}
