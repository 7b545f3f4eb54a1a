// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import "errors"

var (
	// ErrBadParams is returned by New for a too small memory block or a bad
	// optimisation factor.
	ErrBadParams = errors.New("slab: invalid arena parameters")

	// ErrNoSpace indicates that no free chunk large enough was found.
	ErrNoSpace = errors.New("slab: out of memory")

	// ErrNull is returned when freeing the null address.
	ErrNull = errors.New("slab: null address")

	// ErrNotOwned indicates an address outside the arena.
	ErrNotOwned = errors.New("slab: address not owned by the arena")

	// ErrBadPointer indicates an address inside the arena that is not the
	// start of a chunk.
	ErrBadPointer = errors.New("slab: address is not a chunk start")

	// ErrDoubleFree indicates an attempt to free an already free chunk.
	ErrDoubleFree = errors.New("slab: chunk already free")

	// ErrCorrupted indicates an overwritten chunk canary.
	ErrCorrupted = errors.New("slab: chunk canary overwritten")
)
