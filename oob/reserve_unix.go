// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package oob

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intuitivelabs/memsafe/bounds"
)

// Reserve maps size bytes of inaccessible (PROT_NONE) memory.
func Reserve(size uint64) (*Reservation, error) {
	if size < 3 || size > uint64(^uint(0)>>1) {
		return nil, ErrReserveSize
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("oob: reserve %d bytes: %w", size, err)
	}
	start := bounds.Addr(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
	r, ok := bounds.Span(start, size)
	if !ok {
		unix.Munmap(mem)
		return nil, ErrReserveSize
	}
	return &Reservation{Range: r, mem: mem}, nil
}

// Release unmaps the reservation.
func (r *Reservation) Release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
