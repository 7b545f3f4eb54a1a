// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package bounds provides the address and closed interval types used by
// the memsafe runtime.
package bounds

import (
	"fmt"
)

// Addr is a raw address in the protected program address space.
type Addr uintptr

// Null is the null address.
const Null Addr = 0

// PageSize is the size of the reserved first page. Pointer arithmetic that
// stays inside it is tolerated (dereferences fault anyway).
const PageSize = 4096

// FirstPage is the reserved first page of the address space.
var FirstPage = Range{Start: 0, End: PageSize - 1}

// MaxAddr is the largest representable address.
const MaxAddr = ^Addr(0)

// String returns the hex representation of a.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Add returns a + d using wrap-around (pointer) arithmetic.
func (a Addr) Add(d int64) Addr {
	return Addr(uintptr(a) + uintptr(d))
}

// Diff returns a - b as a signed displacement.
func (a Addr) Diff(b Addr) int64 {
	return int64(uintptr(a) - uintptr(b))
}

// Rebase applies the displacement between from and to to base:
// it returns base + (to - from).
func Rebase(base, from, to Addr) Addr {
	return base.Add(to.Diff(from))
}

// Kind is the allocation type of a memory object.
type Kind uint8

const (
	Heap Kind = iota
	Stack
	Global
)

func (k Kind) String() string {
	switch k {
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	case Global:
		return "global"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "heap":
		return Heap, true
	case "stack":
		return Stack, true
	case "global":
		return Global, true
	}
	return 0, false
}
