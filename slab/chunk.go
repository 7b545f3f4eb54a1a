// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import (
	"fmt"

	"github.com/intuitivelabs/memsafe/bounds"
)

type chunk struct {
	size    uint64 // usable size
	nxtFree *chunk // next free chunk, if nil => in use

	check    uint32 // canary used for detecting underflows
	reserved uint32 // alignment to 8
}

type chunkEnd struct {
	check1 uint32 // canaries, detect overflows
	check2 uint32

	size     uint64
	prevFree *chunk
}

type chunkList struct {
	// head and tail must be adjacent, so that the pair looks like
	// a 0-length chunk
	head chunk
	tail chunkEnd
	no   uint64 // chunks in the list
}

const (
	StartCheckPattern uint32 = 0xf0f0f0f0
	EndCheckPattern1  uint32 = 0xc0c0c0c0
	EndCheckPattern2  uint32 = 0xabcdefed
)

// Corruption describes an overwritten chunk canary.
type Corruption struct {
	Chunk bounds.Range // usable area of the damaged chunk
	Where string       // "start", "end" or "previous end"
	Found uint32       // the overwritten canary value
}

func (c Corruption) String() string {
	return fmt.Sprintf("chunk %v %s canary overwritten (%#x)",
		c.Chunk, c.Where, c.Found)
}

// usable returns the usable area of the chunk as a range.
func (f *chunk) usable() bounds.Range {
	r, _ := bounds.Span(bounds.Addr(uintptr(f.addr())), f.size)
	return r
}

// verify checks the chunk canaries and its predecessor end canaries.
// On failure it notifies the arena and returns an ErrCorrupted error.
func (f *chunk) verify(a *Arena) error {
	var c *Corruption
	fEnd := f.end()
	switch {
	case f.check != StartCheckPattern:
		c = &Corruption{Chunk: f.usable(), Where: "start", Found: f.check}
	case fEnd.check1 != EndCheckPattern1:
		c = &Corruption{Chunk: f.usable(), Where: "end", Found: fEnd.check1}
	case fEnd.check2 != EndCheckPattern2:
		c = &Corruption{Chunk: f.usable(), Where: "end", Found: fEnd.check2}
	case f != a.firstChunk && (f.prevChunkEnd().check1 != EndCheckPattern1 ||
		f.prevChunkEnd().check2 != EndCheckPattern2):
		c = &Corruption{Chunk: f.prev().usable(), Where: "previous end",
			Found: f.prevChunkEnd().check1}
	}
	if c == nil {
		return nil
	}
	a.corrupted(*c)
	return fmt.Errorf("%w: %s", ErrCorrupted, c)
}
