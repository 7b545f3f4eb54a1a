// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import (
	"unsafe"
)

const chunkSizeof = unsafe.Sizeof(chunk{})
const chunkEndSizeof = unsafe.Sizeof(chunkEnd{})

// ChunkOverhead is the bookkeeping size added to each allocation.
const ChunkOverhead = chunkSizeof + chunkEndSizeof

// isFree returns true if this is a free chunk.
func (f *chunk) isFree() bool { return f.nxtFree != nil }

// addr returns the usable address of a chunk.
func (f *chunk) addr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(f), chunkSizeof)
}

// end returns a pointer to the chunk end.
func (f *chunk) end() *chunkEnd {
	return (*chunkEnd)(unsafe.Add(unsafe.Pointer(f), chunkSizeof+uintptr(f.size)))
}

// prevChunkEnd returns the end of the previous chunk.
func (f *chunk) prevChunkEnd() *chunkEnd {
	return (*chunkEnd)(unsafe.Add(unsafe.Pointer(f), -int(chunkEndSizeof)))
}

// next returns the chunk following f.
func (f *chunk) next() *chunk {
	return (*chunk)(unsafe.Add(unsafe.Pointer(f.end()), chunkEndSizeof))
}

// prev returns the chunk preceding f.
func (f *chunk) prev() *chunk {
	prevEnd := f.prevChunkEnd()
	back := int(chunkEndSizeof) + int(prevEnd.size) + int(chunkSizeof)
	return (*chunk)(unsafe.Add(unsafe.Pointer(f), -back))
}

// chunkOf returns the chunk header for a usable address.
func chunkOf(p unsafe.Pointer) *chunk {
	return (*chunk)(unsafe.Add(p, -int(chunkSizeof)))
}
