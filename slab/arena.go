// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package slab provides the raw storage used by memsafe pools: a fast
// bucketed free list allocator working on a single memory block, with
// optional canaries around each chunk.
//
// The arena only hands out memory. It does not know about object bounds,
// registration is done by the caller (see the pool package).
package slab

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/intuitivelabs/memsafe/bounds"
)

const NAME = "slab"

// size we round to, must be 2^n and
// sizeof(chunk) + sizeof(chunkEnd) must be a multiple of RoundTo
const (
	RoundTo     = 16
	RoundToMask = ^(uint64(RoundTo) - 1)
)

const MinChunkSize = RoundTo

// Usage contains the arena memory usage statistics.
type Usage struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + chunk overhead
	MaxRealUsed uint64
	Allocs      uint64
	Frees       uint64
}

// Options encodes various configuration flags for an Arena.
type Options uint32

const (
	Debug          Options = 1 << iota // verify canaries on alloc/free
	Checks                             // write chunk canaries
	JoinFree                           // join free chunks on free (expensive)
	FragAvoidance                      // try harder to avoid fragmentation
	DumpStatsShort                     // dump status in log, short version
	DefaultOptions = Checks | FragAvoidance
)

// Arena is the memory block used for allocating pool objects.
// It includes the actual memory area, all the bookkeeping information
// and the malloc style functions (as methods).
type Arena struct {
	optSize   uint32 // optimize for allocs < optSize
	optFactor uint32 // optimize factor = round log2(optSize)
	options   Options
	hashSize  uint32
	size      uint64 // total size
	used      Usage  // statistics

	firstChunk   *chunk
	lastChunkEnd *chunkEnd

	bigLock sync.Mutex

	freeH []chunkList // free chunks lists
	mem   []byte      // actual memory used

	// OnCorruption, if set, is called when a canary check fails
	// (with the arena lock held).
	OnCorruption func(Corruption)
}

// Debug returns true if canary verification is turned on.
func (a *Arena) Debug() bool { return a.options&Debug != 0 }

// BChecks returns true if chunk canaries are written.
func (a *Arena) BChecks() bool { return a.options&(Checks|Debug) != 0 }

// FragAvoidance returns true if fragmentation avoidance is turned on.
func (a *Arena) FragAvoidance() bool {
	return a.options&FragAvoidance != 0
}

// JoinFree returns true if free chunks are joined on free.
func (a *Arena) JoinFree() bool {
	return a.options&JoinFree != 0
}

func (a *Arena) lock() {
	a.bigLock.Lock()
}
func (a *Arena) unlock() {
	a.bigLock.Unlock()
}

// addUsed increases the "used" stats with the given chunk size.
func (a *Arena) addUsed(size uint64) {
	a.used.Used += size
	a.used.RealUsed += size
	if a.used.MaxRealUsed < a.used.RealUsed {
		a.used.MaxRealUsed = a.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (a *Arena) subUsed(size uint64) {
	a.used.Used -= size
	a.used.RealUsed -= size
}

// addOverhead adds a chunk overhead to the internal bookkeeping.
func (a *Arena) addOverhead(overhead uintptr) {
	a.used.RealUsed += uint64(overhead)
	if a.used.MaxRealUsed < a.used.RealUsed {
		a.used.MaxRealUsed = a.used.RealUsed
	}
}

// subOverhead subtracts a chunk overhead from the internal bookkeeping.
func (a *Arena) subOverhead(overhead uintptr) {
	a.used.RealUsed -= uint64(overhead)
}

// Usage returns current memory usage values.
func (a *Arena) Usage() Usage {
	a.lock()
	u := a.used
	a.unlock()
	return u
}

// New creates an arena on top of mem.
// optBits is the optimize factor (optimise for allocations smaller than
// 2^optBits).
func New(mem []byte, optBits int, options Options) (*Arena, error) {
	if len(mem) == 0 {
		return nil, ErrBadParams
	}
	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	size := uint64(len(mem))
	start := roundUp(addr)
	if size < (start - addr) {
		return nil, ErrBadParams
	}
	// make sure it's a multiple of RoundTo
	off := start - addr
	size = roundDown(size - off)
	initOverhead := roundUp(uint64(ChunkOverhead))

	if size < initOverhead || size < 1024 || optBits < 10 ||
		optBits > 32 || (uint64(1)<<optBits) > size {
		return nil, ErrBadParams
	}

	optFactor := uint32(optBits)
	optSize := uint32(1) << optFactor
	hashSize := optSize/RoundTo + (64 - optFactor) + 1

	a := &Arena{
		mem:       mem[off : off+size],
		optSize:   optSize,
		optFactor: optFactor,
		hashSize:  hashSize,
		options:   options,
		size:      size,
	}
	a.addOverhead(uintptr(initOverhead))

	a.firstChunk = (*chunk)(unsafe.Pointer(&a.mem[0]))
	a.firstChunk.size = size - initOverhead
	a.lastChunkEnd = a.firstChunk.end()
	a.lastChunkEnd.size = a.firstChunk.size
	a.firstChunk.check = StartCheckPattern
	a.lastChunkEnd.check1 = EndCheckPattern1
	a.lastChunkEnd.check2 = EndCheckPattern2

	// init free hash
	a.freeH = make([]chunkList, hashSize)
	for h := 0; h < int(hashSize); h++ {
		a.freeH[h].head.nxtFree = &a.freeH[h].head
		a.freeH[h].tail.prevFree = &a.freeH[h].head
	}

	// link the initial chunk into the free list
	a.insertFree(a.firstChunk)
	return a, nil
}

// NewSize allocates a size bytes memory block and creates an arena on it.
func NewSize(size int, optBits int, options Options) (*Arena, error) {
	if size <= 0 {
		return nil, ErrBadParams
	}
	return New(make([]byte, size+RoundTo), optBits, options)
}

// roundUp rounds up a size to the next RoundTo multiple.
func roundUp(s uint64) uint64 {
	return (s + (RoundTo - 1)) & RoundToMask
}

// roundDown rounds down a size to the next RoundTo multiple.
func roundDown(s uint64) uint64 {
	return s & RoundToMask
}

// getHash returns the hash index for a chunk of size s.
func (a *Arena) getHash(s uint64) int {
	if s < uint64(a.optSize) {
		return int(s / RoundTo)
	}
	return int(a.optSize/RoundTo) + bitLen(s) - int(a.optFactor) + 1
}

// unHash returns the corresponding size for a hash index
// (reverse for getHash)
func (a *Arena) unHash(h int) uint64 {
	if h < int(a.optSize/RoundTo) {
		return uint64(h) * RoundTo
	}
	return uint64(1) << (uint32(h) - a.optSize/RoundTo + a.optFactor - 1)
}

// Available returns how many bytes are available for allocation.
func (a *Arena) Available() uint64 {
	return a.size - a.used.RealUsed
}

// Span returns the usable address range of the arena.
func (a *Arena) Span() bounds.Range {
	return bounds.Range{
		Start: bounds.Addr(uintptr(a.firstChunk.addr())),
		End:   bounds.Addr(uintptr(unsafe.Pointer(a.lastChunkEnd))) - 1,
	}
}

// Owns returns whether or not p is inside the arena usable memory.
// Behaviour is undefined if p was freed.
func (a *Arena) Owns(p bounds.Addr) bool {
	return a.Span().Contains(p)
}

// offset returns the index of p in a.mem.
func (a *Arena) offset(p bounds.Addr) uintptr {
	return uintptr(p) - uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
}

// pointer converts an owned address back to a pointer derived from the
// arena memory.
func (a *Arena) pointer(p bounds.Addr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(a.mem)), a.offset(p))
}

// Bytes returns the n bytes of arena memory starting at p.
// It fails with ErrNotOwned if the range is not inside the arena.
func (a *Arena) Bytes(p bounds.Addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	r, ok := bounds.Span(p, n)
	if !ok || !a.Owns(r.Start) || !a.Owns(r.End) {
		return nil, ErrNotOwned
	}
	off := a.offset(p)
	return a.mem[off : off+uintptr(n) : off+uintptr(n)], nil
}

// nextChunk returns the chunk following f or nil if f is the last one.
func (a *Arena) nextChunk(f *chunk) *chunk {
	if f.end() == a.lastChunkEnd {
		return nil
	}
	return f.next()
}

// bitLen returns the index of the highest set bit of s
// (i such that 2^(i+1) > s >= 2^i).
func bitLen(s uint64) int {
	return bits.Len64(s) - 1
}

// insertFree returns a free chunk to the free hash.
func (a *Arena) insertFree(c *chunk) {
	hash := a.getHash(c.size)
	f := a.freeH[hash].head.nxtFree
	for ; f != &a.freeH[hash].head; f = f.nxtFree {
		if c.size <= f.size {
			// found a good place (needed only for the "big" buckets,
			// the small ones hold chunks of the same size)
			break
		}
	}
	fEnd := f.end()
	prev := fEnd.prevFree
	prev.nxtFree = c
	c.end().prevFree = prev
	c.nxtFree = f
	fEnd.prevFree = c
	a.freeH[hash].no++
}

// detachFree removes a chunk from a free list.
func (a *Arena) detachFree(c *chunk) {
	prev := c.end().prevFree
	next := c.nxtFree
	prev.nxtFree = next
	next.end().prevFree = prev
}

// findFree finds a free chunk of at least size and returns a pointer to
// it and its free hash index.
// If no corresponding chunk is found, it returns (nil, -1).
func (a *Arena) findFree(size uint64) (*chunk, int) {
	for hash := a.getHash(size); hash < int(a.hashSize); hash++ {
		for f := a.freeH[hash].head.nxtFree; f != &a.freeH[hash].head; f = f.nxtFree {
			if f.size >= size {
				return f, hash
			}
		}
		// try in a bigger bucket
	}
	return nil, -1
}

// splitChunk splits f into a chunk of newSize and a "rest" chunk added to
// the free list.
// newSize must be a multiple of RoundTo and less than f.size.
// It returns true on success and false if the chunk could not be split.
func (a *Arena) splitChunk(f *chunk, newSize uint64) bool {
	if f.size <= newSize {
		return false
	}
	rest := f.size - newSize
	if a.FragAvoidance() {
		if !(rest > (uint64(ChunkOverhead)+uint64(a.optSize)) ||
			rest >= (uint64(ChunkOverhead)+newSize)) {
			// the residue is not big enough
			return false
		}
	} else if !(rest > uint64(ChunkOverhead)+MinChunkSize) {
		return false
	}

	f.size = newSize
	end := f.end()
	end.size = newSize
	n := f.next() // new rest chunk
	n.size = rest - uint64(ChunkOverhead)
	n.end().size = n.size
	a.addOverhead(ChunkOverhead)
	if a.BChecks() {
		end.check1 = EndCheckPattern1
		end.check2 = EndCheckPattern2
		n.check = StartCheckPattern
	}
	a.insertFree(n)
	return true
}

// tryJoinFree will try to create a bigger free chunk, looking at the next
// and previous chunks.
// It returns the joined chunk (which can be f if joining was not possible).
func (a *Arena) tryJoinFree(f *chunk) *chunk {
	orig := f
	size := f.size

	if next := a.nextChunk(f); next != nil && next.isFree() {
		a.detachFree(next)
		size += next.size + uint64(ChunkOverhead)
		a.subOverhead(ChunkOverhead)
		a.freeH[a.getHash(next.size)].no--
	}
	if f != a.firstChunk {
		prev := f.prev()
		if prev.isFree() {
			a.detachFree(prev)
			size += prev.size + uint64(ChunkOverhead)
			a.subOverhead(ChunkOverhead)
			a.freeH[a.getHash(prev.size)].no--
			f = prev
		}
	}
	if f != orig {
		// keep the original header marked as free, so that a double
		// free on the old address is still detected
		orig.nxtFree = orig
	}
	f.size = size
	f.end().size = f.size
	return f
}

// checkStart validates p as a chunk start address and returns its chunk.
func (a *Arena) checkStart(p bounds.Addr) (*chunk, error) {
	if p == bounds.Null {
		return nil, ErrNull
	}
	if !a.Owns(p) {
		return nil, ErrNotOwned
	}
	f := chunkOf(a.pointer(p))
	if a.BChecks() && f.check != StartCheckPattern {
		if a.Debug() {
			return nil, f.verify(a)
		}
		return nil, ErrBadPointer
	}
	if a.Debug() {
		if err := f.verify(a); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// AllocUnsafe is the non-locking Alloc version.
func (a *Arena) AllocUnsafe(size uint64) (bounds.Addr, error) {
	if size == 0 {
		size = 1
	}
	size = roundUp(size) // size must be a multiple of RoundTo
	if size > a.Available() {
		return 0, ErrNoSpace
	}
	f, hash := a.findFree(size)
	if f == nil {
		// too fragmented
		return 0, ErrNoSpace
	}
	if a.Debug() {
		if err := f.verify(a); err != nil {
			return 0, err
		}
	}
	a.detachFree(f)
	f.nxtFree = nil
	a.freeH[hash].no--
	// always try to split, in case the chunk is way too big
	a.splitChunk(f, size)
	a.addUsed(f.size)
	a.used.Allocs++
	if a.BChecks() {
		f.check = StartCheckPattern
	}
	return bounds.Addr(uintptr(f.addr())), nil
}

// FreeUnsafe is the non-locking Free version.
func (a *Arena) FreeUnsafe(p bounds.Addr) error {
	f, err := a.checkStart(p)
	if err != nil {
		if err == ErrNull {
			WARN("free(0) called\n")
		}
		return err
	}
	if f.isFree() {
		return ErrDoubleFree
	}
	a.subUsed(f.size)
	a.used.Frees++
	if a.JoinFree() {
		f = a.tryJoinFree(f)
	}
	a.insertFree(f)
	return nil
}

// SizeOf returns the usable size of the chunk starting at p.
func (a *Arena) SizeOf(p bounds.Addr) (uint64, error) {
	a.lock()
	defer a.unlock()
	f, err := a.checkStart(p)
	if err != nil {
		return 0, err
	}
	if f.isFree() {
		return 0, ErrDoubleFree
	}
	return f.size, nil
}

// ReallocUnsafe is the non-locking Realloc version.
func (a *Arena) ReallocUnsafe(p bounds.Addr, size uint64) (bounds.Addr, error) {
	if p == bounds.Null {
		return a.AllocUnsafe(size)
	}
	f, err := a.checkStart(p)
	if err != nil {
		return 0, err
	}
	if f.isFree() {
		return 0, ErrDoubleFree
	}
	if size == 0 {
		return 0, a.FreeUnsafe(p)
	}
	size = roundUp(size)
	switch {
	case f.size > size:
		// shrink
		origSize := f.size
		if a.splitChunk(f, size) {
			// the rest chunk is on the free list, but still accounted
			// as used
			a.subUsed(origSize - f.size)
		}
	case f.size < size:
		// grow
		origSize := f.size
		diff := size - f.size
		n := a.nextChunk(f)
		if n != nil && n.isFree() && (n.size+uint64(ChunkOverhead)) >= diff {
			a.detachFree(n)
			a.freeH[a.getHash(n.size)].no--
			f.size += n.size + uint64(ChunkOverhead)
			a.subOverhead(ChunkOverhead)
			f.end().size = f.size
			if f.size > size {
				a.splitChunk(f, size)
			}
			a.addUsed(f.size - origSize)
		} else {
			// no joining possible => move
			np, err := a.AllocUnsafe(size)
			if err != nil {
				return 0, err
			}
			noff, off := a.offset(np), a.offset(p)
			copy(a.mem[noff:noff+uintptr(size)], a.mem[off:off+uintptr(origSize)])
			if err := a.FreeUnsafe(p); err != nil {
				BUG("realloc: failed to free old chunk %v: %s\n", p, err)
			}
			p = np
		}
	} // else roundUp(size) == f.size => do nothing
	return p, nil
}

// Alloc allocates size bytes and returns the address of the usable memory.
// On failure it returns ErrNoSpace.
func (a *Arena) Alloc(size uint64) (bounds.Addr, error) {
	a.lock()
	p, err := a.AllocUnsafe(size)
	a.unlock()
	return p, err
}

// Free releases the chunk starting at p.
func (a *Arena) Free(p bounds.Addr) error {
	a.lock()
	err := a.FreeUnsafe(p)
	a.unlock()
	return err
}

// Realloc tries to grow or shrink a previously allocated chunk.
// It returns either the old address, when the size change was possible
// in-place, or a new one. In the latter case the contents is copied and
// the old chunk is freed. On failure the old chunk is left untouched.
func (a *Arena) Realloc(p bounds.Addr, size uint64) (bounds.Addr, error) {
	a.lock()
	res, err := a.ReallocUnsafe(p, size)
	a.unlock()
	return res, err
}

// corrupted reports a failed canary check.
func (a *Arena) corrupted(c Corruption) {
	if a.OnCorruption != nil {
		a.OnCorruption(c)
		return
	}
	ERR("%s\n", c)
	a.dumpStatus()
}
