// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package pool implements allocation pools: a named object registry with
// its cache, the pool out of bounds table and (optionally) slab storage
// for the pool objects.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/oob"
	"github.com/intuitivelabs/memsafe/slab"
	"github.com/intuitivelabs/memsafe/stats"
)

const NAME = "pool"

// ArenaOptBits is the slab optimisation factor used for pool arenas.
const ArenaOptBits = 10

var (
	// ErrNoArena is returned when allocating from a pool without storage.
	ErrNoArena = errors.New("pool: no arena")

	// ErrDestroyed is returned for operations on a destroyed pool.
	ErrDestroyed = errors.New("pool: destroyed")
)

// Options encodes pool configuration flags.
type Options uint32

const (
	NoCache    Options = 1 << iota // disable the object cache
	ArenaDebug                     // verify arena canaries on every operation
	ArenaJoin                      // join free arena chunks
)

var lastID atomic.Uint32

// Pool is a collection of memory objects sharing a registry and a cache.
type Pool struct {
	id       uint32
	name     string
	nodeSize uint32
	options  Options

	mu        sync.Mutex
	reg       Registry
	oob       oob.Table
	arena     *slab.Arena
	destroyed bool
}

// New creates a pool. nodeSize is the pool element size (0 for variable
// size pools). If arenaSize is not 0, a slab arena of that size provides
// the pool storage.
func New(name string, nodeSize uint32, arenaSize int, opts Options,
	st *stats.Set) (*Pool, error) {
	p := &Pool{
		id:       lastID.Add(1),
		name:     name,
		nodeSize: nodeSize,
		options:  opts,
	}
	p.reg.noCache = opts&NoCache != 0
	p.reg.stats = st
	if arenaSize != 0 {
		aopts := slab.DefaultOptions
		if opts&ArenaDebug != 0 {
			aopts |= slab.Debug
		}
		if opts&ArenaJoin != 0 {
			aopts |= slab.JoinFree
		}
		a, err := slab.NewSize(arenaSize, ArenaOptBits, aopts)
		if err != nil {
			return nil, fmt.Errorf("pool %s: arena of %d bytes: %w",
				name, arenaSize, err)
		}
		p.arena = a
	}
	if DBGon() {
		DBG("new pool %d %q node size %d arena %d\n", p.id, name, nodeSize,
			arenaSize)
	}
	return p, nil
}

// ID returns the pool unique id (never 0).
func (p *Pool) ID() uint32 { return p.id }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// NodeSize returns the pool element size.
func (p *Pool) NodeSize() uint32 { return p.nodeSize }

// Arena returns the pool storage (nil if none).
func (p *Pool) Arena() *slab.Arena { return p.arena }

// Handle returns a handle referring to p.
func (p *Pool) Handle() Handle { return Handle{p: p} }

func (p *Pool) String() string {
	return fmt.Sprintf("pool %d (%s)", p.id, p.name)
}

// Lock locks the pool. It must be held when calling *Unsafe methods.
func (p *Pool) Lock() { p.mu.Lock() }

// Unlock unlocks the pool.
func (p *Pool) Unlock() { p.mu.Unlock() }

// OOB returns the pool out of bounds table (the pool lock must be held).
func (p *Pool) OOB() *oob.Table { return &p.oob }

// Registry returns the pool registry (the pool lock must be held).
func (p *Pool) Registry() *Registry { return &p.reg }

// RegisterUnsafe is the non-locking Register version.
func (p *Pool) RegisterUnsafe(r bounds.Range, kind bounds.Kind) (bounds.Range, error) {
	if p.destroyed {
		return r, ErrDestroyed
	}
	return p.reg.Insert(r, kind)
}

// Register adds an object to the pool registry. See Registry.Insert for
// the overlap policy.
func (p *Pool) Register(r bounds.Range, kind bounds.Kind) (bounds.Range, error) {
	p.Lock()
	u, err := p.RegisterUnsafe(r, kind)
	p.Unlock()
	return u, err
}

// UnregisterUnsafe is the non-locking Unregister version.
func (p *Pool) UnregisterUnsafe(start bounds.Addr) bool {
	return p.reg.Remove(start)
}

// Unregister removes the object starting at start.
func (p *Pool) Unregister(start bounds.Addr) bool {
	p.Lock()
	ok := p.UnregisterUnsafe(start)
	p.Unlock()
	return ok
}

// LookupUnsafe is the non-locking Lookup version.
func (p *Pool) LookupUnsafe(a bounds.Addr) (bounds.Range, bool) {
	return p.reg.Lookup(a)
}

// Lookup returns the bounds of the pool object containing a.
func (p *Pool) Lookup(a bounds.Addr) (bounds.Range, bool) {
	p.Lock()
	r, ok := p.LookupUnsafe(a)
	p.Unlock()
	return r, ok
}

// Len returns the number of registered objects.
func (p *Pool) Len() int {
	p.Lock()
	n := p.reg.Len()
	p.Unlock()
	return n
}

// Alloc allocates size bytes from the pool arena.
func (p *Pool) Alloc(size uint64) (bounds.Addr, error) {
	if p.arena == nil {
		return bounds.Null, ErrNoArena
	}
	return p.arena.Alloc(size)
}

// Release returns memory to the pool arena.
func (p *Pool) Release(a bounds.Addr) error {
	if p.arena == nil {
		return ErrNoArena
	}
	return p.arena.Free(a)
}

// Realloc resizes an arena allocation.
func (p *Pool) Realloc(a bounds.Addr, size uint64) (bounds.Addr, error) {
	if p.arena == nil {
		return bounds.Null, ErrNoArena
	}
	return p.arena.Realloc(a, size)
}

// Owns returns true if a is inside the pool arena.
func (p *Pool) Owns(a bounds.Addr) bool {
	return p.arena != nil && p.arena.Owns(a)
}

// DestroyUnsafe is the non-locking Destroy version.
func (p *Pool) DestroyUnsafe() {
	p.reg.Clear()
	p.oob.Clear()
	p.destroyed = true
}

// Destroy drops all the pool objects and out of bounds records. The
// arena memory is kept (objects might still be referenced).
func (p *Pool) Destroy() {
	p.Lock()
	p.DestroyUnsafe()
	p.Unlock()
}

// Destroyed returns true after Destroy.
func (p *Pool) Destroyed() bool {
	p.Lock()
	defer p.Unlock()
	return p.destroyed
}

// Dump writes the pool objects in the log (debug level).
func (p *Pool) Dump() {
	if !DBGon() {
		return
	}
	p.Lock()
	defer p.Unlock()
	DBG("%s: %d objects, %d oob records\n", p, p.reg.Len(), p.oob.Len())
	p.reg.Walk(func(r bounds.Range, k bounds.Kind) bool {
		DBG("    %v %s\n", r, k)
		return true
	})
	if p.arena != nil {
		p.arena.Dump()
	}
}
