// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"errors"
	"fmt"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
)

var (
	// ErrNoPool is returned by the allocation functions for a handle
	// without a pool.
	ErrNoPool = errors.New("guard: no pool")

	// ErrRejected is returned when a free or realloc failed the free check.
	// The memory is not released.
	ErrRejected = errors.New("guard: invalid free")
)

// FreeCheck checks that a can be freed: it must be the start of a live heap
// object. On success the object is unregistered and true is returned.
func (rt *Runtime) FreeCheck(h pool.Handle, a bounds.Addr, loc report.Loc) bool {
	rt.stats.Check(chkFree)
	return rt.freeCheck(h, a, loc, false)
}

// FreeCheckUI is FreeCheck for pointers to possibly incomplete objects:
// unknown pointers are accepted without a report.
func (rt *Runtime) FreeCheckUI(h pool.Handle, a bounds.Addr, loc report.Loc) bool {
	rt.stats.Check(chkFreeUI)
	return rt.freeCheck(h, a, loc, true)
}

func (rt *Runtime) freeCheck(h pool.Handle, a bounds.Addr, loc report.Loc,
	ui bool) bool {
	if a == bounds.Null {
		return true
	}
	p := lockPool(h)
	rt.mu.Lock()
	ok, owner, v := rt.freeLocked(p, h.ID(), a, loc, ui)
	rt.mu.Unlock()
	unlockPool(p)
	if owner != nil {
		rt.releaseForeign(owner, a)
	}
	if v != nil {
		rt.report(v)
	}
	if DBGon() {
		DBG("free %v %s at %s: %v\n", a, h, loc, ok)
	}
	return ok
}

// validateFree checks a without changing any state. It returns the
// metadata of the object to free (nil for untracked external objects).
// The pool lock and the runtime lock must be held.
func (rt *Runtime) validateFree(poolID uint32, a bounds.Addr, loc report.Loc,
	ui bool) (*report.ObjectInfo, bool, *report.Violation) {
	var v *report.Violation
	r, info, ok := rt.meta.Find(a)
	if !ok {
		if rt.cfg.Options.TrackExternal() {
			if r, kind, ok := rt.external.Find(a); ok {
				switch {
				case kind != bounds.Heap:
					v = newViolation(report.FreeNonHeap, a, loc)
				case r.Start != a:
					v = newViolation(report.FreeNotAtStart, a, loc)
				default:
					return nil, true, nil
				}
				v.Pool = poolID
				v.SetObject(r)
				return nil, false, v
			}
		}
		if ui {
			return nil, true, nil
		}
		v = newViolation(report.InvalidFree, a, loc)
		v.Pool = poolID
		return nil, false, v
	}
	switch {
	case info.Freed():
		v = newViolation(report.DoubleFree, a, loc)
	case info.Kind != bounds.Heap:
		v = newViolation(report.FreeNonHeap, a, loc)
	case r.Start != a:
		v = newViolation(report.FreeNotAtStart, a, loc)
	default:
		return info, true, nil
	}
	v.Pool = poolID
	v.SetInfo(info)
	return info, false, v
}

// freeLocked unregisters a after a successful check. If a belongs to a
// pool other than p, that pool is returned: its lock is not held, the
// caller must remove a from it with releaseForeign.
func (rt *Runtime) freeLocked(p *pool.Pool, poolID uint32, a bounds.Addr,
	loc report.Loc, ui bool) (bool, *pool.Pool, *report.Violation) {
	var owner *pool.Pool
	info, ok, v := rt.validateFree(poolID, a, loc, ui)
	if !ok || info == nil {
		if ok && rt.external.Remove(a) && DBGon() {
			DBG("free of external object %v\n", a)
		}
		return ok, nil, v
	}
	info.FreeSeq = rt.freeSeq.Add(1)
	info.FreePC = loc.PC
	info.FreeLoc = loc
	switch {
	case p != nil && info.Pool == p.ID():
		p.Registry().Remove(a)
	case info.Pool == 0:
		rt.external.Remove(a)
	default:
		WARN("free of %v through %s: object belongs to pool %d\n",
			a, p, info.Pool)
		owner = rt.pools[info.Pool]
	}
	if !rt.cfg.Options.Dangling() {
		rt.meta.Remove(a)
	}
	return true, owner, nil
}

// releaseForeign removes a freed object from the registry of its owner
// pool. It must be called with no lock held.
func (rt *Runtime) releaseForeign(owner *pool.Pool, a bounds.Addr) {
	owner.Lock()
	rt.mu.Lock()
	// a may have been registered again in owner meanwhile
	_, info, live := rt.meta.Find(a)
	live = live && !info.Freed() && info.Pool == owner.ID()
	if !live {
		owner.Registry().Remove(a)
	}
	rt.mu.Unlock()
	owner.Unlock()
}

// Alloc allocates size bytes from the pool storage and registers the new
// heap object.
func (rt *Runtime) Alloc(h pool.Handle, size uint64, loc report.Loc) (bounds.Addr, error) {
	p, ok := h.Get()
	if !ok {
		return bounds.Null, ErrNoPool
	}
	a, err := p.Alloc(size)
	if err != nil {
		return bounds.Null, err
	}
	rt.RegisterHeap(h, a, size, loc)
	return a, nil
}

// Free checks, unregisters and releases the object at a.
func (rt *Runtime) Free(h pool.Handle, a bounds.Addr, loc report.Loc) error {
	p, ok := h.Get()
	if !ok {
		return ErrNoPool
	}
	if a == bounds.Null {
		return nil
	}
	if !rt.FreeCheck(h, a, loc) {
		return fmt.Errorf("%w: %v at %s", ErrRejected, a, loc)
	}
	return p.Release(a)
}

// Realloc resizes the object at a. A null a allocates, a 0 size frees.
// The old object must pass the free check, otherwise it is left untouched.
func (rt *Runtime) Realloc(h pool.Handle, a bounds.Addr, size uint64,
	loc report.Loc) (bounds.Addr, error) {
	p, ok := h.Get()
	if !ok {
		return bounds.Null, ErrNoPool
	}
	if a == bounds.Null {
		return rt.Alloc(h, size, loc)
	}
	if size == 0 {
		return bounds.Null, rt.Free(h, a, loc)
	}
	rt.stats.Check(chkFree)
	p.Lock()
	rt.mu.Lock()
	_, ok, v := rt.validateFree(p.ID(), a, loc, false)
	rt.mu.Unlock()
	p.Unlock()
	if v != nil {
		rt.report(v)
	}
	if !ok {
		return a, fmt.Errorf("%w: realloc %v at %s", ErrRejected, a, loc)
	}
	n, err := p.Realloc(a, size)
	if err != nil {
		return a, err
	}
	rt.Reregister(h, n, a, size, loc)
	return n, nil
}
