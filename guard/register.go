// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/splay"
)

// registry returns the registry used for objects of p (the external one
// for no pool). The pool lock and the runtime lock must be held.
func (rt *Runtime) registry(p *pool.Pool) *pool.Registry {
	if p == nil {
		return rt.external
	}
	return p.Registry()
}

// RegisterHeap records a new heap object of size bytes.
func (rt *Runtime) RegisterHeap(h pool.Handle, start bounds.Addr, size uint64, loc report.Loc) {
	rt.register(h, start, size, bounds.Heap, loc)
}

// RegisterStack records a new stack object (on function entry).
func (rt *Runtime) RegisterStack(h pool.Handle, start bounds.Addr, size uint64, loc report.Loc) {
	rt.register(h, start, size, bounds.Stack, loc)
}

// RegisterGlobal records a global object. Overlapping globals (merged
// constants) are coalesced.
func (rt *Runtime) RegisterGlobal(h pool.Handle, start bounds.Addr, size uint64, loc report.Loc) {
	rt.register(h, start, size, bounds.Global, loc)
}

// RegisterExternal records an object not tracked by any pool (program
// arguments, environment, memory allocated by uninstrumented code).
// No metadata is kept for external objects.
func (rt *Runtime) RegisterExternal(start bounds.Addr, size uint64, kind bounds.Kind) {
	if start == bounds.Null || size == 0 {
		return
	}
	r, ok := bounds.Span(start, size)
	if !ok {
		WARN("register external %v size %d: invalid range\n", start, size)
		return
	}
	rt.mu.Lock()
	if kind == bounds.Heap {
		_, err := rt.external.Replace(r, kind)
		if err != nil {
			BUG("register external %v: %s\n", r, err)
		}
	} else if _, err := rt.external.Insert(r, kind); err != nil {
		BUG("register external %v: %s\n", r, err)
	}
	rt.mu.Unlock()
	if DBGon() {
		DBG("register external %v %s\n", r, kind)
	}
}

func (rt *Runtime) register(h pool.Handle, start bounds.Addr, size uint64,
	kind bounds.Kind, loc report.Loc) {
	if start == bounds.Null || size == 0 {
		return
	}
	r, ok := bounds.Span(start, size)
	if !ok {
		WARN("register %s %v size %d at %s: invalid range\n",
			kind, start, size, loc)
		return
	}
	p := lockPool(h)
	rt.mu.Lock()
	v := rt.registerLocked(p, h.ID(), r, kind, loc)
	rt.mu.Unlock()
	unlockPool(p)

	if DBGon() {
		DBG("register %s %v %s at %s\n", kind, r, h, loc)
	}
	if v != nil {
		rt.report(v)
		if rt.cfg.Options.Debug() {
			PANIC("duplicate registration of %v at %s\n", r, loc)
		}
	}
}

func (rt *Runtime) registerLocked(p *pool.Pool, poolID uint32, r bounds.Range,
	kind bounds.Kind, loc report.Loc) *report.Violation {
	var v *report.Violation
	reg := rt.registry(p)
	u, err := reg.Insert(r, kind)
	if err == splay.ErrOverlap {
		// heap object overlapping a live one: the old one was released
		// without the runtime knowing
		var old []bounds.Range
		old, err = reg.Replace(r, kind)
		v = newViolation(report.DuplicateRegistration, r.Start, loc)
		v.Pool = poolID
		if len(old) > 0 {
			v.SetObject(old[0])
			if o, info, ok := rt.meta.Find(old[0].Start); ok && o == old[0] {
				v.SetInfo(info)
			}
		}
	}
	if err != nil {
		BUG("register %v: %s\n", r, err)
		return v
	}
	rt.putMetadata(u, &report.ObjectInfo{
		Kind:     kind,
		Pool:     poolID,
		AllocSeq: rt.allocSeq.Add(1),
		AllocPC:  loc.PC,
		AllocLoc: loc,
	})
	return v
}

// putMetadata replaces any metadata overlapping r (stale entries and freed
// objects whose address is reused) with info. The runtime lock must be
// held.
func (rt *Runtime) putMetadata(r bounds.Range, info *report.ObjectInfo) {
	for {
		o, old, ok := rt.meta.Overlapping(r)
		if !ok {
			break
		}
		if old.Freed() && DBGon() {
			DBG("address reuse: dropping freed object %v metadata\n", o)
		}
		rt.meta.Remove(o.Start)
	}
	info.Object = r
	if err := rt.meta.Insert(r, info); err != nil {
		BUG("metadata insert %v: %s\n", r, err)
	}
}

// unregisterLocked removes the object starting at start from its
// registry and updates its metadata (if any). Stack objects metadata is
// always dropped, the others only if dangling pointer detection is off.
// The pool lock and the runtime lock must be held.
func (rt *Runtime) unregisterLocked(p *pool.Pool, start bounds.Addr, loc report.Loc) bool {
	removed := rt.registry(p).Remove(start)
	r, info, ok := rt.meta.Find(start)
	if !ok || r.Start != start {
		return removed
	}
	if !info.Freed() {
		info.FreeSeq = rt.freeSeq.Add(1)
		info.FreePC = loc.PC
		info.FreeLoc = loc
	}
	if info.Kind == bounds.Stack || !rt.cfg.Options.Dangling() {
		rt.meta.Remove(start)
	}
	return true
}

func (rt *Runtime) unregister(h pool.Handle, start bounds.Addr, loc report.Loc) bool {
	if start == bounds.Null {
		return false
	}
	p := lockPool(h)
	rt.mu.Lock()
	ok := rt.unregisterLocked(p, start, loc)
	rt.mu.Unlock()
	unlockPool(p)
	if DBGon() {
		DBG("unregister %v %s at %s: %v\n", start, h, loc, ok)
	}
	return ok
}

// UnregisterStack removes a stack object (on function exit).
func (rt *Runtime) UnregisterStack(h pool.Handle, start bounds.Addr, loc report.Loc) {
	rt.unregister(h, start, loc)
}

// UnregisterHeap removes a heap object. Its metadata is kept (marked as
// freed) if dangling pointer detection is on.
func (rt *Runtime) UnregisterHeap(h pool.Handle, start bounds.Addr, loc report.Loc) {
	rt.unregister(h, start, loc)
}

// UnregisterExternal removes an external object.
func (rt *Runtime) UnregisterExternal(start bounds.Addr) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.external.Remove(start)
}

// Reregister updates the registration of a reallocated heap object:
// oldp == Null registers newp, size == 0 unregisters oldp, otherwise oldp
// is unregistered and newp registered.
func (rt *Runtime) Reregister(h pool.Handle, newp, oldp bounds.Addr, size uint64,
	loc report.Loc) {
	switch {
	case oldp == bounds.Null:
		rt.RegisterHeap(h, newp, size, loc)
	case size == 0:
		rt.UnregisterHeap(h, oldp, loc)
	default:
		rt.UnregisterHeap(h, oldp, loc)
		rt.RegisterHeap(h, newp, size, loc)
	}
}
