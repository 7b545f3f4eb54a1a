// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/oob"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
)

// BoundsCheck checks that dest, computed from src by pointer arithmetic or
// indexing, still points inside the object src points to. It returns
// the pointer the program should use: dest, or a sentinel standing for it.
func (rt *Runtime) BoundsCheck(h pool.Handle, src, dest bounds.Addr,
	loc report.Loc) bounds.Addr {
	return rt.boundsCheck(h, src, dest, loc, false)
}

// BoundsCheckUI is BoundsCheck for pointers to possibly incomplete
// objects: a src not belonging to any known object is not reported.
func (rt *Runtime) BoundsCheckUI(h pool.Handle, src, dest bounds.Addr,
	loc report.Loc) bounds.Addr {
	return rt.boundsCheck(h, src, dest, loc, true)
}

func (rt *Runtime) boundsCheck(h pool.Handle, src, dest bounds.Addr,
	loc report.Loc, ui bool) bounds.Addr {
	if ui {
		rt.stats.Check(chkBoundsUI)
	} else {
		rt.stats.Check(chkBounds)
	}
	p := lockPool(h)
	ret, v := rt.boundsCheckLocked(p, h.ID(), src, dest, loc, ui)
	unlockPool(p)
	if v != nil {
		rt.report(v)
	}
	return ret
}

func (rt *Runtime) boundsCheckLocked(p *pool.Pool, poolID uint32,
	src, dest bounds.Addr, loc report.Loc, ui bool) (bounds.Addr, *report.Violation) {
	local := localTable(p)

	// indexing off an already rewritten pointer: redo the check on the
	// real values
	if m, ok := rt.engine.Lookup(local, src); ok {
		dest = bounds.Rebase(m.Original, src, dest)
		if m.Object.Contains(dest) {
			return dest, nil
		}
		return rt.outOfBounds(local, poolID, dest, m.Object, loc)
	}

	if obj, ok := rt.find(p, src); ok {
		if obj.Contains(dest) {
			return dest, nil
		}
		return rt.outOfBounds(local, poolID, dest, obj, loc)
	}

	// null pointer arithmetic
	if bounds.FirstPage.Contains(src) {
		if bounds.FirstPage.Contains(dest) {
			return dest, nil
		}
		return rt.outOfBounds(local, poolID, dest, bounds.FirstPage, loc)
	}

	if rt.cfg.Options.Dangling() {
		if info, ok := rt.metadata(src); ok && info.Freed() {
			if info.Object.Contains(dest) {
				return dest, nil
			}
			return rt.outOfBounds(local, poolID, dest, info.Object, loc)
		}
	}

	if ui {
		return dest, nil
	}
	v := newViolation(report.OutOfBounds, dest, loc)
	v.Pool = poolID
	return dest, v
}

// outOfBounds handles a pointer dest that left obj: depending on the
// options it is rewritten or reported.
func (rt *Runtime) outOfBounds(local *oob.Table, poolID uint32, dest bounds.Addr,
	obj bounds.Range, loc report.Loc) (bounds.Addr, *report.Violation) {
	opts := rt.cfg.Options
	onePast := obj.IsOnePast(dest)
	// one past the end pointers are always rewritten
	if onePast || (opts.RewriteOOB() && !opts.StrictIndexing()) {
		// on sentinel exhaustion dest is returned as it is
		s, _ := rt.engine.Rewrite(local, dest, obj, loc)
		return s, nil
	}
	v := newViolation(report.OutOfBounds, dest, loc)
	v.Pool = poolID
	v.SetObject(obj)
	rt.attachInfo(v, obj.Start)
	return dest, v
}

// LoadStoreCheck checks that an access of length bytes at a stays inside
// one object. It returns false if a violation was reported.
func (rt *Runtime) LoadStoreCheck(h pool.Handle, a bounds.Addr, length uint64,
	loc report.Loc) bool {
	return rt.loadStoreCheck(h, a, length, loc, false)
}

// LoadStoreCheckUI is LoadStoreCheck for pointers to possibly incomplete
// objects: unknown pointers are tolerated, overruns are still reported.
func (rt *Runtime) LoadStoreCheckUI(h pool.Handle, a bounds.Addr, length uint64,
	loc report.Loc) bool {
	return rt.loadStoreCheck(h, a, length, loc, true)
}

func (rt *Runtime) loadStoreCheck(h pool.Handle, a bounds.Addr, length uint64,
	loc report.Loc, ui bool) bool {
	if ui {
		rt.stats.Check(chkLoadUI)
	} else {
		rt.stats.Check(chkLoadStore)
	}
	if length == 0 {
		return true
	}
	p := lockPool(h)
	v := rt.loadStoreLocked(p, h.ID(), a, length, loc, ui)
	unlockPool(p)
	if v != nil {
		rt.report(v)
		return false
	}
	return true
}

func (rt *Runtime) loadStoreLocked(p *pool.Pool, poolID uint32, a bounds.Addr,
	length uint64, loc report.Loc, ui bool) *report.Violation {
	var v *report.Violation
	if obj, ok := rt.find(p, a); ok {
		last, ok := bounds.Last(a, length)
		if ok && obj.Contains(last) {
			return nil
		}
		if !ok {
			last = bounds.MaxAddr
		}
		v = newViolation(report.LoadStore, last, loc)
		v.SetObject(obj)
		rt.attachInfo(v, obj.Start)
	} else if m, ok := rt.engine.Lookup(localTable(p), a); ok {
		v = newViolation(report.LoadStore, m.Original, loc)
		v.SetObject(m.Object)
		rt.attachInfo(v, m.Object.Start)
	} else if info, ok := rt.metadata(a); ok && info.Freed() {
		v = newViolation(report.DanglingPointer, a, loc)
		v.SetInfo(&info)
	} else if a == bounds.Null {
		v = newViolation(report.LoadStore, a, loc)
		v.CWE = report.CWENull
	} else if ui {
		return nil
	} else {
		v = newViolation(report.LoadStore, a, loc)
		v.CWE = report.CWEDP
	}
	v.Pool = poolID
	return v
}

// ExactCheck checks dest against the object [base, base+size) whose
// bounds are known at the call site. src is the pointer dest was computed
// from: if it is a sentinel dest is first moved back to the real object.
func (rt *Runtime) ExactCheck(src, base, dest bounds.Addr, size uint64,
	loc report.Loc) bounds.Addr {
	rt.stats.Check(chkExact)
	if m, ok := rt.engine.Lookup(nil, src); ok {
		dest = bounds.Rebase(m.Original, src, dest)
	}
	obj, ok := bounds.Span(base, size)
	if !ok {
		if dest == base {
			return dest
		}
		v := newViolation(report.OutOfBounds, dest, loc)
		rt.report(v)
		return dest
	}
	if obj.Contains(dest) {
		return dest
	}
	ret, v := rt.outOfBounds(nil, 0, dest, obj, loc)
	if v != nil {
		rt.report(v)
	}
	return ret
}

// AlignCheck checks that a points at offset bytes from the start of one
// of the pool nodes (objects of the pool node size) inside its object.
func (rt *Runtime) AlignCheck(h pool.Handle, a bounds.Addr, offset uint64,
	loc report.Loc) bool {
	rt.stats.Check(chkAlign)
	if a == bounds.Null && offset == 0 {
		return true
	}
	p := lockPool(h)
	if p == nil {
		return true
	}
	nodeSize := uint64(p.NodeSize())
	obj, found := rt.find(p, a)
	unlockPool(p)
	if nodeSize == 0 {
		return true
	}
	if found && uint64(a-obj.Start)%nodeSize == offset {
		return true
	}
	v := newViolation(report.Alignment, a, loc)
	v.Pool = h.ID()
	v.Alignment = offset
	if found {
		v.SetObject(obj)
		rt.attachInfo(v, obj.Start)
	}
	rt.report(v)
	return false
}

// FuncCheck checks that the indirect call target f is one of targets.
func (rt *Runtime) FuncCheck(f bounds.Addr, targets []bounds.Addr,
	loc report.Loc) bool {
	rt.stats.Check(chkFunc)
	for _, t := range targets {
		if t == f {
			return true
		}
	}
	rt.report(newViolation(report.InvalidCallTarget, f, loc))
	return false
}

// FuncCheckUI is FuncCheck for call sites whose target set is not
// complete. Nothing is checked.
func (rt *Runtime) FuncCheckUI(f bounds.Addr, targets []bounds.Addr,
	loc report.Loc) bool {
	rt.stats.Check(chkFuncUI)
	return true
}
