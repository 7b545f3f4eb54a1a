// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"context"
	"errors"
	"fmt"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/guard"
	"github.com/intuitivelabs/memsafe/pool"
)

var (
	// ErrUnknownPool is returned for events naming a pool not created by
	// a previous pool event.
	ErrUnknownPool = errors.New("trace: unknown pool")

	// ErrUnknownVar is returned for a variable not set by a previous event.
	ErrUnknownVar = errors.New("trace: unknown variable")
)

// Result summarises a replay.
type Result struct {
	Events int                    // replayed events
	Failed int                    // checks that failed
	Vars   map[string]bounds.Addr // final variable values
}

type replayer struct {
	rt    *guard.Runtime
	pools map[string]*pool.Pool
	res   Result
}

// Replay runs events against rt, in order. It stops at the first event
// that cannot be executed (unknown pool or variable, allocation failure)
// or when ctx is done. Check failures are not errors: they are reported
// through the runtime sink and counted in the result.
func Replay(ctx context.Context, rt *guard.Runtime, events []Event) (Result, error) {
	r := &replayer{
		rt:    rt,
		pools: make(map[string]*pool.Pool),
		res:   Result{Vars: make(map[string]bounds.Addr)},
	}
	for i := range events {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		ev := &events[i]
		if err := r.exec(ev); err != nil {
			return r.res, fmt.Errorf("line %d: %s: %w", ev.Line, ev.Op, err)
		}
		r.res.Events++
	}
	if DBGon() {
		DBG("replayed %d events, %d failed checks, %d pools\n",
			r.res.Events, r.res.Failed, len(r.pools))
	}
	return r.res, nil
}

func (r *replayer) handle(name string) (pool.Handle, error) {
	if name == "" {
		return pool.None, nil
	}
	p, ok := r.pools[name]
	if !ok {
		return pool.None, fmt.Errorf("%w %q", ErrUnknownPool, name)
	}
	return p.Handle(), nil
}

func (r *replayer) value(o Operand) (bounds.Addr, error) {
	if o.Var == "" {
		return o.Val, nil
	}
	v, ok := r.res.Vars[o.Var]
	if !ok {
		return 0, fmt.Errorf("%w $%s", ErrUnknownVar, o.Var)
	}
	return v + o.Val, nil
}

func (r *replayer) values(ev *Event) ([]bounds.Addr, error) {
	vals := make([]bounds.Addr, len(ev.Args))
	for i, o := range ev.Args {
		v, err := r.value(o)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (r *replayer) check(ok bool) {
	if !ok {
		r.res.Failed++
	}
}

func (r *replayer) exec(ev *Event) error {
	rt := r.rt
	if ev.Op == OpPool {
		if _, dup := r.pools[ev.Name]; dup {
			return fmt.Errorf("pool %q already exists", ev.Name)
		}
		v, err := r.values(ev)
		if err != nil {
			return err
		}
		p, err := rt.NewPool(ev.Name, uint32(v[0]), int(v[1]))
		if err != nil {
			return err
		}
		r.pools[ev.Name] = p
		return nil
	}
	h, err := r.handle(ev.Pool)
	if err != nil {
		return err
	}
	v, err := r.values(ev)
	if err != nil {
		return err
	}
	loc := ev.Loc
	var res bounds.Addr
	switch ev.Op {
	case OpHeap:
		rt.RegisterHeap(h, v[0], uint64(v[1]), loc)
		res = v[0]
	case OpStack:
		rt.RegisterStack(h, v[0], uint64(v[1]), loc)
		res = v[0]
	case OpGlobal:
		rt.RegisterGlobal(h, v[0], uint64(v[1]), loc)
		res = v[0]
	case OpExtern:
		rt.RegisterExternal(v[0], uint64(v[1]), ev.Kind)
		res = v[0]
	case OpUnstack:
		rt.UnregisterStack(h, v[0], loc)
	case OpUnheap:
		rt.UnregisterHeap(h, v[0], loc)
	case OpAlloc:
		if res, err = rt.Alloc(h, uint64(v[0]), loc); err != nil {
			return err
		}
	case OpFree:
		if err := rt.Free(h, v[0], loc); err != nil {
			if !errors.Is(err, guard.ErrRejected) {
				return err
			}
			r.check(false)
		}
	case OpRealloc:
		res, err = rt.Realloc(h, v[0], uint64(v[1]), loc)
		if err != nil {
			if !errors.Is(err, guard.ErrRejected) {
				return err
			}
			r.check(false)
		}
	case OpBounds, OpBoundsUI:
		n := r.failures()
		if ev.Op == OpBounds {
			res = rt.BoundsCheck(h, v[0], v[1], loc)
		} else {
			res = rt.BoundsCheckUI(h, v[0], v[1], loc)
		}
		r.check(n == r.failures())
	case OpLoad:
		r.check(rt.LoadStoreCheck(h, v[0], uint64(v[1]), loc))
	case OpLoadUI:
		r.check(rt.LoadStoreCheckUI(h, v[0], uint64(v[1]), loc))
	case OpFreeCheck:
		r.check(rt.FreeCheck(h, v[0], loc))
	case OpFreeCheckUI:
		r.check(rt.FreeCheckUI(h, v[0], loc))
	case OpExact:
		n := r.failures()
		res = rt.ExactCheck(v[0], v[1], v[2], uint64(v[3]), loc)
		r.check(n == r.failures())
	case OpAlign:
		r.check(rt.AlignCheck(h, v[0], uint64(v[1]), loc))
	case OpFunc:
		r.check(rt.FuncCheck(v[0], v[1:], loc))
	case OpFault:
		var pc uintptr
		if len(v) > 1 {
			pc = uintptr(v[1])
		}
		rt.Fault(v[0], pc)
		r.check(false)
	case OpDestroy:
		p, _ := h.Get()
		rt.DestroyPool(h)
		if p != nil {
			delete(r.pools, p.Name())
		}
	default:
		return fmt.Errorf("%w: unsupported event", ErrSyntax)
	}
	if ev.Result != "" {
		r.res.Vars[ev.Result] = res
	}
	return nil
}

// failures returns the number of violations reported so far.
func (r *replayer) failures() uint64 {
	return r.rt.Reporter().Count()
}
