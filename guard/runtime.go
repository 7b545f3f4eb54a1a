// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package guard is the memsafe runtime: it records the bounds of every
// registered memory object and checks pointer arithmetic, loads/stores
// and frees against them.
//
// The check functions never fail: they always return a value the
// program can continue with (possibly a rewritten pointer). Violations are
// passed to a report.Sink, once per failed check.
package guard

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/oob"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/slab"
	"github.com/intuitivelabs/memsafe/splay"
	"github.com/intuitivelabs/memsafe/stats"
)

const NAME = "guard"

// check protocol names, used as metric labels
const (
	chkBounds    = "bounds"
	chkBoundsUI  = "bounds_ui"
	chkLoadStore = "loadstore"
	chkLoadUI    = "loadstore_ui"
	chkFree      = "free"
	chkFreeUI    = "free_ui"
	chkExact     = "exact"
	chkAlign     = "align"
	chkFunc      = "func"
	chkFuncUI    = "func_ui"
	chkFault     = "fault"
)

// Runtime holds the process wide state: the external object registry,
// the object metadata index and the rewrite engine.
//
// Locking: a pool lock (if a pool is involved) is always taken before
// the runtime lock. Sinks are called with no lock held.
type Runtime struct {
	cfg      Config
	engine   *oob.Engine
	reserve  *oob.Reservation
	reporter *report.Reporter
	stats    *stats.Set

	mu       sync.Mutex
	external *pool.Registry
	pools    map[uint32]*pool.Pool // pools created by NewPool
	meta     splay.Tree[*report.ObjectInfo]

	allocSeq atomic.Uint64
	freeSeq  atomic.Uint64
}

// New initialises a runtime. Violations are passed to sink (stderr alerts
// if nil).
func New(cfg Config, sink report.Sink) (*Runtime, error) {
	if cfg.ReserveSize < 3 {
		return nil, fmt.Errorf("%w: sentinel range size %d",
			ErrConfig, cfg.ReserveSize)
	}
	if !cfg.Uninit.Valid() {
		return nil, fmt.Errorf("%w: uninitialised window %v",
			ErrConfig, cfg.Uninit)
	}
	var res *oob.Reservation
	var err error
	if !cfg.Synthetic {
		res, err = oob.Reserve(cfg.ReserveSize)
		if err != nil {
			WARN("failed to map the sentinel range (%s),"+
				" using a synthetic one\n", err)
		}
	}
	if res == nil {
		if res, err = oob.Synthetic(cfg.ReserveSize); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	st := stats.New()
	rt := &Runtime{
		cfg:      cfg,
		engine:   oob.NewEngine(res.Range, st),
		reserve:  res,
		reporter: report.NewReporter(sink, st, cfg.policy()),
		stats:    st,
		external: pool.NewRegistry(false, st),
		pools:    make(map[uint32]*pool.Pool),
	}
	if DBGon() {
		DBG("runtime %s: options %#x sentinels %v mapped %v\n",
			rt.reporter.RunID(), uint32(cfg.Options), res.Range, res.Mapped())
	}
	return rt, nil
}

// Config returns the runtime configuration.
func (rt *Runtime) Config() Config { return rt.cfg }

// Stats returns the runtime counters.
func (rt *Runtime) Stats() *stats.Set { return rt.stats }

// Reporter returns the violation reporter.
func (rt *Runtime) Reporter() *report.Reporter { return rt.reporter }

// Engine returns the out of bounds rewrite engine.
func (rt *Runtime) Engine() *oob.Engine { return rt.engine }

// SetExit replaces the function used to abort the process.
func (rt *Runtime) SetExit(fn func(code int)) { rt.reporter.SetExit(fn) }

// Close releases the sentinel range mapping. The runtime must not be used
// afterwards.
func (rt *Runtime) Close() error {
	return rt.reserve.Release()
}

// NewPool creates a pool using the runtime options. If arenaSize is not 0
// the pool gets its own storage, see Alloc.
func (rt *Runtime) NewPool(name string, nodeSize uint32, arenaSize int) (*pool.Pool, error) {
	p, err := pool.New(name, nodeSize, arenaSize, rt.cfg.Options.poolOptions(),
		rt.stats)
	if err != nil {
		return nil, err
	}
	if a := p.Arena(); a != nil {
		id := p.ID()
		a.OnCorruption = func(c slab.Corruption) {
			v := newViolation(report.HeapCorruption, c.Chunk.End, report.Loc{})
			v.Pool = id
			v.SetObject(c.Chunk)
			rt.report(v)
		}
	}
	rt.mu.Lock()
	rt.pools[p.ID()] = p
	rt.mu.Unlock()
	return p, nil
}

// DestroyPool drops all the objects and out of bounds records of a pool
// together with their metadata.
func (rt *Runtime) DestroyPool(h pool.Handle) {
	p, ok := h.Get()
	if !ok {
		return
	}
	p.Lock()
	defer p.Unlock()
	rt.mu.Lock()
	var starts []bounds.Addr
	rt.meta.Walk(func(r bounds.Range, info *report.ObjectInfo) bool {
		if info.Pool == p.ID() {
			starts = append(starts, r.Start)
		}
		return true
	})
	for _, s := range starts {
		rt.meta.Remove(s)
	}
	delete(rt.pools, p.ID())
	rt.mu.Unlock()
	p.DestroyUnsafe()
	if DBGon() {
		DBG("destroyed %s (%d objects metadata)\n", p, len(starts))
	}
}

func newViolation(k report.Kind, fault bounds.Addr, loc report.Loc) *report.Violation {
	return &report.Violation{Kind: k, Fault: fault, PC: loc.PC, Loc: loc}
}

// report passes v to the sink. It must be called with no lock held.
func (rt *Runtime) report(v *report.Violation) {
	rt.reporter.Report(v)
}

func lockPool(h pool.Handle) *pool.Pool {
	p, ok := h.Get()
	if ok {
		p.Lock()
	}
	return p
}

func unlockPool(p *pool.Pool) {
	if p != nil {
		p.Unlock()
	}
}

func localTable(p *pool.Pool) *oob.Table {
	if p == nil {
		return nil
	}
	return p.OOB()
}

// find looks up the object containing a: pool cache, pool registry, then
// the external registry. The pool lock must be held.
func (rt *Runtime) find(p *pool.Pool, a bounds.Addr) (bounds.Range, bool) {
	if p != nil {
		if r, ok := p.LookupUnsafe(a); ok {
			return r, true
		}
	}
	rt.mu.Lock()
	r, ok := rt.external.Lookup(a)
	rt.mu.Unlock()
	return r, ok
}

// metadata returns a copy of the metadata of the object containing a.
func (rt *Runtime) metadata(a bounds.Addr) (report.ObjectInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, info, ok := rt.meta.Find(a)
	if !ok {
		return report.ObjectInfo{}, false
	}
	return *info, true
}

// attachInfo adds the metadata of the object starting at start to v.
func (rt *Runtime) attachInfo(v *report.Violation, start bounds.Addr) {
	if info, ok := rt.metadata(start); ok && info.Object.Start == start {
		v.SetInfo(&info)
	}
}

// Lookup returns the bounds of the registered object containing a.
func (rt *Runtime) Lookup(h pool.Handle, a bounds.Addr) (bounds.Range, bool) {
	p := lockPool(h)
	defer unlockPool(p)
	return rt.find(p, a)
}

// Metadata returns the debug metadata recorded for the object containing
// a (including freed objects retained for dangling pointer detection).
func (rt *Runtime) Metadata(a bounds.Addr) (report.ObjectInfo, bool) {
	return rt.metadata(a)
}

// ActualValue returns the original value of a rewritten pointer (or a
// itself if it is not a known sentinel).
func (rt *Runtime) ActualValue(h pool.Handle, a bounds.Addr) bounds.Addr {
	if !rt.engine.IsSentinel(a) {
		return a
	}
	p := lockPool(h)
	defer unlockPool(p)
	return rt.engine.Resolve(localTable(p), a)
}

// IsSentinel returns true if a is inside the sentinel range.
func (rt *Runtime) IsSentinel(a bounds.Addr) bool {
	return rt.engine.IsSentinel(a)
}
