// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
)

var none = pool.None

func rng(s, e bounds.Addr) bounds.Range { return bounds.Range{Start: s, End: e} }

func at(line uint32) report.Loc {
	return report.Loc{File: "test.c", Line: line, PC: uintptr(0x400000 + line)}
}

func newTestRuntime(t *testing.T, opts Options) (*Runtime, *report.Collector) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Options = opts
	cfg.Synthetic = true
	cfg.ReserveSize = 1 << 16
	cfg.MaxReports = 0
	c := &report.Collector{}
	rt, err := New(cfg, c)
	require.NoError(t, err)
	rt.SetExit(func(code int) { t.Fatalf("unexpected exit(%d)", code) })
	t.Cleanup(func() { rt.Close() })
	return rt, c
}

func lastViolation(t *testing.T, c *report.Collector) report.Violation {
	t.Helper()
	v, ok := c.Last()
	require.True(t, ok, "no violation reported")
	return v
}

func TestNewBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveSize = 1
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = DefaultConfig()
	cfg.Uninit = rng(10, 5)
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewSynthetic(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions)
	res := rt.Engine().Reserved()
	assert.Equal(t, uint64(1<<16), res.Len())
	assert.True(t, rt.IsSentinel(res.Start+1))
	assert.False(t, rt.IsSentinel(res.Start))
	assert.NotEmpty(t, rt.Reporter().RunID())
}

func TestRegisterLookup(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	r, ok := rt.Lookup(none, 0x1008)
	require.True(t, ok)
	assert.Equal(t, rng(0x1000, 0x100f), r)

	info, ok := rt.Metadata(0x100f)
	require.True(t, ok)
	assert.Equal(t, bounds.Heap, info.Kind)
	assert.Equal(t, rng(0x1000, 0x100f), info.Object)
	assert.Equal(t, at(1), info.AllocLoc)
	assert.Equal(t, at(1).PC, info.AllocPC)
	assert.False(t, info.Freed())

	// no-ops
	rt.RegisterHeap(none, bounds.Null, 16, at(2))
	rt.RegisterHeap(none, 0x2000, 0, at(3))
	_, ok = rt.Lookup(none, 0x2000)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestRegisterGlobalCoalesce(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterGlobal(none, 0x3000, 16, at(1))
	rt.RegisterGlobal(none, 0x3008, 16, at(2))
	rt.RegisterGlobal(none, 0x2ff0, 0x20, at(3))
	r, ok := rt.Lookup(none, 0x3000)
	require.True(t, ok)
	assert.Equal(t, rng(0x2ff0, 0x3017), r)
	info, ok := rt.Metadata(0x3010)
	require.True(t, ok)
	assert.Equal(t, r, info.Object)
	assert.Equal(t, bounds.Global, info.Kind)
	assert.Zero(t, c.Len(), "coalescing is not a violation")
}

func TestRegisterHeapDuplicate(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x4000, 16, at(1))
	rt.RegisterHeap(none, 0x4008, 16, at(2))

	v := lastViolation(t, c)
	assert.Equal(t, report.DuplicateRegistration, v.Kind)
	assert.Equal(t, bounds.Addr(0x4008), v.Fault)
	assert.True(t, v.HasObject)
	assert.Equal(t, rng(0x4000, 0x400f), v.Object)
	require.NotNil(t, v.Info)
	assert.Equal(t, at(1), v.Info.AllocLoc)

	// the stale object was replaced
	_, ok := rt.Lookup(none, 0x4000)
	assert.False(t, ok)
	r, ok := rt.Lookup(none, 0x4010)
	require.True(t, ok)
	assert.Equal(t, rng(0x4008, 0x4017), r)
}

func TestRegisterHeapDuplicateDebug(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions|Debug)
	rt.RegisterHeap(none, 0x4000, 16, at(1))
	assert.Panics(t, func() { rt.RegisterHeap(none, 0x4000, 8, at(2)) })
	assert.Equal(t, 1, c.Len(), "reported before panicking")
}

func TestUnregister(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions|Dangling)
	rt.RegisterStack(none, 0x6000, 16, at(1))
	rt.RegisterHeap(none, 0x7000, 16, at(2))

	rt.UnregisterStack(none, 0x6000, at(3))
	_, ok := rt.Lookup(none, 0x6000)
	assert.False(t, ok)
	_, ok = rt.Metadata(0x6000)
	assert.False(t, ok, "stack metadata is always dropped")

	rt.UnregisterHeap(none, 0x7000, at(4))
	_, ok = rt.Lookup(none, 0x7000)
	assert.False(t, ok)
	info, ok := rt.Metadata(0x7000)
	require.True(t, ok, "freed heap metadata retained")
	assert.True(t, info.Freed())
	assert.Equal(t, at(4), info.FreeLoc)
}

func TestReregister(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions)
	rt.Reregister(none, 0x1000, bounds.Null, 16, at(1))
	_, ok := rt.Lookup(none, 0x1000)
	require.True(t, ok)

	rt.Reregister(none, 0x2000, 0x1000, 32, at(2))
	_, ok = rt.Lookup(none, 0x1000)
	assert.False(t, ok)
	r, ok := rt.Lookup(none, 0x2000)
	require.True(t, ok)
	assert.Equal(t, rng(0x2000, 0x201f), r)

	rt.Reregister(none, bounds.Null, 0x2000, 0, at(3))
	_, ok = rt.Lookup(none, 0x2000)
	assert.False(t, ok)
}

func TestRegisterExternal(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions)
	rt.RegisterExternal(0x8000, 64, bounds.Global)
	r, ok := rt.Lookup(none, 0x8010)
	require.True(t, ok)
	assert.Equal(t, rng(0x8000, 0x803f), r)
	_, ok = rt.Metadata(0x8000)
	assert.False(t, ok, "no metadata for external objects")

	// pool lookups fall back to the external registry
	p, err := rt.NewPool("p", 0, 0)
	require.NoError(t, err)
	_, ok = rt.Lookup(p.Handle(), 0x8000)
	assert.True(t, ok)

	assert.True(t, rt.UnregisterExternal(0x8000))
	_, ok = rt.Lookup(none, 0x8000)
	assert.False(t, ok)
}

func TestPoolObjects(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions)
	p, err := rt.NewPool("objs", 0, 0)
	require.NoError(t, err)
	h := p.Handle()
	rt.RegisterHeap(h, 0xa000, 32, at(1))
	assert.Equal(t, 1, p.Len())
	_, ok := rt.Lookup(none, 0xa000)
	assert.False(t, ok, "pool objects are not external")

	s := rt.BoundsCheck(h, 0xa000, 0xa020, at(2))
	assert.True(t, rt.IsSentinel(s))
	assert.Equal(t, 1, p.OOB().Len())
	assert.Equal(t, bounds.Addr(0xa020), rt.ActualValue(h, s))
	assert.Equal(t, bounds.Addr(0xa020), rt.ActualValue(none, s),
		"sentinels resolve through any handle")

	info, ok := rt.Metadata(0xa000)
	require.True(t, ok)
	assert.Equal(t, p.ID(), info.Pool)

	rt.DestroyPool(h)
	assert.True(t, p.Destroyed())
	_, ok = rt.Lookup(h, 0xa000)
	assert.False(t, ok)
	_, ok = rt.Metadata(0xa000)
	assert.False(t, ok)
	assert.Zero(t, p.OOB().Len())
}

func TestPoolArenaOptions(t *testing.T) {
	for _, opts := range []Options{DefaultOptions, DefaultOptions | ArenaJoin} {
		rt, _ := newTestRuntime(t, opts)
		p, err := rt.NewPool("arena", 0, 1<<16)
		require.NoError(t, err)
		assert.Equal(t, opts.ArenaJoin(), p.Arena().JoinFree())

		h := p.Handle()
		a, err := rt.Alloc(h, 64, at(1))
		require.NoError(t, err)
		b, err := rt.Alloc(h, 64, at(2))
		require.NoError(t, err)
		require.NoError(t, rt.Free(h, a, at(3)))
		require.NoError(t, rt.Free(h, b, at(4)))
		// joined chunks serve a larger allocation at the same address
		c, err := rt.Alloc(h, 128, at(5))
		require.NoError(t, err)
		if opts.ArenaJoin() {
			assert.Equal(t, a, c)
		}
		require.NoError(t, rt.Free(h, c, at(6)))
	}
}

func TestStatsSnapshot(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	rt.BoundsCheck(none, 0x1000, 0x1008, at(2))
	rt.BoundsCheck(none, 0x1000, 0x1010, at(3))
	rt.BoundsCheck(none, 0x1000, 0x1040, at(4))

	snap, err := rt.Stats().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap["memsafe_checks_total{protocol=bounds}"])
	assert.Equal(t, 1.0, snap["memsafe_rewrites_total"])
	assert.Equal(t, 1.0, snap["memsafe_violations_total{kind=out_of_bounds}"])
	assert.Equal(t, 1.0, snap["memsafe_registrations_total{kind=heap}"])
}
