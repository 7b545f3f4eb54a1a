// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
)

func TestBoundsCheckOnePast(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))

	assert.Equal(t, bounds.Addr(0x100f), rt.BoundsCheck(none, 0x1000, 0x100f, at(2)))
	s := rt.BoundsCheck(none, 0x1000, 0x1010, at(3))
	assert.True(t, rt.IsSentinel(s))
	assert.Equal(t, bounds.Addr(0x1010), rt.ActualValue(none, s))
	assert.Zero(t, c.Len())

	// same pointer, same sentinel
	assert.Equal(t, s, rt.BoundsCheck(none, 0x1004, 0x1010, at(4)))
	assert.Equal(t, 1, rt.Engine().Len())
}

func TestBoundsCheckStrict(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))

	assert.Equal(t, bounds.Addr(0x1020), rt.BoundsCheck(none, 0x1000, 0x1020, at(2)))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.Equal(t, uint32(report.CWEBufferOverflow), v.CWE)
	assert.Equal(t, bounds.Addr(0x1020), v.Fault)
	assert.Equal(t, at(2).PC, v.PC)
	assert.True(t, v.HasObject)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)
	assert.Equal(t, uint64(16), v.Object.Len())
	require.NotNil(t, v.Info)
	assert.Equal(t, at(1), v.Info.AllocLoc)

	// below the start
	rt.BoundsCheck(none, 0x1000, 0xfff, at(3))
	assert.Equal(t, 2, c.Len())
}

func TestBoundsCheckNonStrict(t *testing.T) {
	rt, c := newTestRuntime(t, RewriteOOB)
	rt.RegisterHeap(none, 0x1000, 16, at(1))

	s := rt.BoundsCheck(none, 0x1000, 0x1020, at(2))
	assert.True(t, rt.IsSentinel(s))
	s2 := rt.BoundsCheck(none, 0x1000, 0xff0, at(3))
	assert.True(t, rt.IsSentinel(s2))
	assert.NotEqual(t, s, s2)
	assert.Equal(t, bounds.Addr(0xff0), rt.ActualValue(none, s2))
	assert.Zero(t, c.Len())
}

func TestBoundsCheckNoRewrite(t *testing.T) {
	for _, opts := range []Options{0, StrictIndexing} {
		rt, c := newTestRuntime(t, opts)
		rt.RegisterHeap(none, 0x1000, 16, at(1))

		s := rt.BoundsCheck(none, 0x1000, 0x1010, at(2))
		assert.True(t, rt.IsSentinel(s), "options %#x: one past the end", uint32(opts))
		assert.Equal(t, bounds.Addr(0x1010), rt.ActualValue(none, s))
		assert.Zero(t, c.Len())

		assert.Equal(t, bounds.Addr(0x1011), rt.BoundsCheck(none, 0x1000, 0x1011, at(3)))
		assert.Equal(t, []report.Kind{report.OutOfBounds}, c.Kinds())
		assert.Equal(t, 1, rt.Engine().Len())
	}
}

func TestBoundsCheckChained(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	s := rt.BoundsCheck(none, 0x1000, 0x1010, at(2))
	require.True(t, rt.IsSentinel(s))

	// back inside the object
	assert.Equal(t, bounds.Addr(0x100f), rt.BoundsCheck(none, s, s-1, at(3)))
	assert.Equal(t, bounds.Addr(0x1000), rt.BoundsCheck(none, s, s-16, at(4)))
	// still one past
	assert.Equal(t, s, rt.BoundsCheck(none, s, s, at(5)))
	assert.Zero(t, c.Len())

	// further out: reported against the original object, real pointer
	assert.Equal(t, bounds.Addr(0x1018), rt.BoundsCheck(none, s, s+8, at(6)))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.Equal(t, bounds.Addr(0x1018), v.Fault)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)
}

func TestBoundsCheckUnknown(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)

	assert.Equal(t, bounds.Addr(0x9010), rt.BoundsCheckUI(none, 0x9000, 0x9010, at(1)))
	assert.Zero(t, c.Len())

	assert.Equal(t, bounds.Addr(0x9010), rt.BoundsCheck(none, 0x9000, 0x9010, at(2)))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.False(t, v.HasObject)
	assert.Nil(t, v.Info)
}

func TestBoundsCheckFirstPage(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)

	assert.Equal(t, bounds.Addr(0x10), rt.BoundsCheck(none, bounds.Null, 0x10, at(1)))
	assert.Equal(t, bounds.Addr(0xff8), rt.BoundsCheck(none, 0x8, 0xff8, at(2)))
	assert.Zero(t, c.Len())

	s := rt.BoundsCheck(none, 0x8, bounds.PageSize, at(3))
	assert.True(t, rt.IsSentinel(s))
	assert.Zero(t, c.Len())

	rt.BoundsCheck(none, 0x8, 0x20000, at(4))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.Equal(t, bounds.FirstPage, v.Object)
}

func TestBoundsCheckDangling(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions|Dangling)
	rt.RegisterHeap(none, 0x5000, 16, at(1))
	require.True(t, rt.FreeCheck(none, 0x5000, at(2)))

	// arithmetic on a dangling pointer is checked against the freed object
	assert.Equal(t, bounds.Addr(0x5008), rt.BoundsCheck(none, 0x5000, 0x5008, at(3)))
	assert.Zero(t, c.Len())
	rt.BoundsCheck(none, 0x5000, 0x5100, at(4))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.Equal(t, rng(0x5000, 0x500f), v.Object)
	require.NotNil(t, v.Info)
	assert.True(t, v.Info.Freed())
}

func TestBoundsCheckExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Options = RewriteOOB
	cfg.Synthetic = true
	cfg.ReserveSize = 4 // 2 usable sentinels
	c := &report.Collector{}
	rt, err := New(cfg, c)
	require.NoError(t, err)
	rt.RegisterHeap(none, 0x1000, 16, at(1))

	for i := 0; i < 2; i++ {
		d := bounds.Addr(0x2000 + i)
		assert.True(t, rt.IsSentinel(rt.BoundsCheck(none, 0x1000, d, at(2))))
	}
	assert.Equal(t, bounds.Addr(0x3000), rt.BoundsCheck(none, 0x1000, 0x3000, at(3)),
		"original pointer returned")
	assert.Zero(t, c.Len())
	snap, err := rt.Stats().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["memsafe_sentinel_exhausted_total"])
}

// the object cache must not change any check result
func TestCacheTransparency(t *testing.T) {
	type result struct {
		Ret   []bounds.Addr
		Ok    []bool
		Kinds []report.Kind
	}
	run := func(opts Options) result {
		rt, c := newTestRuntime(t, opts)
		p, err := rt.NewPool("cache", 0, 0)
		require.NoError(t, err)
		h := p.Handle()
		var res result
		for i := bounds.Addr(0); i < 8; i++ {
			rt.RegisterHeap(h, 0x10000+i*0x100, 0x40, at(1))
		}
		for i := bounds.Addr(0); i < 64; i++ {
			obj := 0x10000 + (i%8)*0x100
			res.Ret = append(res.Ret,
				rt.BoundsCheck(h, obj+(i%4), obj+i*3, at(2)))
			res.Ok = append(res.Ok,
				rt.LoadStoreCheck(h, obj+i, uint64(i%16)+1, at(3)))
			if i%16 == 5 {
				rt.UnregisterHeap(h, obj, at(4))
			}
		}
		res.Kinds = c.Kinds()
		return res
	}
	cached := run(DefaultOptions)
	uncached := run(DefaultOptions | NoCache)
	if diff := cmp.Diff(cached, uncached); diff != "" {
		t.Errorf("cache changed the results (-cached +uncached):\n%s", diff)
	}
	assert.NotEmpty(t, cached.Kinds)
}

func TestLoadStoreCheck(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))

	assert.True(t, rt.LoadStoreCheck(none, 0x1000, 16, at(2)))
	assert.True(t, rt.LoadStoreCheck(none, 0x100c, 4, at(3)))
	assert.Zero(t, c.Len())

	assert.False(t, rt.LoadStoreCheck(none, 0x1000, 17, at(4)))
	v := lastViolation(t, c)
	assert.Equal(t, report.LoadStore, v.Kind)
	assert.Equal(t, bounds.Addr(0x1010), v.Fault)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)
	require.NotNil(t, v.Info)

	// overruns are reported by the tolerant variant too
	assert.False(t, rt.LoadStoreCheckUI(none, 0x100c, 8, at(5)))
	assert.Equal(t, 2, c.Len())
}

func TestLoadStoreZeroLength(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	assert.True(t, rt.LoadStoreCheck(none, 0xdead, 0, at(1)))
	assert.True(t, rt.LoadStoreCheck(none, bounds.Null, 0, at(2)))
	assert.Zero(t, c.Len())
}

func TestLoadStoreUnknown(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)

	assert.True(t, rt.LoadStoreCheckUI(none, 0x9000, 4, at(1)))
	assert.Zero(t, c.Len())

	assert.False(t, rt.LoadStoreCheck(none, 0x9000, 4, at(2)))
	v := lastViolation(t, c)
	assert.Equal(t, report.LoadStore, v.Kind)
	assert.Equal(t, uint32(report.CWEDP), v.CWE)
	assert.False(t, v.HasObject)

	assert.False(t, rt.LoadStoreCheckUI(none, bounds.Null, 4, at(3)))
	v = lastViolation(t, c)
	assert.Equal(t, report.LoadStore, v.Kind)
	assert.Equal(t, uint32(report.CWENull), v.CWE)
}

func TestLoadStoreSentinel(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	s := rt.BoundsCheck(none, 0x1000, 0x1010, at(2))
	require.True(t, rt.IsSentinel(s))

	assert.False(t, rt.LoadStoreCheckUI(none, s, 1, at(3)))
	v := lastViolation(t, c)
	assert.Equal(t, report.LoadStore, v.Kind)
	assert.Equal(t, bounds.Addr(0x1010), v.Fault)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)
}

func TestLoadStoreDangling(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions|Dangling)
	rt.RegisterHeap(none, 0x5000, 16, at(1))
	require.True(t, rt.FreeCheck(none, 0x5000, at(2)))

	assert.False(t, rt.LoadStoreCheck(none, 0x5004, 4, at(3)))
	v := lastViolation(t, c)
	assert.Equal(t, report.DanglingPointer, v.Kind)
	assert.Equal(t, uint32(report.CWEDP), v.CWE)
	require.NotNil(t, v.Info)
	assert.Equal(t, at(1), v.Info.AllocLoc)
	assert.Equal(t, at(2), v.Info.FreeLoc)
}

func TestExactCheck(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)

	assert.Equal(t, bounds.Addr(0x1008), rt.ExactCheck(0x1000, 0x1000, 0x1008, 16, at(1)))
	s := rt.ExactCheck(0x1000, 0x1000, 0x1010, 16, at(2))
	require.True(t, rt.IsSentinel(s))
	assert.Zero(t, c.Len())

	// indexing off the sentinel
	assert.Equal(t, bounds.Addr(0x1004), rt.ExactCheck(s, 0x1000, s-12, 16, at(3)))

	assert.Equal(t, bounds.Addr(0x1020), rt.ExactCheck(0x1000, 0x1000, 0x1020, 16, at(4)))
	v := lastViolation(t, c)
	assert.Equal(t, report.OutOfBounds, v.Kind)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)

	// zero sized objects
	assert.Equal(t, bounds.Addr(0x2000), rt.ExactCheck(0x2000, 0x2000, 0x2000, 0, at(5)))
	assert.Equal(t, 1, c.Len())
	rt.ExactCheck(0x2000, 0x2000, 0x2001, 0, at(6))
	assert.Equal(t, 2, c.Len())
}

func TestAlignCheck(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	p, err := rt.NewPool("nodes", 8, 0)
	require.NoError(t, err)
	h := p.Handle()
	rt.RegisterHeap(h, 0x8000, 64, at(1))

	assert.True(t, rt.AlignCheck(h, 0x8010, 0, at(2)))
	assert.True(t, rt.AlignCheck(h, 0x8014, 4, at(3)))
	assert.True(t, rt.AlignCheck(h, bounds.Null, 0, at(4)))
	assert.True(t, rt.AlignCheck(none, 0x8013, 0, at(5)), "no pool, no check")
	assert.Zero(t, c.Len())

	assert.False(t, rt.AlignCheck(h, 0x8012, 0, at(6)))
	v := lastViolation(t, c)
	assert.Equal(t, report.Alignment, v.Kind)
	assert.Equal(t, bounds.Addr(0x8012), v.Fault)
	assert.Equal(t, rng(0x8000, 0x803f), v.Object)
	assert.Equal(t, p.ID(), v.Pool)

	assert.False(t, rt.AlignCheck(h, 0x9000, 0, at(7)))
	v = lastViolation(t, c)
	assert.False(t, v.HasObject)
}

func TestFuncCheck(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions)
	targets := []bounds.Addr{0x401000, 0x402000}

	assert.True(t, rt.FuncCheck(0x402000, targets, at(1)))
	assert.True(t, rt.FuncCheckUI(0x403000, targets, at(2)))
	assert.Zero(t, c.Len())

	assert.False(t, rt.FuncCheck(0x403000, targets, at(3)))
	v := lastViolation(t, c)
	assert.Equal(t, report.InvalidCallTarget, v.Kind)
	assert.Equal(t, bounds.Addr(0x403000), v.Fault)
}

func TestFault(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions|Dangling)
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	rt.RegisterHeap(none, 0x5000, 16, at(2))
	require.True(t, rt.FreeCheck(none, 0x5000, at(3)))
	s := rt.BoundsCheck(none, 0x1000, 0x1010, at(4))

	assert.Equal(t, report.Uninitialized, rt.Fault(0x10, 0xbeef))
	v := lastViolation(t, c)
	assert.Equal(t, uintptr(0xbeef), v.PC)

	assert.Equal(t, report.DanglingPointer, rt.Fault(0x5008, 0xbeef))
	v = lastViolation(t, c)
	require.NotNil(t, v.Info)
	assert.Equal(t, at(3), v.Info.FreeLoc)

	assert.Equal(t, report.LoadStore, rt.Fault(0x1004, 0xbeef))
	v = lastViolation(t, c)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)

	assert.Equal(t, report.LoadStore, rt.Fault(s, 0xbeef))
	v = lastViolation(t, c)
	assert.Equal(t, bounds.Addr(0x1010), v.Fault)
	assert.Equal(t, rng(0x1000, 0x100f), v.Object)
	assert.Equal(t, at(4).Line, v.Loc.Line, "rewrite site reported")
	assert.Equal(t, uintptr(0xbeef), v.PC)

	assert.Equal(t, report.LoadStore, rt.Fault(0x9000, 0xbeef))
	v = lastViolation(t, c)
	assert.False(t, v.HasObject)
	assert.Equal(t, 5, c.Len())
}

func TestTerminate(t *testing.T) {
	rt, c := newTestRuntime(t, DefaultOptions|Terminate)
	var code int
	rt.SetExit(func(n int) { code = n })
	rt.RegisterHeap(none, 0x1000, 16, at(1))
	rt.BoundsCheck(none, 0x1000, 0x1040, at(2))
	assert.Equal(t, report.AbortCode, code)
	assert.Equal(t, 1, c.Len())
}

func TestMaxReports(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synthetic = true
	cfg.ReserveSize = 1 << 10
	cfg.MaxReports = 2
	c := &report.Collector{}
	rt, err := New(cfg, c)
	require.NoError(t, err)
	exits := 0
	rt.SetExit(func(int) { exits++ })

	rt.LoadStoreCheck(none, 0x9000, 1, at(1))
	assert.Zero(t, exits)
	rt.LoadStoreCheck(none, 0x9000, 1, at(2))
	assert.Equal(t, 1, exits)
}
