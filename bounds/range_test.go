// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bounds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpan(t *testing.T) {
	r, ok := Span(0x1000, 16)
	require.True(t, ok)
	assert.Equal(t, Range{0x1000, 0x100f}, r)
	assert.Equal(t, uint64(16), r.Len())

	_, ok = Span(0x1000, 0)
	assert.False(t, ok, "zero sized span")

	_, ok = Span(MaxAddr, 2)
	assert.False(t, ok, "wrapping span")

	r, ok = Span(MaxAddr, 1)
	require.True(t, ok)
	assert.Equal(t, MaxAddr, r.End)
}

func TestOnePast(t *testing.T) {
	r := Range{100, 199}
	p, ok := r.OnePast()
	require.True(t, ok)
	assert.Equal(t, Addr(200), p)
	assert.True(t, r.IsOnePast(200))
	assert.False(t, r.IsOnePast(201))
	assert.False(t, r.IsOnePast(199))

	top := Range{MaxAddr - 3, MaxAddr}
	_, ok = top.OnePast()
	assert.False(t, ok)
	assert.False(t, top.IsOnePast(0))
}

func TestContainsOverlapsUnion(t *testing.T) {
	a := Range{100, 199}
	b := Range{150, 250}
	c := Range{200, 300}

	assert.True(t, a.Contains(100))
	assert.True(t, a.Contains(199))
	assert.False(t, a.Contains(200))
	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
	assert.Equal(t, Range{100, 250}, a.Union(b))
	assert.Equal(t, Range{100, 300}, c.Union(a))
	assert.True(t, a.Union(c).ContainsRange(a))
}

func TestRebase(t *testing.T) {
	// dest = src + 8 applied to another base
	assert.Equal(t, Addr(0x2008), Rebase(0x2000, 0x1000, 0x1008))
	// negative displacement
	assert.Equal(t, Addr(0x1ff8), Rebase(0x2000, 0x1008, 0x1000))
}

func TestLast(t *testing.T) {
	l, ok := Last(0x1000, 16)
	require.True(t, ok)
	assert.Equal(t, Addr(0x100f), l)
	_, ok = Last(0x1000, 0)
	assert.False(t, ok)
}

func TestKind(t *testing.T) {
	for _, k := range []Kind{Heap, Stack, Global} {
		p, ok := ParseKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, p)
	}
	_, ok := ParseKind("bogus")
	assert.False(t, ok)
}
