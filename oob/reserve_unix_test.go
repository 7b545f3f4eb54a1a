// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package oob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/memsafe/report"
)

func TestReserve(t *testing.T) {
	r, err := Reserve(1 << 20)
	require.NoError(t, err)
	assert.True(t, r.Mapped())
	assert.Equal(t, uint64(1<<20), r.Range.Len())

	e := NewEngine(r.Range, nil)
	s, ok := e.Rewrite(nil, 0x1234, obj, report.Loc{})
	require.True(t, ok)
	assert.True(t, r.Range.Contains(s))

	assert.NoError(t, r.Release())
	assert.False(t, r.Mapped())
	assert.NoError(t, r.Release(), "double release")

	_, err = Reserve(0)
	assert.ErrorIs(t, err, ErrReserveSize)
}
