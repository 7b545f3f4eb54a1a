// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package stats

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	s := New()
	s.Check("bounds")
	s.Check("bounds")
	s.Check("loadstore")
	s.Violation("out of bounds")
	s.Cache(true)
	s.Cache(false)
	s.Cache(false)
	s.Rewrite()
	s.Registered("heap")

	snap, err := s.Snapshot()
	require.NoError(t, err)
	want := map[string]float64{
		"memsafe_checks_total{protocol=bounds}":        2,
		"memsafe_checks_total{protocol=loadstore}":     1,
		"memsafe_violations_total{kind=out of bounds}": 1,
		"memsafe_cache_lookups_total{result=hit}":      1,
		"memsafe_cache_lookups_total{result=miss}":     2,
		"memsafe_rewrites_total":                       1,
		"memsafe_sentinel_exhausted_total":             0,
		"memsafe_registrations_total{kind=heap}":       1,
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	keys := Keys(snap)
	assert.Equal(t, "memsafe_cache_lookups_total{result=hit}", keys[0])
}

func TestNilSet(t *testing.T) {
	var s *Set
	assert.NotPanics(t, func() {
		s.Check("bounds")
		s.Violation("x")
		s.Cache(true)
		s.Rewrite()
		s.Exhausted()
		s.Registered("heap")
	})
	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.Nil(t, s.Registry())
}
