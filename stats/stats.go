// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package stats holds the runtime counters, exported as prometheus
// metrics.
//
// All the methods can be called on a nil *Set (counting is disabled).
package stats

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memsafe"

// Set is a group of counters registered on its own registry
// (one per runtime).
type Set struct {
	reg        *prometheus.Registry
	checks     *prometheus.CounterVec
	violations *prometheus.CounterVec
	cache      *prometheus.CounterVec
	rewrites   prometheus.Counter
	exhausted  prometheus.Counter
	registered *prometheus.CounterVec
}

// New creates a new counter set.
func New() *Set {
	s := &Set{
		reg: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Executed runtime checks, by protocol.",
		}, []string{"protocol"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Reported violations, by kind.",
		}, []string{"kind"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Object cache probes, by result.",
		}, []string{"result"}),
		rewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Out of bounds pointers rewritten to sentinels.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentinel_exhausted_total",
			Help:      "Rewrites refused because the sentinel range is used up.",
		}),
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registered memory objects, by allocation kind.",
		}, []string{"kind"}),
	}
	s.reg.MustRegister(s.checks, s.violations, s.cache, s.rewrites,
		s.exhausted, s.registered)
	return s
}

// Registry returns the prometheus registry holding the counters.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.reg
}

// Check counts one execution of the named check protocol.
func (s *Set) Check(protocol string) {
	if s != nil {
		s.checks.WithLabelValues(protocol).Inc()
	}
}

// Violation counts a reported violation.
func (s *Set) Violation(kind string) {
	if s != nil {
		s.violations.WithLabelValues(kind).Inc()
	}
}

// Cache counts an object cache probe.
func (s *Set) Cache(hit bool) {
	if s == nil {
		return
	}
	if hit {
		s.cache.WithLabelValues("hit").Inc()
	} else {
		s.cache.WithLabelValues("miss").Inc()
	}
}

// Rewrite counts a newly allocated sentinel.
func (s *Set) Rewrite() {
	if s != nil {
		s.rewrites.Inc()
	}
}

// Exhausted counts a failed sentinel allocation.
func (s *Set) Exhausted() {
	if s != nil {
		s.exhausted.Inc()
	}
}

// Registered counts a new memory object of the given kind.
func (s *Set) Registered(kind string) {
	if s != nil {
		s.registered.WithLabelValues(kind).Inc()
	}
}

// Snapshot returns the current counter values keyed by
// metric{label=value}.
func (s *Set) Snapshot() (map[string]float64, error) {
	res := make(map[string]float64)
	if s == nil {
		return res, nil
	}
	mfs, err := s.reg.Gather()
	if err != nil {
		return nil, err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var b strings.Builder
			b.WriteString(mf.GetName())
			if lp := m.GetLabel(); len(lp) != 0 {
				b.WriteByte('{')
				for i, l := range lp {
					if i != 0 {
						b.WriteByte(',')
					}
					b.WriteString(l.GetName())
					b.WriteByte('=')
					b.WriteString(l.GetValue())
				}
				b.WriteByte('}')
			}
			res[b.String()] = m.GetCounter().GetValue()
		}
	}
	return res, nil
}

// Keys returns the sorted keys of a snapshot.
func Keys(snap map[string]float64) []string {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
