// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package report defines the violation records produced by the memsafe
// checks and the reporting policy (sink call, optional process abort).
package report

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/intuitivelabs/memsafe/stats"
)

const NAME = "report"

// DefaultMaxReports is the number of reports after which the process is
// aborted, when not terminating on the first error.
const DefaultMaxReports = 20

// AbortCode is the exit code used when aborting (SIGABRT like).
const AbortCode = 134

// Policy controls what happens after a violation was reported.
type Policy struct {
	Terminate  bool   // abort after the first report
	MaxReports uint32 // abort after this many reports, 0 for unlimited
}

// Reporter stamps and forwards violations to a sink and applies the
// process termination policy.
type Reporter struct {
	sink   Sink
	stats  *stats.Set
	policy Policy
	runID  string

	seq  atomic.Uint64
	mu   sync.Mutex // serialises sink calls
	exit func(code int)
}

// NewReporter creates a new reporter. A nil sink writes alerts to stderr.
func NewReporter(sink Sink, st *stats.Set, p Policy) *Reporter {
	if sink == nil {
		sink = NewWriterSink(os.Stderr)
	}
	return &Reporter{
		sink:   sink,
		stats:  st,
		policy: p,
		runID:  uuid.NewString(),
		exit:   os.Exit,
	}
}

// SetExit replaces the function called to abort the process.
func (r *Reporter) SetExit(fn func(code int)) {
	r.exit = fn
}

// RunID returns the unique id stamped on every record of this run.
func (r *Reporter) RunID() string { return r.runID }

// Count returns how many violations were reported so far.
func (r *Reporter) Count() uint64 { return r.seq.Load() }

// Policy returns the termination policy.
func (r *Reporter) Policy() Policy { return r.policy }

// Report stamps v and passes it to the sink. Depending on the policy
// it might abort the process afterwards.
func (r *Reporter) Report(v *Violation) {
	n := r.seq.Add(1)
	v.RunID = r.runID
	v.Seq = n
	if v.CWE == 0 {
		v.CWE = v.Kind.CWE()
	}
	r.stats.Violation(v.Kind.Name())
	r.mu.Lock()
	r.sink.Report(v)
	r.mu.Unlock()

	switch {
	case r.policy.Terminate:
		ERR("terminating on %s at %s\n", v.Kind, v.Loc)
		r.exit(AbortCode)
	case r.policy.MaxReports != 0 && n == uint64(r.policy.MaxReports):
		ERR("too many errors (%d), terminating\n", n)
		r.exit(AbortCode)
	}
}
