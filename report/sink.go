// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package report

import (
	"io"
	"sync"
)

// Sink receives every violation record, exactly once per failed check.
type Sink interface {
	Report(v *Violation)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(v *Violation)

func (f SinkFunc) Report(v *Violation) { f(v) }

// WriterSink writes alert blocks to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing human readable alerts to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Report(v *Violation) {
	s.mu.Lock()
	err := Format(s.w, v)
	s.mu.Unlock()
	if err != nil {
		WARN("failed to write violation report: %s\n", err)
	}
}

// Collector keeps all the reported violations in memory.
type Collector struct {
	mu   sync.Mutex
	recs []Violation
}

func (c *Collector) Report(v *Violation) {
	c.mu.Lock()
	c.recs = append(c.recs, *v)
	c.mu.Unlock()
}

// Violations returns a copy of the collected records.
func (c *Collector) Violations() []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Violation(nil), c.recs...)
}

// Kinds returns the kinds of the collected records, in report order.
func (c *Collector) Kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := make([]Kind, len(c.recs))
	for i := range c.recs {
		k[i] = c.recs[i].Kind
	}
	return k
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

// Last returns the last collected record.
func (c *Collector) Last() (Violation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs) == 0 {
		return Violation{}, false
	}
	return c.recs[len(c.recs)-1], true
}

// Reset drops all the collected records.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.recs = nil
	c.mu.Unlock()
}

// Tee forwards each record to all the sinks.
type Tee []Sink

func (t Tee) Report(v *Violation) {
	for _, s := range t {
		s.Report(v)
	}
}
