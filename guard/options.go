// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"errors"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/oob"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
)

// Options encodes the runtime policy flags.
type Options uint32

const (
	Dangling       Options = 1 << iota // retain freed objects metadata
	RewriteOOB                         // rewrite any out of bounds pointer
	StrictIndexing                     // with RewriteOOB, only one-past-the-end
	Terminate                          // abort on the first violation
	Debug                              // abort on duplicate heap registrations
	NoCache                            // disable the pools object cache
	TrackExternal                      // accept frees of external heap objects
	ArenaChecks                        // verify pool arena canaries on every op
	ArenaJoin                          // join free pool arena chunks
	DefaultOptions = RewriteOOB | StrictIndexing
)

// Dangling returns true if dangling pointer detection is on.
func (o Options) Dangling() bool { return o&Dangling != 0 }

// RewriteOOB returns true if out of bounds pointers other than one past
// the end can be rewritten.
func (o Options) RewriteOOB() bool { return o&RewriteOOB != 0 }

// StrictIndexing returns true if only one-past-the-end pointers are
// tolerated.
func (o Options) StrictIndexing() bool { return o&StrictIndexing != 0 }

// Terminate returns true if the process is aborted on the first violation.
func (o Options) Terminate() bool { return o&Terminate != 0 }

// Debug returns true if internal consistency failures abort.
func (o Options) Debug() bool { return o&Debug != 0 }

// NoCache returns true if the pools object cache is disabled.
func (o Options) NoCache() bool { return o&NoCache != 0 }

// TrackExternal returns true if frees of external heap objects are
// accepted.
func (o Options) TrackExternal() bool { return o&TrackExternal != 0 }

// ArenaChecks returns true if pool arenas verify canaries on each
// operation.
func (o Options) ArenaChecks() bool { return o&ArenaChecks != 0 }

// ArenaJoin returns true if pool arenas join free chunks on free.
func (o Options) ArenaJoin() bool { return o&ArenaJoin != 0 }

func (o Options) poolOptions() pool.Options {
	var po pool.Options
	if o.NoCache() {
		po |= pool.NoCache
	}
	if o.ArenaChecks() {
		po |= pool.ArenaDebug
	}
	if o.ArenaJoin() {
		po |= pool.ArenaJoin
	}
	return po
}

// Config is the runtime configuration.
type Config struct {
	Options     Options
	MaxReports  uint32       // abort after this many reports (0 = never)
	ReserveSize uint64       // sentinel range size
	Synthetic   bool         // do not map the sentinel range
	Uninit      bounds.Range // faults here are uninitialised accesses
}

// ErrConfig is returned for an invalid configuration.
var ErrConfig = errors.New("guard: invalid configuration")

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Options:     DefaultOptions,
		MaxReports:  report.DefaultMaxReports,
		ReserveSize: oob.DefaultReserveSize,
		Uninit:      bounds.FirstPage,
	}
}

func (c Config) policy() report.Policy {
	return report.Policy{
		Terminate:  c.Options.Terminate(),
		MaxReports: c.MaxReports,
	}
}
