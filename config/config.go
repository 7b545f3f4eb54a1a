// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package config loads the memsafe runtime configuration from YAML files
// and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/intuitivelabs/slog"
	"gopkg.in/yaml.v3"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/guard"
	"github.com/intuitivelabs/memsafe/oob"
	"github.com/intuitivelabs/memsafe/pool"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/slab"
	"github.com/intuitivelabs/memsafe/trace"
)

// environment variables overriding the file settings
const (
	EnvLogFile   = "MEMSAFE_LOGFILE"
	EnvTerminate = "MEMSAFE_TERMINATE"
	EnvStrict    = "MEMSAFE_STRICT"
)

// ErrInvalid is returned for an invalid configuration.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the file representation of the runtime configuration.
type Config struct {
	// Log level: debug, warning, error or bug.
	LogLevel string `yaml:"log_level"`
	// Keep freed objects metadata to diagnose dangling pointer uses.
	Dangling bool `yaml:"dangling"`
	// Rewrite out of bounds pointers to sentinels instead of reporting.
	// One past the end pointers are always rewritten.
	RewriteOOB bool `yaml:"rewrite_oob"`
	// With rewrite_oob, rewrite only one past the end pointers.
	StrictIndexing bool `yaml:"strict_indexing"`
	// Abort on the first violation.
	Terminate bool `yaml:"terminate"`
	// Abort on internal consistency failures.
	Debug bool `yaml:"debug"`
	// Disable the pools object cache.
	NoCache bool `yaml:"no_cache"`
	// Accept frees of heap objects registered outside any pool.
	TrackExternal bool `yaml:"track_external"`
	// Verify the pool arenas canaries on each operation.
	ArenaChecks bool `yaml:"arena_checks"`
	// Join free pool arena chunks on free.
	ArenaJoin bool `yaml:"arena_join"`
	// Abort after this many reports, 0 for never.
	MaxReports uint32 `yaml:"max_reports"`
	// Size of the sentinel address range.
	ReserveSize uint64 `yaml:"reserve_size"`
	// Do not map the sentinel range.
	Synthetic bool `yaml:"synthetic"`
	// Violation reports destination, stderr if empty.
	LogFile string `yaml:"logfile"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel:       "warning",
		RewriteOOB:     true,
		StrictIndexing: true,
		MaxReports:     report.DefaultMaxReports,
		ReserveSize:    oob.DefaultReserveSize,
	}
}

// Load reads the configuration from filename. Settings missing from the
// file keep their default values.
func Load(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadData(data)
}

// LoadData parses a YAML configuration. Unknown fields are errors.
func LoadData(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg in YAML format.
func (c Config) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// ApplyEnv overrides the configuration with the MEMSAFE_* variables found
// by lookup (os.LookupEnv if nil).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvLogFile); ok {
		c.LogFile = v
	}
	for _, e := range []struct {
		name string
		dst  *bool
	}{
		{EnvTerminate, &c.Terminate},
		{EnvStrict, &c.StrictIndexing},
	} {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, e.name, v, err)
		}
		*e.dst = b
	}
	return nil
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if _, err := NewLog(c.LogLevel); err != nil {
		return err
	}
	if c.ReserveSize < 3 {
		return fmt.Errorf("%w: reserve_size must be at least 3, not %d",
			ErrInvalid, c.ReserveSize)
	}
	return nil
}

// Options returns the runtime option flags.
func (c Config) Options() guard.Options {
	var o guard.Options
	set := func(on bool, f guard.Options) {
		if on {
			o |= f
		}
	}
	set(c.Dangling, guard.Dangling)
	set(c.RewriteOOB, guard.RewriteOOB)
	set(c.StrictIndexing, guard.StrictIndexing)
	set(c.Terminate, guard.Terminate)
	set(c.Debug, guard.Debug)
	set(c.NoCache, guard.NoCache)
	set(c.TrackExternal, guard.TrackExternal)
	set(c.ArenaChecks, guard.ArenaChecks)
	set(c.ArenaJoin, guard.ArenaJoin)
	return o
}

// Guard returns the runtime configuration.
func (c Config) Guard() guard.Config {
	return guard.Config{
		Options:     c.Options(),
		MaxReports:  c.MaxReports,
		ReserveSize: c.ReserveSize,
		Synthetic:   c.Synthetic,
		Uninit:      bounds.FirstPage,
	}
}

// NewLog returns a log for the level name.
func NewLog(level string) (slog.Log, error) {
	opts := slog.LbackTraceS | slog.LlocInfoS
	switch strings.ToLower(level) {
	case "debug", "dbg":
		return slog.New(slog.LDBG, opts, slog.LStdErr), nil
	case "", "warning", "warn":
		return slog.New(slog.LWARN, opts, slog.LStdErr), nil
	case "error", "err":
		return slog.New(slog.LERR, opts, slog.LStdErr), nil
	case "bug":
		return slog.New(slog.LBUG, opts, slog.LStdErr), nil
	}
	var l slog.Log
	return l, fmt.Errorf("%w: unknown log level %q", ErrInvalid, level)
}

// SetupLogs sets the log level of all the runtime packages.
func (c Config) SetupLogs() error {
	l, err := NewLog(c.LogLevel)
	if err != nil {
		return err
	}
	guard.Log = l
	pool.Log = l
	oob.Log = l
	report.Log = l
	slab.Log = l
	trace.Log = l
	return nil
}

// OpenSink returns the sink violations are written to: the log file if
// configured, stderr otherwise. The returned closer must be called when
// done.
func (c Config) OpenSink() (report.Sink, io.Closer, error) {
	if c.LogFile == "" {
		return report.NewWriterSink(os.Stderr), nopCloser{}, nil
	}
	f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return report.NewWriterSink(f), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
