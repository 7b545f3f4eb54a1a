// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/intuitivelabs/memsafe/config"
	"github.com/intuitivelabs/memsafe/guard"
	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/stats"
	"github.com/intuitivelabs/memsafe/trace"
)

var (
	replayStats bool
	replayFail  bool
	replayJobs  int
)

// errViolations is returned with --fail when violations were found.
var errViolations = errors.New("memory safety violations detected")

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayStats, "stats", false, "Include the runtime counters")
	cmd.Flags().BoolVar(&replayFail, "fail", false,
		"Exit with an error if any violation is detected")
	cmd.Flags().IntVarP(&replayJobs, "jobs", "j", runtime.GOMAXPROCS(0),
		"Traces replayed in parallel")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <trace>...",
		Short: "Replay traces and report violations",
		Long: `The replay command runs each trace against its own runtime instance.
Traces ending in .zst or .gz are decompressed on the fly.

Example:
  memsafe replay app.trace
  memsafe replay --config strict.yaml --json --stats run1.trace.zst run2.trace.zst`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.SetupLogs(); err != nil {
				return err
			}
			results, err := replayAll(cmd.Context(), cfg, args)
			if err != nil {
				return err
			}
			if err := printResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if replayFail {
				for _, r := range results {
					if len(r.Violations) != 0 {
						return errViolations
					}
				}
			}
			return nil
		},
	}
}

// traceResult is the outcome of one trace replay.
type traceResult struct {
	Trace      string
	RunID      string
	Events     int
	Failed     int
	Aborted    bool               `json:",omitempty"`
	Violations []report.Violation `json:",omitempty"`
	Stats      map[string]float64 `json:",omitempty"`
}

func replayAll(ctx context.Context, cfg config.Config, traces []string) ([]traceResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sink, closer, err := logSink(cfg)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	results := make([]traceResult, len(traces))
	g, ctx := errgroup.WithContext(ctx)
	if replayJobs > 0 {
		g.SetLimit(replayJobs)
	}
	for i, fn := range traces {
		i, fn := i, fn
		g.Go(func() error {
			r, err := replayOne(ctx, cfg, fn, sink)
			results[i] = r
			return err
		})
	}
	return results, g.Wait()
}

// logSink returns the extra sink configured by logfile (nil if none).
func logSink(cfg config.Config) (report.Sink, io.Closer, error) {
	if cfg.LogFile == "" {
		return nil, nopCloser{}, nil
	}
	return cfg.OpenSink()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func replayOne(ctx context.Context, cfg config.Config, fn string,
	extra report.Sink) (traceResult, error) {
	res := traceResult{Trace: fn}
	events, err := trace.Load(fn)
	if err != nil {
		return res, err
	}
	c := &report.Collector{}
	var sink report.Sink = c
	if extra != nil {
		sink = report.Tee{c, extra}
	}
	rt, err := guard.New(cfg.Guard(), sink)
	if err != nil {
		return res, err
	}
	defer rt.Close()

	// an abort stops this trace only
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.SetExit(func(int) {
		res.Aborted = true
		cancel()
	})

	out, err := trace.Replay(tctx, rt, events)
	if err != nil && !(res.Aborted && errors.Is(err, context.Canceled)) {
		return res, fmt.Errorf("%s: %w", fn, err)
	}
	res.RunID = rt.Reporter().RunID()
	res.Events = out.Events
	res.Failed = out.Failed
	res.Violations = c.Violations()
	if replayStats {
		if res.Stats, err = rt.Stats().Snapshot(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func printResults(w io.Writer, results []traceResult) error {
	if jsonOut {
		return printJSON(w, results)
	}
	for _, r := range results {
		if !quiet {
			for i := range r.Violations {
				if err := report.Format(w, &r.Violations[i]); err != nil {
					return err
				}
			}
		}
		status := ""
		if r.Aborted {
			status = " (aborted)"
		}
		fmt.Fprintf(w, "%s: %d events, %d failed checks, %d violations%s\n",
			r.Trace, r.Events, r.Failed, len(r.Violations), status)
		if replayStats {
			for _, k := range stats.Keys(r.Stats) {
				fmt.Fprintf(w, "    %-50s %g\n", k, r.Stats[k])
			}
		}
	}
	return nil
}
