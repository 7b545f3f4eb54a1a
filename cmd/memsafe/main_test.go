// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/memsafe/report"
	"github.com/intuitivelabs/memsafe/trace"
)

const testTrace = `heap - 0x1000 16 @a.c:1
bounds - 0x1000 0x1010 @a.c:2 >$e
bounds - 0x1000 0x1020 @a.c:3
load - $e 1 @a.c:4
freecheck - 0x1000
`

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	fn := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(fn, []byte(data), 0600))
	return fn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	// reset the global flags between runs
	configFile, jsonOut, quiet = "", false, false
	replayStats, replayFail = false, false
	return out.String(), err
}

func testConfig(t *testing.T, dir string) string {
	return writeFile(t, dir, "memsafe.yaml", "synthetic: true\nreserve_size: 4096\n")
}

func TestReplayJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	plain := writeFile(t, dir, "a.trace", testTrace)
	events, err := trace.Parse(bytes.NewReader([]byte(testTrace)))
	require.NoError(t, err)
	zst := filepath.Join(dir, "b.trace.zst")
	w, err := trace.Create(zst)
	require.NoError(t, err)
	require.NoError(t, trace.Write(w, events))
	require.NoError(t, w.Close())

	out, err := run(t, "replay", "--config", cfg, "--json", "--stats", plain, zst)
	require.NoError(t, err)
	var results []traceResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 5, r.Events)
		assert.Equal(t, 2, r.Failed)
		require.Len(t, r.Violations, 2)
		assert.Equal(t, report.OutOfBounds, r.Violations[0].Kind)
		assert.Equal(t, report.LoadStore, r.Violations[1].Kind)
		assert.Equal(t, uint32(3), r.Violations[0].Loc.Line)
		assert.Equal(t, 2.0, r.Stats["memsafe_checks_total{protocol=bounds}"])
		assert.NotEmpty(t, r.RunID)
	}
	assert.NotEqual(t, results[0].RunID, results[1].RunID)
}

func TestReplayText(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	fn := writeFile(t, dir, "a.trace", testTrace)

	out, err := run(t, "replay", "-c", cfg, fn)
	require.NoError(t, err)
	assert.Contains(t, out, "MEMSAFE RUNTIME ALERT")
	assert.Contains(t, out, "5 events, 2 failed checks, 2 violations")

	_, err = run(t, "replay", "-c", cfg, "--fail", fn)
	assert.ErrorIs(t, err, errViolations)

	_, err = run(t, "replay", "-c", cfg, filepath.Join(dir, "missing.trace"))
	assert.Error(t, err)
}

func TestReplayTerminate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "memsafe.yaml",
		"synthetic: true\nreserve_size: 4096\nterminate: true\n")
	fn := writeFile(t, dir, "a.trace", testTrace)

	out, err := run(t, "replay", "-c", cfg, "--json", fn)
	require.NoError(t, err)
	var results []traceResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Aborted)
	assert.Len(t, results[0].Violations, 1)
	assert.Equal(t, 3, results[0].Events, "stopped after the aborting event")
}

func TestConfigCmd(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "memsafe.yaml", "dangling: true\n")
	out, err := run(t, "config", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "dangling: true")
	assert.Contains(t, out, "rewrite_oob: true")

	bad := writeFile(t, dir, "bad.yaml", "no_such_option: 1\n")
	_, err = run(t, "config", "-c", bad)
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "memsafe dev")
}
