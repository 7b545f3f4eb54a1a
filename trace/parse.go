// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
)

// ErrSyntax is returned for malformed trace lines.
var ErrSyntax = errors.New("trace: syntax error")

// MaxLineSize is the longest accepted trace line.
const MaxLineSize = 64 * 1024

// Parse reads all the events from r.
func Parse(r io.Reader) ([]Event, error) {
	var events []Event
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), MaxLineSize)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		ev, err := ParseLine(line)
		if err != nil {
			return events, fmt.Errorf("line %d: %w", n, err)
		}
		ev.Line = n
		events = append(events, ev)
	}
	if err := s.Err(); err != nil {
		return events, fmt.Errorf("trace: read failed: %w", err)
	}
	return events, nil
}

// ParseLine parses a single event.
func ParseLine(line string) (Event, error) {
	var ev Event
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ev, fmt.Errorf("%w: empty line", ErrSyntax)
	}
	op, ok := ParseOp(fields[0])
	if !ok {
		return ev, fmt.Errorf("%w: unknown event %q", ErrSyntax, fields[0])
	}
	ev.Op = op
	info := opInfo[op]
	args := fields[1:]

	// trailing result and location
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], ">$") {
		ev.Result = args[n-1][2:]
		if ev.Result == "" {
			return ev, fmt.Errorf("%w: missing result variable", ErrSyntax)
		}
		args = args[:n-1]
	}
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "@") {
		loc, err := parseLoc(args[n-1][1:])
		if err != nil {
			return ev, err
		}
		ev.Loc = loc
		args = args[:n-1]
	}

	switch {
	case op == OpPool:
		if len(args) == 0 {
			return ev, fmt.Errorf("%w: pool: missing name", ErrSyntax)
		}
		ev.Name, args = args[0], args[1:]
	case info.pool:
		if len(args) == 0 {
			return ev, fmt.Errorf("%w: %s: missing pool", ErrSyntax, op)
		}
		if args[0] != "-" {
			ev.Pool = args[0]
		}
		args = args[1:]
	}
	if op == OpExtern {
		ev.Kind = bounds.Global
		if n := len(args); n > 0 {
			if k, ok := bounds.ParseKind(args[n-1]); ok {
				ev.Kind = k
				args = args[:n-1]
			}
		}
	}
	if len(args) < info.min || (info.max >= 0 && len(args) > info.max) {
		return ev, fmt.Errorf("%w: %s: wrong number of arguments (%d)",
			ErrSyntax, op, len(args))
	}
	for _, a := range args {
		o, err := parseOperand(a)
		if err != nil {
			return ev, fmt.Errorf("%w: %s: %s", ErrSyntax, op, err)
		}
		ev.Args = append(ev.Args, o)
	}
	return ev, nil
}

func parseLoc(s string) (report.Loc, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return report.Loc{File: s}, nil
	}
	l, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return report.Loc{}, fmt.Errorf("%w: bad location %q", ErrSyntax, s)
	}
	return report.Loc{File: s[:i], Line: uint32(l)}, nil
}

// Write writes events in trace format.
func Write(w io.Writer, events []Event) error {
	bw := bufio.NewWriter(w)
	for _, ev := range events {
		if _, err := bw.WriteString(ev.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
