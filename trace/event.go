// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package trace reads memory event traces and replays them against a
// runtime.
//
// A trace is a text file with one event per line:
//
//	op arg... [@file:line] [>$var]
//
// Blank lines and lines starting with '#' are ignored. Pools are referred
// to by name, '-' meaning no pool. Address arguments are numbers (0x
// prefix for hex) or variables set by a previous event, optionally with a
// displacement ($p+16, $p-1).
package trace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
)

const NAME = "trace"

// Op is the event operation.
type Op uint8

const (
	OpPool        Op = iota + 1 // pool name nodesize arenasize
	OpHeap                      // heap pool addr size
	OpStack                     // stack pool addr size
	OpGlobal                    // global pool addr size
	OpExtern                    // extern addr size [kind], global by default
	OpUnstack                   // unstack pool addr
	OpUnheap                    // unheap pool addr
	OpAlloc                     // alloc pool size >$v
	OpFree                      // free pool addr
	OpRealloc                   // realloc pool addr size >$v
	OpBounds                    // bounds pool src dest >$v
	OpBoundsUI                  // boundsui pool src dest >$v
	OpLoad                      // load pool addr len
	OpLoadUI                    // loadui pool addr len
	OpFreeCheck                 // freecheck pool addr
	OpFreeCheckUI               // freecheckui pool addr
	OpExact                     // exact src base dest size >$v
	OpAlign                     // align pool addr offset
	OpFunc                      // func target allowed...
	OpFault                     // fault addr [pc]
	OpDestroy                   // destroy pool
	opsNo
)

var opInfo = [opsNo]struct {
	name string
	pool bool // first argument is a pool
	min  int  // operands (not counting the pool)
	max  int  // -1 for unlimited
}{
	OpPool:        {"pool", false, 2, 2},
	OpHeap:        {"heap", true, 2, 2},
	OpStack:       {"stack", true, 2, 2},
	OpGlobal:      {"global", true, 2, 2},
	OpExtern:      {"extern", false, 2, 2},
	OpUnstack:     {"unstack", true, 1, 1},
	OpUnheap:      {"unheap", true, 1, 1},
	OpAlloc:       {"alloc", true, 1, 1},
	OpFree:        {"free", true, 1, 1},
	OpRealloc:     {"realloc", true, 2, 2},
	OpBounds:      {"bounds", true, 2, 2},
	OpBoundsUI:    {"boundsui", true, 2, 2},
	OpLoad:        {"load", true, 2, 2},
	OpLoadUI:      {"loadui", true, 2, 2},
	OpFreeCheck:   {"freecheck", true, 1, 1},
	OpFreeCheckUI: {"freecheckui", true, 1, 1},
	OpExact:       {"exact", false, 4, 4},
	OpAlign:       {"align", true, 2, 2},
	OpFunc:        {"func", false, 1, -1},
	OpFault:       {"fault", false, 1, 2},
	OpDestroy:     {"destroy", true, 0, 0},
}

func (op Op) String() string {
	if op > 0 && op < opsNo {
		return opInfo[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOp returns the operation with the given name.
func ParseOp(name string) (Op, bool) {
	for op := OpPool; op < opsNo; op++ {
		if opInfo[op].name == name {
			return op, true
		}
	}
	return 0, false
}

// Operand is an address or number argument.
type Operand struct {
	Var string      // variable name (without '$'), empty for literals
	Val bounds.Addr // literal value or displacement from Var
}

// Lit returns a literal operand.
func Lit(v uint64) Operand { return Operand{Val: bounds.Addr(v)} }

// Var returns a variable operand.
func Var(name string, off int64) Operand {
	return Operand{Var: name, Val: bounds.Addr(0).Add(off)}
}

func (o Operand) String() string {
	if o.Var == "" {
		return bounds.Addr(o.Val).String()
	}
	off := int64(o.Val)
	switch {
	case off > 0:
		return fmt.Sprintf("$%s+%d", o.Var, off)
	case off < 0:
		return fmt.Sprintf("$%s%d", o.Var, off)
	}
	return "$" + o.Var
}

func parseOperand(s string) (Operand, error) {
	if !strings.HasPrefix(s, "$") {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("bad number %q", s)
		}
		return Lit(v), nil
	}
	name, off := s[1:], int64(0)
	if i := strings.IndexAny(name, "+-"); i >= 0 {
		d, err := strconv.ParseInt(name[i:], 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("bad displacement in %q", s)
		}
		name, off = name[:i], d
	}
	if name == "" {
		return Operand{}, fmt.Errorf("missing variable name in %q", s)
	}
	return Var(name, off), nil
}

// Event is one trace line.
type Event struct {
	Line   int
	Op     Op
	Pool   string // pool name, empty for none
	Name   string // new pool name (OpPool)
	Kind   bounds.Kind
	Args   []Operand
	Loc    report.Loc
	Result string // variable receiving the result
}

// String returns the event in trace format.
func (ev Event) String() string {
	var b strings.Builder
	b.WriteString(ev.Op.String())
	switch {
	case ev.Op == OpPool:
		b.WriteString(" " + ev.Name)
	case ev.Op > 0 && ev.Op < opsNo && opInfo[ev.Op].pool:
		if ev.Pool == "" {
			b.WriteString(" -")
		} else {
			b.WriteString(" " + ev.Pool)
		}
	}
	for _, a := range ev.Args {
		b.WriteString(" " + a.String())
	}
	if ev.Op == OpExtern && ev.Kind != bounds.Global {
		b.WriteString(" " + ev.Kind.String())
	}
	if ev.Loc.Known() {
		b.WriteString(" @" + ev.Loc.String())
	}
	if ev.Result != "" {
		b.WriteString(" >$" + ev.Result)
	}
	return b.String()
}
