// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package report

import (
	"strconv"

	"github.com/intuitivelabs/memsafe/bounds"
)

// Loc is an instrumentation site source location.
type Loc struct {
	File string  `json:",omitempty"`
	Line uint32  `json:",omitempty"`
	Tag  uint32  `json:",omitempty"` // check site tag
	Func string  `json:",omitempty"` // enclosing (possibly mangled) function
	PC   uintptr `json:",omitempty"` // program counter of the check/allocation
}

// Known returns true if the location has a file name.
func (l Loc) Known() bool { return l.File != "" }

func (l Loc) String() string {
	f := l.File
	if f == "" {
		f = "UNKNOWN"
	}
	return f + ":" + strconv.FormatUint(uint64(l.Line), 10)
}

// ObjectInfo is the debug metadata kept for a memory object.
type ObjectInfo struct {
	Object   bounds.Range
	Kind     bounds.Kind
	Pool     uint32 `json:",omitempty"` // owning pool id, 0 for none
	AllocSeq uint64
	FreeSeq  uint64  `json:",omitempty"` // 0 while live
	AllocPC  uintptr `json:",omitempty"`
	FreePC   uintptr `json:",omitempty"`
	AllocLoc Loc
	FreeLoc  Loc `json:",omitempty"`
}

// Freed returns true if the object was already freed (and its metadata
// was retained for dangling pointer detection).
func (o *ObjectInfo) Freed() bool { return o.FreeSeq != 0 }

// Violation is the record passed to the sink for every failed check.
type Violation struct {
	Kind      Kind
	CWE       uint32
	Fault     bounds.Addr // faulting pointer
	PC        uintptr     `json:",omitempty"`
	Pool      uint32      `json:",omitempty"`
	HasObject bool
	Object    bounds.Range `json:",omitempty"`
	Info      *ObjectInfo  `json:",omitempty"` // copy of the object metadata
	Loc       Loc
	Alignment uint64 `json:",omitempty"`

	RunID string
	Seq   uint64
}

// SetObject attaches object bounds to the violation.
func (v *Violation) SetObject(r bounds.Range) {
	v.Object = r
	v.HasObject = true
}

// SetInfo attaches a copy of the object metadata.
func (v *Violation) SetInfo(info *ObjectInfo) {
	if info == nil {
		return
	}
	cp := *info
	v.Info = &cp
	if !v.HasObject {
		v.SetObject(info.Object)
	}
}
