// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package report

import (
	"fmt"
)

// Kind is the violation type.
type Kind uint8

const (
	Unknown Kind = iota
	DuplicateRegistration
	OutOfBounds
	LoadStore
	InvalidFree
	FreeNonHeap
	FreeNotAtStart
	DoubleFree
	DanglingPointer
	Uninitialized
	Alignment
	InvalidCallTarget
	HeapCorruption
	kindsNo
)

// CWE identifiers.
const (
	CWEBufferOverflow = 120
	CWEHeapOverflow   = 122
	CWEDoubleFree     = 415
	CWEDP             = 416
	CWENull           = 476
	CWEFreeNotHeap    = 590
	CWEFreeNotStart   = 761
)

var kindInfo = [kindsNo]struct {
	name string // short machine name
	desc string // alert text
	cwe  uint32
}{
	Unknown:               {"unknown", "Unknown Error", 0},
	DuplicateRegistration: {"duplicate_registration", "Duplicate Object Registration Error", 0},
	OutOfBounds:           {"out_of_bounds", "Out of Bounds Error", CWEBufferOverflow},
	LoadStore:             {"load_store", "Load/Store Error", CWEBufferOverflow},
	InvalidFree:           {"invalid_free", "Invalid Free Error", CWEFreeNotHeap},
	FreeNonHeap:           {"free_non_heap", "Freeing Non-Heap Object Error", CWEFreeNotHeap},
	FreeNotAtStart:        {"free_not_at_start", "Invalid Free Error", CWEFreeNotStart},
	DoubleFree:            {"double_free", "Double Free Error", CWEDoubleFree},
	DanglingPointer:       {"dangling_pointer", "Use After Free Error", CWEDP},
	Uninitialized:         {"uninitialized", "Uninitialized/NULL Pointer Error", CWENull},
	Alignment:             {"alignment", "Alignment Error", CWEBufferOverflow},
	InvalidCallTarget:     {"invalid_call_target", "Invalid Call Target Error", CWEBufferOverflow},
	HeapCorruption:        {"heap_corruption", "Heap Corruption Error", CWEHeapOverflow},
}

// String returns the human readable description used in alerts.
func (k Kind) String() string {
	if k < kindsNo {
		return kindInfo[k].desc
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Name returns a short identifier (used as metric label and in traces).
func (k Kind) Name() string {
	if k < kindsNo {
		return kindInfo[k].name
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// CWE returns the default CWE id for the violation kind (0 if none).
func (k Kind) CWE() uint32 {
	if k < kindsNo {
		return kindInfo[k].cwe
	}
	return 0
}

// ParseKind returns the Kind with the given short name.
func ParseKind(name string) (Kind, bool) {
	for k := Kind(0); k < kindsNo; k++ {
		if kindInfo[k].name == name {
			return k, true
		}
	}
	return Unknown, false
}

// MarshalText encodes the kind by its short name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.Name()), nil
}

// UnmarshalText is the reverse of MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	v, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("report: unknown violation kind %q", b)
	}
	*k = v
	return nil
}
