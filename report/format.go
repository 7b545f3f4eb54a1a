// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

const alertHdr = "=======+++++++    MEMSAFE RUNTIME ALERT +++++++=======\n"

// FuncName returns the demangled function name (or name itself if it is
// not a mangled symbol).
func FuncName(name string) string {
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}

func line(b *strings.Builder, label string, f string, a ...interface{}) {
	fmt.Fprintf(b, "= %-38s:\t", label)
	fmt.Fprintf(b, f, a...)
	b.WriteByte('\n')
}

// Format writes v as a human readable alert block.
func Format(w io.Writer, v *Violation) error {
	var b strings.Builder
	fmt.Fprintf(&b, "memsafe:Violation Type %#x when accessing  %#x at IP=%#x\n",
		uint8(v.Kind), uintptr(v.Fault), v.PC)
	b.WriteString("\n")
	b.WriteString(alertHdr)
	line(&b, "Error type", "%s", v.Kind)
	if cwe := v.CWE; cwe != 0 || v.Kind.CWE() != 0 {
		if cwe == 0 {
			cwe = v.Kind.CWE()
		}
		line(&b, "CWE ID", "%d", cwe)
	}
	line(&b, "Faulting pointer", "%#x", uintptr(v.Fault))
	line(&b, "Program counter", "%#x", v.PC)
	line(&b, "Fault PC Source", "%s", v.Loc)
	if v.Loc.Func != "" {
		line(&b, "Fault function", "%s", FuncName(v.Loc.Func))
	}
	if v.Pool != 0 {
		line(&b, "Pool", "%d", v.Pool)
	}
	if v.Info != nil {
		i := v.Info
		b.WriteString("=\n")
		line(&b, "Object allocated at PC", "%#x", i.AllocPC)
		line(&b, "Allocated in Source File", "%s", i.AllocLoc)
		if i.AllocSeq != 0 {
			line(&b, "Object allocation sequence number", "%d", i.AllocSeq)
		}
		if i.Freed() {
			b.WriteString("=\n")
			line(&b, "Object freed at PC", "%#x", i.FreePC)
			line(&b, "Freed in Source File", "%s", i.FreeLoc)
			line(&b, "Object free sequence number", "%d", i.FreeSeq)
		}
	}
	if v.HasObject {
		line(&b, "Object start", "%#x", uintptr(v.Object.Start))
		line(&b, "Object length", "%#x", v.Object.Len())
	}
	if v.Kind == Alignment {
		line(&b, "Alignment", "%#x", v.Alignment)
	}
	if v.RunID != "" {
		line(&b, "Run", "%s #%d", v.RunID, v.Seq)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
