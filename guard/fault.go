// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package guard

import (
	"github.com/intuitivelabs/memsafe/bounds"
	"github.com/intuitivelabs/memsafe/report"
)

// Fault classifies and reports a hardware fault at addr (signal handler
// path). pc is the faulting instruction address.
//
// It takes the runtime lock and calls the sink, so it must not be called
// from a context that already holds either.
func (rt *Runtime) Fault(addr bounds.Addr, pc uintptr) report.Kind {
	rt.stats.Check(chkFault)
	loc := report.Loc{PC: pc}
	var v *report.Violation
	if rt.cfg.Uninit.Contains(addr) {
		v = newViolation(report.Uninitialized, addr, loc)
	} else if info, ok := rt.metadata(addr); ok {
		k := report.LoadStore
		if info.Freed() {
			k = report.DanglingPointer
		}
		v = newViolation(k, addr, loc)
		v.Pool = info.Pool
		v.SetInfo(&info)
	} else if m, ok := rt.engine.Lookup(nil, addr); ok {
		v = newViolation(report.LoadStore, m.Original, m.Loc)
		v.PC = pc
		v.SetObject(m.Object)
		rt.attachInfo(v, m.Object.Start)
	} else {
		v = newViolation(report.LoadStore, addr, loc)
	}
	rt.report(v)
	return v.Kind
}
