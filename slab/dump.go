// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import (
	"github.com/intuitivelabs/slog"

	"github.com/intuitivelabs/memsafe/bounds"
)

// Dump writes the arena status in the log (at debug level).
func (a *Arena) Dump() {
	a.lock()
	a.dumpStatus()
	a.unlock()
}

// dumpStatus will write current status information in the log
func (a *Arena) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "slab_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", a)
	if a == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "arena size= %d\n", a.size)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		a.used.Used, a.used.RealUsed, a.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		a.used.MaxRealUsed)
	Log.LLog(lev, 0, prefix, "allocs= %d frees= %d\n",
		a.used.Allocs, a.used.Frees)
	if a.options&DumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all allocated chunks:\n")
	i := 0
	for f := a.firstChunk; f != nil; f = a.nextChunk(f) {
		if !f.isFree() {
			Log.LLog(lev, 0, prefix,
				"   %3d.    address=%p chunk=%p size=%d\n",
				i, f.addr(), f, f.size)
			if a.BChecks() {
				Log.LLog(lev, 0, prefix,
					"         start check=%x, end check= %x, %x\n",
					f.check, f.end().check1, f.end().check2)
			}
		}
		i++
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	for h := 0; uint32(h) < a.hashSize; h++ {
		j := uint64(0)
		for f := a.freeH[h].head.nxtFree; f != &a.freeH[h].head; f = f.nxtFree {
			j++
		}
		if j != 0 {
			maxSz := a.unHash(h)
			if uint32(h) > a.optSize/RoundTo {
				maxSz *= 2
			}
			Log.LLog(lev, 0, prefix,
				"hash= %3d. chunks no.: %5d\n"+
					"\t\t bucket size: %9d - %9d (first %9d)\n",
				h, j, a.unHash(h), maxSz, a.freeH[h].head.nxtFree.size)
		}
		if j != a.freeH[h].no {
			BUG("slab_status: different free chunk count: %d != %d"+
				" for hash %3d\n",
				j, a.freeH[h].no, h)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// Verify walks all the in-use chunks and checks their canaries.
// It returns the first corruption found (nil if none).
// Canaries are only available if the arena was created with Checks or
// Debug.
func (a *Arena) Verify() error {
	if !a.BChecks() {
		return nil
	}
	a.lock()
	defer a.unlock()
	for f := a.firstChunk; f != nil; f = a.nextChunk(f) {
		if f.isFree() {
			continue
		}
		if err := f.verify(a); err != nil {
			return err
		}
	}
	return nil
}

// Walk calls fn for each in-use chunk, with its usable range.
// fn must not call back into the arena.
func (a *Arena) Walk(fn func(r bounds.Range) bool) {
	a.lock()
	defer a.unlock()
	for f := a.firstChunk; f != nil; f = a.nextChunk(f) {
		if !f.isFree() && !fn(f.usable()) {
			return
		}
	}
}
