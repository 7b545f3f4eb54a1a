// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pool

import (
	"github.com/intuitivelabs/memsafe/bounds"
)

// CacheSlots is the number of cached object ranges.
const CacheSlots = 2

type cacheSlot struct {
	r     bounds.Range
	valid bool
}

// Cache holds the most recently validated object ranges, overwritten
// round-robin. It only accelerates positive containment checks: a miss
// means "look in the registry", never "not found".
// The zero value is an empty cache.
type Cache struct {
	slots [CacheSlots]cacheSlot
	idx   uint8
}

// Probe returns the cached range containing a.
func (c *Cache) Probe(a bounds.Addr) (bounds.Range, bool) {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].r.Contains(a) {
			return c.slots[i].r, true
		}
	}
	return bounds.Range{}, false
}

// Update stores r in the next slot.
func (c *Cache) Update(r bounds.Range) {
	c.slots[c.idx] = cacheSlot{r: r, valid: true}
	c.idx = (c.idx + 1) % CacheSlots
}

// Evict invalidates all the slots containing a.
func (c *Cache) Evict(a bounds.Addr) {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].r.Contains(a) {
			c.slots[i].valid = false
		}
	}
}

// Reset invalidates the whole cache.
func (c *Cache) Reset() {
	*c = Cache{}
}
