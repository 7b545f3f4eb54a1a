// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package splay provides an ordered set of non-overlapping address ranges,
// implemented as a top-down splay tree.
//
// Lookups of addresses are amortised O(log n) and recently accessed ranges
// migrate to the root, which makes repeated checks against the same
// objects cheap.
// A Tree is not safe for concurrent use, the owner must serialise access
// (even Find modifies the tree).
package splay

import (
	"errors"

	"github.com/intuitivelabs/memsafe/bounds"
)

var (
	// ErrOverlap is returned when inserting a range that intersects an
	// already registered one.
	ErrOverlap = errors.New("splay: range overlaps an existing entry")

	// ErrEmpty is returned when inserting an invalid range (End < Start).
	ErrEmpty = errors.New("splay: invalid range")
)

type node[V any] struct {
	left  *node[V]
	right *node[V]
	r     bounds.Range
	v     V
}

// Tree maps non-overlapping closed ranges to values of type V.
// The zero value is an empty tree ready to use.
type Tree[V any] struct {
	root *node[V]
	n    int
	free *node[V] // recycled nodes, linked through left
}

// Len returns the number of ranges in the tree.
func (t *Tree[V]) Len() int { return t.n }

func (t *Tree[V]) newNode(r bounds.Range, v V) *node[V] {
	n := t.free
	if n != nil {
		t.free = n.left
		n.left = nil
	} else {
		n = &node[V]{}
	}
	n.r = r
	n.v = v
	return n
}

func (t *Tree[V]) freeNode(n *node[V]) {
	var zero V
	n.v = zero
	n.right = nil
	n.left = t.free
	t.free = n
}

// splay moves the node containing key, or the last node on the search path
// (key predecessor or successor) to the root and returns the new root.
// After the call every range in the left subtree ends before key and every
// range in the right subtree starts after it.
func splay[V any](t *node[V], key bounds.Addr) *node[V] {
	if t == nil {
		return nil
	}
	var hdr node[V]
	l, r := &hdr, &hdr
	for {
		if key < t.r.Start {
			if t.left == nil {
				break
			}
			if key < t.left.r.Start {
				// rotate right
				y := t.left
				t.left = y.right
				y.right = t
				t = y
				if t.left == nil {
					break
				}
			}
			// link right
			r.left = t
			r = t
			t = t.left
		} else if key > t.r.End {
			if t.right == nil {
				break
			}
			if key > t.right.r.End {
				// rotate left
				y := t.right
				t.right = y.left
				y.left = t
				t = y
				if t.right == nil {
					break
				}
			}
			// link left
			l.right = t
			l = t
			t = t.right
		} else {
			break
		}
	}
	// assemble
	l.right = t.left
	r.left = t.right
	t.left = hdr.right
	t.right = hdr.left
	return t
}

func minNode[V any](n *node[V]) *node[V] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// Insert adds the range r with the associated value v.
// It returns ErrOverlap if r intersects an existing range (the tree is
// left unchanged) and ErrEmpty if r is not a valid range.
func (t *Tree[V]) Insert(r bounds.Range, v V) error {
	if !r.Valid() {
		return ErrEmpty
	}
	if t.root == nil {
		t.root = t.newNode(r, v)
		t.n++
		return nil
	}
	root := splay(t.root, r.Start)
	t.root = root
	if root.r.Contains(r.Start) {
		return ErrOverlap
	}
	var n *node[V]
	if r.Start < root.r.Start {
		// root is the successor
		if r.End >= root.r.Start {
			return ErrOverlap
		}
		n = t.newNode(r, v)
		n.left = root.left
		n.right = root
		root.left = nil
	} else {
		// root is the predecessor, the successor is the min. of root.right
		if s := minNode(root.right); s != nil && s.r.Start <= r.End {
			return ErrOverlap
		}
		n = t.newNode(r, v)
		n.right = root.right
		n.left = root
		root.right = nil
	}
	t.root = n
	t.n++
	return nil
}

// Remove deletes the range starting exactly at start.
// It returns false if there is no such range.
func (t *Tree[V]) Remove(start bounds.Addr) bool {
	if t.root == nil {
		return false
	}
	root := splay(t.root, start)
	t.root = root
	if root.r.Start != start {
		return false
	}
	if root.left == nil {
		t.root = root.right
	} else {
		x := splay(root.left, start)
		x.right = root.right
		t.root = x
	}
	t.freeNode(root)
	t.n--
	return true
}

// Find returns the range containing a and its value.
func (t *Tree[V]) Find(a bounds.Addr) (bounds.Range, V, bool) {
	var zero V
	if t.root == nil {
		return bounds.Range{}, zero, false
	}
	t.root = splay(t.root, a)
	if t.root.r.Contains(a) {
		return t.root.r, t.root.v, true
	}
	return bounds.Range{}, zero, false
}

// Overlapping returns one of the ranges intersecting r (the lowest one).
func (t *Tree[V]) Overlapping(r bounds.Range) (bounds.Range, V, bool) {
	var zero V
	if t.root == nil || !r.Valid() {
		return bounds.Range{}, zero, false
	}
	root := splay(t.root, r.Start)
	t.root = root
	if root.r.Overlaps(r) {
		return root.r, root.v, true
	}
	if root.r.End < r.Start {
		if s := minNode(root.right); s != nil && s.r.Overlaps(r) {
			return s.r, s.v, true
		}
	}
	return bounds.Range{}, zero, false
}

// Walk calls fn for every range in ascending order, until fn returns false.
// fn must not modify the tree.
func (t *Tree[V]) Walk(fn func(r bounds.Range, v V) bool) {
	var stack []*node[V]
	n := t.root
	for n != nil || len(stack) > 0 {
		for n != nil {
			stack = append(stack, n)
			n = n.left
		}
		n = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n.r, n.v) {
			return
		}
		n = n.right
	}
}

// Clear removes all the ranges.
func (t *Tree[V]) Clear() {
	t.root = nil
	t.free = nil
	t.n = 0
}
