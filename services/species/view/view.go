// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package view maintains the species tree as seen by one gene family.
//
// When pruning is enabled and a coverage is loaded, species not observed in
// the family disappear: an internal node with no covered child vanishes, a
// node with one covered child collapses onto that child's representative, and
// a node with two covered children stays as a pruned internal node. Accessors
// always answer in terms of the pruned tree, so evaluators never branch on the
// pruning mode.
//
// # Thread Safety
//
// Not safe for concurrent use. Each family owns its View.
package view

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/AleutianAI/speciesrax/services/species/tree"
)

var (
	// ErrNoCoverage indicates a family that covers no species leaf.
	ErrNoCoverage = errors.New("family covers no species")

	// ErrCoverageSize indicates a coverage slice of the wrong length.
	ErrCoverageSize = errors.New("coverage size does not match species tree")
)

// View is the pruned species view of one family.
type View struct {
	tree   *tree.Tree
	pruned bool

	covered []bool
	rep     []int
	left    []int
	right   []int
	parent  []int

	prunedRoot int
	rawOrder   []int
	order      []int

	invalid     []bool
	changed     []int
	changedAll  bool
	changedSeen []bool
}

// New creates a view over t. Without a coverage the view is the raw tree.
func New(t *tree.Tree, pruned bool) *View {
	n := t.Len()
	v := &View{
		tree:        t,
		pruned:      pruned,
		rep:         make([]int, n),
		left:        make([]int, n),
		right:       make([]int, n),
		parent:      make([]int, n),
		invalid:     make([]bool, n),
		changedSeen: make([]bool, n),
	}
	v.OnTopologyChange(nil)
	return v
}

// SetCoverage loads which species leaves the family observes.
//
// # Inputs
//
//   - covered: Indexed by species node. Only leaf entries are read.
//
// # Outputs
//
//   - error: ErrCoverageSize or ErrNoCoverage. The previous coverage is kept.
func (v *View) SetCoverage(covered []bool) error {
	if len(covered) != v.tree.Len() {
		return fmt.Errorf("%w: got %d, want %d", ErrCoverageSize, len(covered), v.tree.Len())
	}
	count := 0
	for i, c := range covered {
		if c && v.tree.IsLeaf(i) {
			count++
		}
	}
	if count == 0 {
		return ErrNoCoverage
	}
	v.covered = append([]bool(nil), covered...)
	v.OnTopologyChange(nil)
	return nil
}

func (v *View) usePruned() bool {
	return v.pruned && v.covered != nil
}

// OnTopologyChange invalidates the given nodes and their ancestors and
// rebuilds the affected part of the view. nil invalidates everything.
func (v *View) OnTopologyChange(nodes []int) {
	all := nodes == nil
	if all {
		for i := range v.invalid {
			v.invalid[i] = true
		}
		v.changedAll = true
	} else {
		for _, n := range nodes {
			for cur := n; cur != tree.NoNode && !v.invalid[cur]; cur = v.tree.Parent(cur) {
				v.invalid[cur] = true
			}
		}
	}
	v.rebuild()
}

func (v *View) rebuild() {
	v.rawOrder = v.tree.PostOrder()
	for _, n := range v.rawOrder {
		if !v.invalid[n] {
			continue
		}
		v.invalid[n] = false
		v.markChanged(n)
		v.recompute(n)
	}
	v.prunedRoot = v.rep[v.tree.Root()]
	if v.prunedRoot != tree.NoNode {
		v.parent[v.prunedRoot] = tree.NoNode
	}
	v.order = v.order[:0]
	for _, n := range v.rawOrder {
		if v.rep[n] == n {
			v.order = append(v.order, n)
		}
	}
}

func (v *View) recompute(n int) {
	if !v.usePruned() {
		v.rep[n] = n
		v.left[n] = v.tree.Left(n)
		v.right[n] = v.tree.Right(n)
		v.parent[n] = v.tree.Parent(n)
		return
	}
	if v.tree.IsLeaf(n) {
		v.left[n], v.right[n] = tree.NoNode, tree.NoNode
		if v.covered[n] {
			v.rep[n] = n
		} else {
			v.rep[n] = tree.NoNode
		}
		return
	}
	rl, rr := v.rep[v.tree.Left(n)], v.rep[v.tree.Right(n)]
	switch {
	case rl == tree.NoNode && rr == tree.NoNode:
		v.rep[n] = tree.NoNode
	case rl == tree.NoNode:
		v.rep[n] = rr
	case rr == tree.NoNode:
		v.rep[n] = rl
	default:
		v.rep[n] = n
		v.left[n], v.right[n] = rl, rr
		v.parent[rl], v.parent[rr] = n, n
	}
}

func (v *View) markChanged(n int) {
	if v.changedAll || v.changedSeen[n] {
		return
	}
	v.changedSeen[n] = true
	v.changed = append(v.changed, n)
}

// Invalidated returns the nodes recomputed since the last ClearInvalidation.
// all is true when a full rebuild happened, in which case nodes is nil.
func (v *View) Invalidated() (all bool, nodes []int) {
	if v.changedAll {
		return true, nil
	}
	return false, v.changed
}

// ClearInvalidation forgets the recomputed nodes.
func (v *View) ClearInvalidation() {
	for _, n := range v.changed {
		v.changedSeen[n] = false
	}
	v.changed = v.changed[:0]
	v.changedAll = false
}

// Tree returns the underlying species tree.
func (v *View) Tree() *tree.Tree { return v.tree }

// PrunedRoot returns the root of the view.
func (v *View) PrunedRoot() int { return v.prunedRoot }

// Representative returns the node standing for n in the view, or NoNode when
// n's subtree is not covered.
func (v *View) Representative(n int) int { return v.rep[n] }

// Left returns the left child of n in the view.
func (v *View) Left(n int) int { return v.left[n] }

// Right returns the right child of n in the view.
func (v *View) Right(n int) int { return v.right[n] }

// Parent returns the parent of n in the view.
func (v *View) Parent(n int) int { return v.parent[n] }

// IsLeaf reports whether n is a leaf of the view.
func (v *View) IsLeaf(n int) bool { return v.left[n] == tree.NoNode }

// PostOrder returns the nodes of the view, children first. The slice is
// owned by the view and valid until the next change.
func (v *View) PostOrder() []int { return v.order }

// LeafCount returns the number of leaves in the view.
func (v *View) LeafCount() int {
	count := 0
	for _, n := range v.order {
		if v.IsLeaf(n) {
			count++
		}
	}
	return count
}

// Hash hashes the topology of the view, ignoring child order.
func (v *View) Hash() uint64 {
	hashes := make(map[int]uint64, len(v.order))
	for _, n := range v.order {
		h := fnv.New64a()
		if v.IsLeaf(n) {
			h.Write([]byte(v.tree.Label(n)))
		} else {
			a, b := hashes[v.left[n]], hashes[v.right[n]]
			if a > b {
				a, b = b, a
			}
			fmt.Fprintf(h, "(%x,%x)", a, b)
		}
		hashes[n] = h.Sum64()
	}
	if v.prunedRoot == tree.NoNode {
		return 0
	}
	return hashes[v.prunedRoot]
}
