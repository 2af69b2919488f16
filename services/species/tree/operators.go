// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"fmt"
	"sort"
)

// Rollback is an immutable record of the nodes a topology move rewrote.
type Rollback struct {
	saved []savedNode
	root  int
}

type savedNode struct {
	index int
	node  Node
}

// Affected returns the nodes the move rewrote. Walking each of them to the
// root covers every clade whose content changed.
func (rb Rollback) Affected() []int {
	out := make([]int, len(rb.saved))
	for i, s := range rb.saved {
		out[i] = s.index
	}
	return out
}

// IsZero reports whether rb records nothing.
func (rb Rollback) IsZero() bool { return len(rb.saved) == 0 }

func (t *Tree) snapshot(indices ...int) Rollback {
	rb := Rollback{root: t.root}
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i == NoNode || seen[i] {
			continue
		}
		seen[i] = true
		rb.saved = append(rb.saved, savedNode{index: i, node: t.nodes[i]})
	}
	return rb
}

// Revert restores every node recorded in rb and the previous root.
func (t *Tree) Revert(rb Rollback) {
	for _, s := range rb.saved {
		t.nodes[s.index] = s.node
	}
	if !rb.IsZero() {
		t.root = rb.root
	}
}

// =============================================================================
// SPR
// =============================================================================

// PossiblePrunes returns every non-root node in increasing index order.
func (t *Tree) PossiblePrunes() []int {
	out := make([]int, 0, len(t.nodes)-1)
	for i := range t.nodes {
		if i != t.root {
			out = append(out, i)
		}
	}
	return out
}

// PossibleRegrafts returns the valid regraft targets for prune within radius.
//
// # Description
//
// Targets are nodes at graph distance 1..radius+1 from the parent of prune,
// outside the pruned subtree. The parent and the sibling are excluded since
// regrafting there reproduces the current topology. Results are ordered by
// distance, then by index.
func (t *Tree) PossibleRegrafts(prune, radius int) []int {
	if prune == t.root || prune < 0 || prune >= len(t.nodes) {
		return nil
	}
	start := t.nodes[prune].Parent
	dist := map[int]int{start: 0, prune: -1}
	queue := []int{start}
	var found []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur]
		if d >= radius+1 {
			continue
		}
		n := t.nodes[cur]
		for _, next := range [3]int{n.Parent, n.Left, n.Right} {
			if next == NoNode {
				continue
			}
			if _, ok := dist[next]; ok {
				continue
			}
			dist[next] = d + 1
			queue = append(queue, next)
			if t.CanApplySPR(prune, next) {
				found = append(found, next)
			}
		}
	}
	sort.Slice(found, func(a, b int) bool {
		da, db := dist[found[a]], dist[found[b]]
		if da != db {
			return da < db
		}
		return found[a] < found[b]
	})
	return found
}

// CanApplySPR reports whether prune can be regrafted onto the branch above regraft.
func (t *Tree) CanApplySPR(prune, regraft int) bool {
	if prune < 0 || prune >= len(t.nodes) || regraft < 0 || regraft >= len(t.nodes) {
		return false
	}
	if prune == t.root || prune == regraft {
		return false
	}
	parent := t.nodes[prune].Parent
	if regraft == parent || regraft == t.Sibling(prune) {
		return false
	}
	return !t.IsAncestor(prune, regraft)
}

// ApplySPR prunes the subtree at prune and regrafts it onto the branch above
// regraft.
//
// # Description
//
// The parent of prune travels with it. The former sibling takes the parent's
// place and inherits the summed branch length. The parent is inserted in the
// middle of the regraft branch, keeping prune in its original child slot.
//
// # Outputs
//
//   - Rollback: Restores the previous topology through Revert.
//   - error: ErrInvalidMove when CanApplySPR is false. The tree is unchanged.
func (t *Tree) ApplySPR(prune, regraft int) (Rollback, error) {
	if !t.CanApplySPR(prune, regraft) {
		return Rollback{}, fmt.Errorf("%w: spr %d -> %d", ErrInvalidMove, prune, regraft)
	}
	parent := t.nodes[prune].Parent
	sibling := t.Sibling(prune)
	grand := t.nodes[parent].Parent
	regraftParent := t.nodes[regraft].Parent
	rb := t.snapshot(prune, parent, sibling, grand, regraft, regraftParent)

	// detach
	t.nodes[sibling].Length += t.nodes[parent].Length
	t.nodes[sibling].Parent = grand
	if grand == NoNode {
		t.root = sibling
	} else {
		t.setChild(grand, t.slotOf(grand, parent), sibling)
	}

	// reinsert
	siblingSlot := 1 - t.slotOf(parent, prune)
	t.setChild(parent, siblingSlot, regraft)
	t.nodes[parent].Parent = regraftParent
	half := t.nodes[regraft].Length / 2
	if regraftParent == NoNode {
		t.root = parent
		t.nodes[parent].Length = 0
	} else {
		t.setChild(regraftParent, t.slotOf(regraftParent, regraft), parent)
		t.nodes[parent].Length = half
		t.nodes[regraft].Length = half
	}
	t.nodes[regraft].Parent = parent
	return rb, nil
}

// =============================================================================
// Re-rooting
// =============================================================================

// RootDirections is the number of local re-rooting directions.
const RootDirections = 4

// CanChangeRoot reports whether direction d is legal.
//
// Direction d = side + 2*grand selects the root child at slot side, which
// must be internal, and its child at slot grand.
func (t *Tree) CanChangeRoot(d int) bool {
	if d < 0 || d >= RootDirections || t.nodes[t.root].IsLeaf() {
		return false
	}
	return !t.nodes[t.child(t.root, d&1)].IsLeaf()
}

// ChangeRoot moves the root onto the branch above the grandchild selected by
// d. ChangeRoot(d^1) moves it back.
func (t *Tree) ChangeRoot(d int) (Rollback, error) {
	if !t.CanChangeRoot(d) {
		return Rollback{}, fmt.Errorf("%w: root direction %d", ErrInvalidMove, d)
	}
	side, grand := d&1, d>>1
	root := t.root
	a := t.child(root, side)
	b := t.child(root, 1-side)
	ag := t.child(a, grand)
	rb := t.snapshot(root, a, b, ag)

	t.setChild(root, side, ag)
	t.setChild(root, 1-side, a)
	t.setChild(a, grand, b)
	t.nodes[ag].Parent = root
	t.nodes[b].Parent = a

	t.nodes[b].Length += t.nodes[a].Length
	half := t.nodes[ag].Length / 2
	t.nodes[ag].Length = half
	t.nodes[a].Length = half
	return rb, nil
}

// RootEdge returns the two children of the root, smaller index first. It
// identifies the rooting independently of the arena's root index.
func (t *Tree) RootEdge() (int, int) {
	l, r := t.nodes[t.root].Left, t.nodes[t.root].Right
	if l > r {
		l, r = r, l
	}
	return l, r
}
