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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fourLeaves builds ((A,B),(C,D)) and returns it with the leaf indices.
func fourLeaves(t *testing.T) (*Tree, map[string]int) {
	t.Helper()
	b := NewBuilder()
	a := b.Leaf("A", 1)
	bb := b.Leaf("B", 1)
	c := b.Leaf("C", 1)
	d := b.Leaf("D", 1)
	ab := b.Join(a, bb, "", 1)
	cd := b.Join(c, d, "", 1)
	b.Join(ab, cd, "", 0)
	tr, err := b.Build()
	require.NoError(t, err)
	return tr, map[string]int{"A": a, "B": bb, "C": c, "D": d, "AB": ab, "CD": cd}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		root  int
	}{
		{"empty", nil, 0},
		{"root out of range", []Node{{Left: NoNode, Right: NoNode, Parent: NoNode, Label: "A"}}, 3},
		{"unlabelled leaf", []Node{{Left: NoNode, Right: NoNode, Parent: NoNode}}, 0},
		{"unary node", []Node{
			{Left: NoNode, Right: NoNode, Parent: 1, Label: "A"},
			{Left: 0, Right: NoNode, Parent: NoNode},
		}, 1},
		{"negative length", []Node{{Left: NoNode, Right: NoNode, Parent: NoNode, Label: "A", Length: -1}}, 0},
		{"duplicate labels", []Node{
			{Left: NoNode, Right: NoNode, Parent: 2, Label: "A"},
			{Left: NoNode, Right: NoNode, Parent: 2, Label: "A"},
			{Left: 0, Right: 1, Parent: NoNode},
		}, 2},
		{"asymmetric parent", []Node{
			{Left: NoNode, Right: NoNode, Parent: NoNode, Label: "A"},
			{Left: NoNode, Right: NoNode, Parent: 2, Label: "B"},
			{Left: 0, Right: 1, Parent: NoNode},
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.nodes, tt.root)
			assert.ErrorIs(t, err, ErrInvalidTree)
		})
	}
}

func TestNewick(t *testing.T) {
	tr, _ := fourLeaves(t)
	assert.Equal(t, "((A:1,B:1):1,(C:1,D:1):1);", tr.Newick())
	assert.Equal(t, 4, tr.LeafCount())
	assert.Equal(t, 7, tr.Len())
}

func TestHash_IgnoresChildOrder(t *testing.T) {
	b := NewBuilder()
	d := b.Leaf("D", 2)
	c := b.Leaf("C", 2)
	bb := b.Leaf("B", 2)
	a := b.Leaf("A", 2)
	dc := b.Join(d, c, "", 3)
	ba := b.Join(bb, a, "", 3)
	b.Join(dc, ba, "", 0)
	swapped, err := b.Build()
	require.NoError(t, err)

	tr, _ := fourLeaves(t)
	assert.Equal(t, tr.Hash(), swapped.Hash())
}

func TestPossibleRegrafts(t *testing.T) {
	tr, idx := fourLeaves(t)

	got := tr.PossibleRegrafts(idx["A"], 1)
	// parent AB, sibling B excluded; root (distance 1) and CD (distance 2).
	assert.Equal(t, []int{tr.Root(), idx["CD"]}, got)

	got = tr.PossibleRegrafts(idx["A"], 2)
	assert.Equal(t, []int{tr.Root(), idx["CD"], idx["C"], idx["D"]}, got)

	assert.Nil(t, tr.PossibleRegrafts(tr.Root(), 3))
}

func TestCanApplySPR(t *testing.T) {
	tr, idx := fourLeaves(t)

	assert.False(t, tr.CanApplySPR(tr.Root(), idx["A"]), "root prune")
	assert.False(t, tr.CanApplySPR(idx["AB"], idx["A"]), "regraft inside pruned subtree")
	assert.False(t, tr.CanApplySPR(idx["A"], idx["B"]), "sibling")
	assert.False(t, tr.CanApplySPR(idx["A"], idx["AB"]), "parent")
	assert.True(t, tr.CanApplySPR(idx["A"], idx["C"]))
}

func TestApplySPR_AndRevert(t *testing.T) {
	tr, idx := fourLeaves(t)
	before := tr.Clone()

	rb, err := tr.ApplySPR(idx["A"], idx["C"])
	require.NoError(t, err)

	// (B,((A,C),D))
	assert.Equal(t, "(B:2,((A:1,C:0.5):0.5,D:1):1);", tr.Newick())
	assert.NotEqual(t, before.Hash(), tr.Hash())
	assert.NotEmpty(t, rb.Affected())

	tr.Revert(rb)
	assert.Equal(t, before.Newick(), tr.Newick())
	assert.Equal(t, before.nodes, tr.nodes)
	assert.Equal(t, before.Root(), tr.Root())
}

func TestApplySPR_OntoRoot(t *testing.T) {
	tr, idx := fourLeaves(t)

	rb, err := tr.ApplySPR(idx["C"], tr.Root())
	require.NoError(t, err)
	require.NoError(t, checkTree(tr))
	assert.Equal(t, idx["CD"], tr.Root())
	tr.Revert(rb)
	require.NoError(t, checkTree(tr))
}

func TestApplySPR_Invalid(t *testing.T) {
	tr, idx := fourLeaves(t)
	before := tr.Newick()

	_, err := tr.ApplySPR(idx["AB"], idx["A"])
	assert.ErrorIs(t, err, ErrInvalidMove)
	assert.Equal(t, before, tr.Newick())
}

func TestApplySPR_EveryMoveKeepsTreeValid(t *testing.T) {
	tr, _ := fourLeaves(t)
	reference := tr.Clone()
	for _, prune := range tr.PossiblePrunes() {
		for _, regraft := range tr.PossibleRegrafts(prune, 4) {
			rb, err := tr.ApplySPR(prune, regraft)
			require.NoError(t, err)
			require.NoError(t, checkTree(tr), "spr %d -> %d", prune, regraft)
			tr.Revert(rb)
			require.Equal(t, reference.nodes, tr.nodes)
		}
	}
}

func TestChangeRoot_InverseDirection(t *testing.T) {
	tr, _ := fourLeaves(t)
	startHash := tr.Hash()

	for d := 0; d < RootDirections; d++ {
		require.True(t, tr.CanChangeRoot(d))
		_, err := tr.ChangeRoot(d)
		require.NoError(t, err)
		require.NoError(t, checkTree(tr))
		assert.NotEqual(t, startHash, tr.Hash())

		_, err = tr.ChangeRoot(d ^ 1)
		require.NoError(t, err)
		assert.Equal(t, startHash, tr.Hash(), "direction %d", d)
	}
}

func TestChangeRoot_RevertIsExact(t *testing.T) {
	tr, _ := fourLeaves(t)
	before := tr.Clone()

	rb, err := tr.ChangeRoot(2)
	require.NoError(t, err)
	tr.Revert(rb)
	assert.Equal(t, before.nodes, tr.nodes)
}

func TestChangeRoot_LeafChild(t *testing.T) {
	b := NewBuilder()
	a := b.Leaf("A", 1)
	bb := b.Leaf("B", 1)
	c := b.Leaf("C", 1)
	ab := b.Join(a, bb, "", 1)
	b.Join(ab, c, "", 0)
	tr, err := b.Build()
	require.NoError(t, err)

	assert.True(t, tr.CanChangeRoot(0))
	assert.False(t, tr.CanChangeRoot(1))
	assert.False(t, tr.CanChangeRoot(4))
	_, err = tr.ChangeRoot(3)
	assert.ErrorIs(t, err, ErrInvalidMove)
}

// checkTree re-runs construction validation on the current state.
func checkTree(tr *Tree) error {
	_, err := New(tr.nodes, tr.root)
	return err
}
