// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dating

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// caterpillarAndCherries builds (((A,B),(C,D)),((E,F),G)), which has several
// consistent orders.
func caterpillarAndCherries(t *testing.T) *tree.Tree {
	t.Helper()
	b := tree.NewBuilder()
	a := b.Leaf("A", 1)
	bb := b.Leaf("B", 1)
	c := b.Leaf("C", 2)
	d := b.Leaf("D", 2)
	e := b.Leaf("E", 1)
	f := b.Leaf("F", 1)
	g := b.Leaf("G", 3)
	ab := b.Join(a, bb, "", 2)
	cd := b.Join(c, d, "", 1)
	abcd := b.Join(ab, cd, "", 1)
	ef := b.Join(e, f, "", 2)
	efg := b.Join(ef, g, "", 1)
	b.Join(abcd, efg, "", 0)
	tr, err := b.Build()
	require.NoError(t, err)
	return tr
}

func TestNew_IsConsistent(t *testing.T) {
	tr := caterpillarAndCherries(t)
	for _, fromLengths := range []bool{true, false} {
		d := New(tr, fromLengths)
		assert.True(t, d.IsConsistent())
		assert.Equal(t, 6, d.Len())
		assert.Equal(t, tr.Root(), d.NodeAt(d.Len()-1))
	}
}

func TestNew_FromLengthsPutsDeepNodesFirst(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, true)

	// AB and EF sit at root distance 3, deeper than CD and EFG.
	first := []int{d.NodeAt(0), d.NodeAt(1)}
	assert.ElementsMatch(t, []int{7, 10}, first)
}

func TestMoveUpDown_RandomWalkStaysConsistent(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		r := rng.IntN(d.Len()+2) - 1
		if rng.IntN(2) == 0 {
			d.MoveUp(r)
		} else {
			d.MoveDown(r)
		}
		require.True(t, d.IsConsistent(), "step %d", i)
	}
}

func TestMoveUp_RejectsParent(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	top := d.Len() - 2
	require.Equal(t, tr.Root(), tr.Parent(d.NodeAt(top)))

	before := d.Order()
	assert.False(t, d.MoveUp(top))
	assert.Equal(t, before, d.Order())
	assert.False(t, d.MoveUp(d.Len()-1))
	assert.False(t, d.MoveDown(0))
}

func TestMoveUp_MoveDownInverse(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)

	for r := 0; r < d.Len()-1; r++ {
		before := d.Order()
		if d.MoveUp(r) {
			require.True(t, d.MoveDown(r+1))
		}
		assert.Equal(t, before, d.Order())
	}
}

func TestBackupRestore(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	backup := d.Backup()
	want := d.Order()

	d.Randomize(rand.New(rand.NewPCG(7, 7)))
	for r := 0; r < d.Len(); r++ {
		d.MoveUp(r)
	}
	d.Restore(backup)

	assert.Equal(t, want, d.Order())
	assert.True(t, d.Equal(backup))
	for r, n := range want {
		assert.Equal(t, r, d.Rank(n))
	}
}

func TestRandomize_ConsistentAndVaried(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	rng := rand.New(rand.NewPCG(3, 4))

	seen := map[string]bool{}
	for i := 0; i < 400; i++ {
		d.Randomize(rng)
		require.True(t, d.IsConsistent())
		require.Equal(t, 6, d.Len())
		seen[fmtOrder(d.Order())] = true
	}
	// 2 orders for ABCD, 1 for EFG, C(5,2) interleavings.
	assert.Len(t, seen, 20)
}

func TestCanTransferUnderRelDated(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	a, _ := tr.LeafByLabel("A")
	g, _ := tr.LeafByLabel("G")

	assert.True(t, d.CanTransferUnderRelDated(a, g), "leaves reach the present")

	// The branch above A ends at AB, which is always younger than ABCD.
	abcd := tr.Left(tr.Root())
	ab := tr.Left(abcd)
	assert.False(t, d.CanTransferUnderRelDated(abcd, tr.Left(ab)))
	assert.True(t, d.CanTransferUnderRelDated(abcd, g))
}

func TestRepair_AfterSPR(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	e, _ := tr.LeafByLabel("E")
	ef := tr.Parent(e)
	_ = ef
	ab := tr.Left(tr.Left(tr.Root()))

	// EF becomes the parent of AB under ABCD while still ranking above ABCD.
	_, err := tr.ApplySPR(e, ab)
	require.NoError(t, err)
	d.Repair()
	assert.True(t, d.IsConsistent())
	assert.Equal(t, tr.Root(), d.NodeAt(d.Len()-1))
}

func TestRescaleBranchLengths(t *testing.T) {
	tr := caterpillarAndCherries(t)
	d := New(tr, false)
	d.RescaleBranchLengths()

	for _, leaf := range tr.Leaves() {
		total := 0.0
		for n := leaf; n != tr.Root(); n = tr.Parent(n) {
			total += tr.Length(n)
		}
		assert.InDelta(t, float64(d.Len()), total, 1e-12)
	}
}

func fmtOrder(order []int) string {
	b := make([]byte, 0, len(order))
	for _, n := range order {
		b = append(b, byte('a'+n))
	}
	return string(b)
}
