// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dating maintains a relative dating of the species tree: a total
// order over speciation (internal) nodes in which every node ranks above both
// of its children.
//
// # Thread Safety
//
// Not safe for concurrent use.
package dating

import (
	"container/heap"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// LeafRank is the rank reported for leaves, which all sit at the present.
const LeafRank = -1

// DatedTree is a rank order over the internal nodes of a species tree.
type DatedTree struct {
	tree  *tree.Tree
	order []int
	ranks []int
}

// Backup is an opaque snapshot of an order.
type Backup struct {
	order []int
}

// New builds a dated tree over t.
//
// # Inputs
//
//   - t: Species tree. The DatedTree keeps a reference and reads its topology.
//   - fromLengths: Order internal nodes by distance from the root, so nodes
//     further from the root are younger. Ties and false fall back to
//     postorder position.
func New(t *tree.Tree, fromLengths bool) *DatedTree {
	d := &DatedTree{tree: t, ranks: make([]int, t.Len())}
	internal := t.InternalNodes()
	if fromLengths {
		dist := rootDistances(t)
		pos := make(map[int]int, len(internal))
		for i, n := range internal {
			pos[n] = i
		}
		sort.SliceStable(internal, func(a, b int) bool {
			da, db := dist[internal[a]], dist[internal[b]]
			if da != db {
				return da > db
			}
			return pos[internal[a]] < pos[internal[b]]
		})
	}
	d.order = internal
	d.rebuildRanks()
	return d
}

func rootDistances(t *tree.Tree) []float64 {
	dist := make([]float64, t.Len())
	post := t.PostOrder()
	for i := len(post) - 1; i >= 0; i-- {
		n := post[i]
		if p := t.Parent(n); p != tree.NoNode {
			dist[n] = dist[p] + t.Length(n)
		}
	}
	return dist
}

func (d *DatedTree) rebuildRanks() {
	for i := range d.ranks {
		d.ranks[i] = LeafRank
	}
	for r, n := range d.order {
		d.ranks[n] = r
	}
}

// Len returns the number of ranked (internal) nodes.
func (d *DatedTree) Len() int { return len(d.order) }

// Rank returns the rank of node, LeafRank for leaves.
func (d *DatedTree) Rank(node int) int { return d.ranks[node] }

// NodeAt returns the node holding rank r.
func (d *DatedTree) NodeAt(r int) int { return d.order[r] }

// Order returns a copy of the rank order, youngest first.
func (d *DatedTree) Order() []int { return append([]int(nil), d.order...) }

// MoveUp swaps the node at rank with the node at rank+1. It fails and leaves
// the order unchanged when the upper node is the parent of the lower one.
func (d *DatedTree) MoveUp(rank int) bool {
	if rank < 0 || rank+1 >= len(d.order) {
		return false
	}
	lower, upper := d.order[rank], d.order[rank+1]
	if d.tree.Parent(lower) == upper {
		return false
	}
	d.swap(rank, rank+1)
	return true
}

// MoveDown swaps the node at rank with the node at rank-1. MoveDown(r+1)
// undoes MoveUp(r).
func (d *DatedTree) MoveDown(rank int) bool {
	if rank <= 0 || rank >= len(d.order) {
		return false
	}
	upper, lower := d.order[rank], d.order[rank-1]
	if d.tree.Parent(lower) == upper {
		return false
	}
	d.swap(rank-1, rank)
	return true
}

func (d *DatedTree) swap(i, j int) {
	d.order[i], d.order[j] = d.order[j], d.order[i]
	d.ranks[d.order[i]] = i
	d.ranks[d.order[j]] = j
}

// Backup snapshots the current order.
func (d *DatedTree) Backup() Backup {
	return Backup{order: append([]int(nil), d.order...)}
}

// Restore reinstates a snapshot taken by Backup.
func (d *DatedTree) Restore(b Backup) {
	if len(b.order) != len(d.order) {
		panic(fmt.Sprintf("dating: backup of %d ranks restored into %d", len(b.order), len(d.order)))
	}
	copy(d.order, b.order)
	d.rebuildRanks()
}

// Equal reports whether b holds the same order as the tree currently has.
func (d *DatedTree) Equal(b Backup) bool {
	if len(b.order) != len(d.order) {
		return false
	}
	for i := range b.order {
		if b.order[i] != d.order[i] {
			return false
		}
	}
	return true
}

// IsConsistent reports whether every node ranks above its children.
func (d *DatedTree) IsConsistent() bool {
	for _, n := range d.order {
		p := d.tree.Parent(n)
		if p != tree.NoNode && d.ranks[p] <= d.ranks[n] {
			return false
		}
	}
	return true
}

// Randomize draws a uniformly random consistent order.
//
// The number of linear extensions of a subtree factorizes over its children,
// so interleaving the two child orders uniformly at random and appending the
// node yields a uniform draw.
func (d *DatedTree) Randomize(rng *rand.Rand) {
	seqs := make(map[int][]int, len(d.order))
	for _, n := range d.tree.PostOrder() {
		if d.tree.IsLeaf(n) {
			continue
		}
		l, r := seqs[d.tree.Left(n)], seqs[d.tree.Right(n)]
		merged := interleave(rng, l, r)
		seqs[n] = append(merged, n)
		delete(seqs, d.tree.Left(n))
		delete(seqs, d.tree.Right(n))
	}
	d.order = seqs[d.tree.Root()]
	d.rebuildRanks()
}

func interleave(rng *rand.Rand, a, b []int) []int {
	out := make([]int, 0, len(a)+len(b)+1)
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		remA, remB := len(a)-i, len(b)-j
		if rng.IntN(remA+remB) < remA {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	return out
}

// CanTransferUnderRelDated reports whether the branch above from and the
// branch above to coexist in time under the current order.
func (d *DatedTree) CanTransferUnderRelDated(from, to int) bool {
	return d.ranks[from] < d.upper(to) && d.ranks[to] < d.upper(from)
}

func (d *DatedTree) upper(n int) int {
	if p := d.tree.Parent(n); p != tree.NoNode {
		return d.ranks[p]
	}
	return len(d.order)
}

// Repair restores consistency after a topology change. The result is the
// consistent order closest to the previous one: among ready nodes the one with
// the lowest previous rank goes first.
func (d *DatedTree) Repair() {
	if d.IsConsistent() {
		return
	}
	pending := make(map[int]int, len(d.order))
	h := &rankHeap{ranks: d.ranks}
	for _, n := range d.order {
		count := 0
		for _, c := range [2]int{d.tree.Left(n), d.tree.Right(n)} {
			if !d.tree.IsLeaf(c) {
				count++
			}
		}
		pending[n] = count
		if count == 0 {
			h.nodes = append(h.nodes, n)
		}
	}
	heap.Init(h)
	order := make([]int, 0, len(d.order))
	for h.Len() > 0 {
		n := heap.Pop(h).(int)
		order = append(order, n)
		if p := d.tree.Parent(n); p != tree.NoNode {
			pending[p]--
			if pending[p] == 0 {
				heap.Push(h, p)
			}
		}
	}
	if len(order) != len(d.order) {
		panic(fmt.Sprintf("dating: repair placed %d of %d nodes", len(order), len(d.order)))
	}
	d.order = order
	d.rebuildRanks()
}

// RescaleBranchLengths turns ranks into ultrametric branch lengths: leaves
// sit at height 0 and the node of rank r at height r+1.
func (d *DatedTree) RescaleBranchLengths() {
	height := func(n int) float64 { return float64(d.ranks[n] + 1) }
	root := d.tree.Root()
	for _, n := range d.tree.PostOrder() {
		if n == root {
			d.tree.SetLength(n, 0)
			continue
		}
		d.tree.SetLength(n, height(d.tree.Parent(n))-height(n))
	}
}

type rankHeap struct {
	nodes []int
	ranks []int
}

func (h *rankHeap) Len() int           { return len(h.nodes) }
func (h *rankHeap) Less(i, j int) bool { return h.ranks[h.nodes[i]] < h.ranks[h.nodes[j]] }
func (h *rankHeap) Swap(i, j int)      { h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i] }
func (h *rankHeap) Push(x any)         { h.nodes = append(h.nodes, x.(int)) }
func (h *rankHeap) Pop() any {
	old := h.nodes
	n := old[len(old)-1]
	h.nodes = old[:len(old)-1]
	return n
}
