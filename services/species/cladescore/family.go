// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cladescore

import (
	"hash/fnv"
	"math"

	"github.com/AleutianAI/speciesrax/pkg/scaled"
	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/rates"
	"github.com/AleutianAI/speciesrax/services/species/tree"
	"github.com/AleutianAI/speciesrax/services/species/view"
)

// forbiddenTransferPenalty scales the probability of a transfer the
// constraint rules out.
const forbiddenTransferPenalty = 1e-3

// Transfer is an observed transfer from a donor to a recipient species node.
type Transfer struct {
	From int
	To   int
}

// Family is the evidence one gene family carries about the species tree.
type Family struct {
	Name string

	// Species lists the covered species leaves.
	Species []int

	// Clades lists the species leaf sets grouped by the family's gene tree.
	Clades [][]int

	// Transfers lists the transfers inferred for the family.
	Transfers []Transfer
}

// family caches the per-node state of one family over its pruned view.
type family struct {
	data     Family
	view     *view.View
	ids      []uint64
	observed map[uint64]bool
	clade    []uint64
	support  []bool

	rates rates.Parameters
	ll    float64
	fresh bool
}

// leafID spreads a label over 64 bits so that sums of ids identify leaf sets.
func leafID(label string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	z := h.Sum64() + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func newFamily(t *tree.Tree, data Family, pruned bool) (*family, error) {
	f := &family{
		data:     data,
		view:     view.New(t, pruned),
		ids:      make([]uint64, t.Len()),
		observed: make(map[uint64]bool, len(data.Clades)+1),
		clade:    make([]uint64, t.Len()),
		support:  make([]bool, t.Len()),
	}
	covered := make([]bool, t.Len())
	var all uint64
	for _, s := range data.Species {
		covered[s] = true
		f.ids[s] = leafID(t.Label(s))
		all += f.ids[s]
	}
	if err := f.view.SetCoverage(covered); err != nil {
		return nil, err
	}
	f.observed[all] = true
	for _, c := range data.Clades {
		var h uint64
		for _, s := range c {
			h += f.ids[s]
		}
		f.observed[h] = true
	}
	f.refresh()
	return f, nil
}

// refresh recomputes the clade state of the nodes the view rebuilt.
func (f *family) refresh() {
	all, nodes := f.view.Invalidated()
	if all {
		nodes = f.view.PostOrder()
	}
	for _, n := range nodes {
		f.update(n)
	}
	if all || len(nodes) > 0 {
		f.fresh = false
	}
	f.view.ClearInvalidation()
}

func (f *family) update(n int) {
	v := f.view
	if v.Representative(n) != n {
		return
	}
	if v.IsLeaf(n) {
		f.clade[n] = f.ids[n]
		f.support[n] = true
		return
	}
	f.clade[n] = f.clade[v.Left(n)] + f.clade[v.Right(n)]
	// an empty clade only appears with pruning disabled and carries no evidence
	f.support[n] = f.clade[n] == 0 || f.observed[f.clade[n]]
}

// unsupported counts the internal nodes of the view no clade supports.
func (f *family) unsupported() int {
	count := 0
	for _, n := range f.view.PostOrder() {
		if !f.view.IsLeaf(n) && !f.support[n] {
			count++
		}
	}
	return count
}

// transferAllowed reports whether the constraint admits tr.
func transferAllowed(info rates.ModelInfo, t *tree.Tree, dated *dating.DatedTree, tr Transfer) bool {
	switch info.TransferConstraint {
	case rates.TransferParents:
		return !t.IsAncestor(tr.From, tr.To) && !t.IsAncestor(tr.To, tr.From)
	case rates.TransferRelDated:
		return dated == nil || dated.CanTransferUnderRelDated(tr.From, tr.To)
	}
	return true
}

// compute returns the family log-likelihood under its installed rates.
func (f *family) compute(info rates.ModelInfo, dated *dating.DatedTree) float64 {
	if info.Model == rates.ParsimonyD {
		return -float64(f.unsupported())
	}
	sum := 0.0
	for _, v := range f.rates.Values() {
		sum += v
	}
	q := -math.Expm1(-sum)
	q = math.Min(math.Max(q, 1e-300), 1)

	factors := make([]scaled.Number, 0, len(f.view.PostOrder())+len(f.data.Transfers))
	for _, n := range f.view.PostOrder() {
		if f.view.IsLeaf(n) {
			continue
		}
		p := q / 2
		if f.support[n] {
			p = 1 - q/2
		}
		factors = append(factors, scaled.FromFloat(p))
	}
	if info.Model == rates.UndatedDTL && f.rates.Dimensions() == 3 {
		d, l, tr := f.rates.At(0), f.rates.At(1), f.rates.At(2)
		base := tr / (d + l + tr)
		t := f.view.Tree()
		for _, e := range f.data.Transfers {
			p := base
			if !transferAllowed(info, t, dated, e) {
				p *= forbiddenTransferPenalty
			}
			factors = append(factors, scaled.FromFloat(p))
		}
	}
	return scaled.Product(factors...).Log()
}
