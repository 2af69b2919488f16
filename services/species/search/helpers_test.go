// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"testing"

	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/parallel"
	"github.com/AleutianAI/speciesrax/services/species/tree"
	"github.com/stretchr/testify/require"
)

// shape is a tiny tree literal: a leaf label or a pair of shapes.
type shape struct {
	label       string
	left, right *shape
}

func leaf(l string) *shape    { return &shape{label: l} }
func pair(a, b *shape) *shape { return &shape{left: a, right: b} }
func (s *shape) isLeaf() bool { return s.left == nil }

func buildShape(t *testing.T, s *shape) *tree.Tree {
	t.Helper()
	b := tree.NewBuilder()
	var add func(s *shape) int
	add = func(s *shape) int {
		if s.isLeaf() {
			return b.Leaf(s.label, 1)
		}
		l := add(s.left)
		r := add(s.right)
		return b.Join(l, r, "", 1)
	}
	add(s)
	tr, err := b.Build()
	require.NoError(t, err)
	return tr
}

// balanced returns ((A,B),(C,D)) with A=0 B=1 C=2 D=3 AB=4 CD=5 root=6.
func balanced(t *testing.T) *tree.Tree {
	return buildShape(t, pair(pair(leaf("A"), leaf("B")), pair(leaf("C"), leaf("D"))))
}

func hashOf(t *testing.T, s *shape) uint64 {
	return buildShape(t, s).Hash()
}

// tableEvaluator scores rooted topologies through a lookup table. The
// score is split evenly over the workers of pc and reduced, like a real
// evaluator holding a share of the families. rateGain is added once a
// thorough rate fit ran.
type tableEvaluator struct {
	t         *tree.Tree
	dated     *dating.DatedTree
	pc        parallel.Context
	table     map[uint64]float64
	fallback  float64
	dateScore func(d *dating.DatedTree) float64
	transfers TransferInformation
	isDated   bool
	rateGain  float64

	stack        int
	pushes       int
	pops         int
	drops        int
	rateFits     int
	thoroughFits int
	changes      int
}

func newTableEvaluator(t *tree.Tree, d *dating.DatedTree, table map[uint64]float64, fallback float64) *tableEvaluator {
	return &tableEvaluator{t: t, dated: d, pc: parallel.Local(), table: table, fallback: fallback}
}

func (e *tableEvaluator) local() float64 {
	ll, ok := e.table[e.t.Hash()]
	if !ok {
		ll = e.fallback
	}
	if e.dateScore != nil {
		ll += e.dateScore(e.dated)
	}
	if e.thoroughFits > 0 {
		ll += e.rateGain
	}
	return ll / float64(e.pc.Size())
}

func (e *tableEvaluator) ComputeLikelihood(perFamily *[]float64) float64 {
	ll := e.local()
	if perFamily != nil {
		n := parallel.End(e.pc, 1) - parallel.Begin(e.pc, 1)
		*perFamily = make([]float64, n)
		if n == 1 {
			(*perFamily)[0] = ll * float64(e.pc.Size())
		}
	}
	return e.pc.SumFloat64(ll)
}

func (e *tableEvaluator) ComputeLikelihoodFast() float64 { return e.pc.SumFloat64(e.local()) }

func (e *tableEvaluator) OptimizeModelRates(thorough bool) float64 {
	e.rateFits++
	if thorough {
		e.thoroughFits++
	}
	return e.ComputeLikelihoodFast()
}

func (e *tableEvaluator) OnSpeciesTreeChange([]int) { e.changes++ }
func (e *tableEvaluator) OnSpeciesDatesChange()     {}

func (e *tableEvaluator) PushRollback() {
	e.stack++
	e.pushes++
}

func (e *tableEvaluator) PopAndApplyRollback() {
	if e.stack == 0 {
		panic("pop on empty rollback stack")
	}
	e.stack--
	e.pops++
}

func (e *tableEvaluator) DropRollback() {
	if e.stack == 0 {
		panic("drop on empty rollback stack")
	}
	e.stack--
	e.drops++
}

func (e *tableEvaluator) TransferInformation() TransferInformation { return e.transfers }
func (e *tableEvaluator) IsDated() bool                            { return e.isDated }

func newTestSearcher(t *testing.T, tr *tree.Tree, ev *tableEvaluator, cfg Config) *Searcher {
	t.Helper()
	if ev.dated == nil {
		ev.dated = dating.New(tr, true)
	}
	s, err := NewSearcher(tr, ev.dated, ev, ev.pc, 1, cfg)
	require.NoError(t, err)
	return s
}

// sevenLeaves returns (((A,B),(C,D)),((E,F),G)) with A=0 B=1 AB=2 C=3 D=4
// CD=5 ABCD=6 E=7 F=8 EF=9 G=10 EFG=11 root=12. G sits one edge closer to
// the root than the other leaves.
func sevenLeaves(t *testing.T) *tree.Tree {
	return buildShape(t, pair(
		pair(pair(leaf("A"), leaf("B")), pair(leaf("C"), leaf("D"))),
		pair(pair(leaf("E"), leaf("F")), leaf("G")),
	))
}

// transferMatrix returns a square frequency matrix over n nodes with count
// transfers from donor to recipient.
func transferMatrix(n, donor, recipient, count int) [][]int {
	m := make([][]int, n)
	for i := range m {
		m[i] = make([]int, n)
	}
	m[donor][recipient] = count
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	return cfg
}
