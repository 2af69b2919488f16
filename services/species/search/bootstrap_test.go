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
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/speciesrax/services/species/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func TestBootstrap_ZeroSamples(t *testing.T) {
	err := parallel.Run(context.Background(), 3, func(ctx context.Context, pc parallel.Context) error {
		n := parallel.End(pc, 5) - parallel.Begin(pc, 5)
		values := make([]float64, n)
		for i := range values {
			values[i] = -3
		}
		b := NewBootstrap(pc, 5, 0, seeded(1))
		if got := b.Evaluate(values); got != 0 {
			t.Errorf("rank %d: Evaluate = %g, want 0", pc.Rank(), got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBootstrap_ZeroFamilies(t *testing.T) {
	b := NewBootstrap(parallel.Local(), 0, 10, seeded(1))
	assert.Equal(t, 0.0, b.Evaluate(nil))
	assert.Zero(t, b.LocalDraws())
}

func TestBootstrap_DrawsArePartitioned(t *testing.T) {
	const families, samples = 10, 25
	totals := make([]float64, 4)

	err := parallel.Run(context.Background(), 4, func(ctx context.Context, pc parallel.Context) error {
		b := NewBootstrap(pc, families, samples, seeded(42))
		if got := pc.SumInt(b.LocalDraws()); got != samples {
			t.Errorf("rank %d: %d draws kept, want %d", pc.Rank(), got, samples)
		}
		ones := make([]float64, parallel.End(pc, families)-parallel.Begin(pc, families))
		for i := range ones {
			ones[i] = 1
		}
		totals[pc.Rank()] = b.Evaluate(ones)
		return nil
	})

	require.NoError(t, err)
	for _, v := range totals {
		assert.Equal(t, float64(samples), v)
	}
}

func TestBootstrap_MatchesSequentialDraw(t *testing.T) {
	const families, samples = 7, 30
	values := make([]float64, families)
	for i := range values {
		values[i] = float64(i + 1)
	}
	want := NewBootstrap(parallel.Local(), families, samples, seeded(9)).Evaluate(values)
	got := make([]float64, 3)

	err := parallel.Run(context.Background(), 3, func(ctx context.Context, pc parallel.Context) error {
		b := NewBootstrap(pc, families, samples, seeded(9))
		got[pc.Rank()] = b.Evaluate(values[parallel.Begin(pc, families):parallel.End(pc, families)])
		return nil
	})

	require.NoError(t, err)
	for _, v := range got {
		assert.Equal(t, want, v)
	}
}

func TestBootstrap_ShortInputPanics(t *testing.T) {
	b := NewBootstrap(parallel.Local(), 3, 3, seeded(1))
	assert.Panics(t, func() { b.Evaluate([]float64{1}) })
}

func TestGate(t *testing.T) {
	assert.True(t, Gate{}.Accepts(nil, nil))

	b := NewBootstrap(parallel.Local(), 1, 3, seeded(1))
	g := Gate{Replicates: []*Bootstrap{b}, MinSupport: 0.5}
	assert.True(t, g.Enabled())
	assert.True(t, g.Accepts([]float64{-1}, []float64{-2}))
	assert.False(t, g.Accepts([]float64{-2}, []float64{-1}))
	assert.False(t, g.Accepts([]float64{-1}, []float64{-1}))
}

func TestBranchSupport(t *testing.T) {
	b := NewBootstrap(parallel.Local(), 1, 1, seeded(1))
	bs := NewBranchSupport(b, 3)

	bs.Test([]float64{-5}, []int{0, 1, 2}, true)
	bs.Test([]float64{-4}, []int{1}, false)
	bs.Test([]float64{-6}, []int{2}, false)

	assert.True(t, bs.IsOK(0))
	assert.False(t, bs.IsOK(1))
	assert.True(t, bs.IsOK(2))

	bs.Reset()
	assert.True(t, bs.IsOK(1))
}

func TestState_Report(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best.newick")
	tr := balanced(t)

	s := NewState(true)
	s.BestTreePath = path
	var seen []BetterTree
	s.AddListener(ListenerFunc(func(bt BetterTree) { seen = append(seen, bt) }))
	s.Reset(-10, nil)

	changed, err := s.Report(-12, nil, tr)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, seen)

	changed, err = s.Report(-5, []float64{-5}, tr)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, -5.0, s.BestLL)
	assert.Equal(t, []float64{-5}, s.BestPerFamily)
	assert.Equal(t, 1, s.Improvements())
	require.Len(t, seen, 1)
	assert.Equal(t, tr.Newick(), seen[0].Newick)
	assert.Equal(t, tr.Hash(), seen[0].Hash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, tr.Newick()+"\n", string(data))
}

func TestState_NonWriterStaysQuiet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best.newick")
	s := NewState(false)
	s.BestTreePath = path
	called := false
	s.AddListener(ListenerFunc(func(BetterTree) { called = true }))

	changed, err := s.Report(1, nil, balanced(t))

	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, called)
	assert.NoFileExists(t, path)
}

func TestState_ReportWriteFailure(t *testing.T) {
	s := NewState(true)
	s.BestTreePath = filepath.Join(t.TempDir(), "missing", "best.newick")

	changed, err := s.Report(1, nil, balanced(t))

	assert.True(t, changed)
	assert.Error(t, err)
}

func TestState_BranchSupport(t *testing.T) {
	s := NewState(true)
	assert.Equal(t, []float64{1, 1}, s.BranchSupport(2))

	b := NewBootstrap(parallel.Local(), 1, 1, seeded(1))
	ok, ko := NewBranchSupport(b, 2), NewBranchSupport(b, 2)
	ok.Test([]float64{0}, []int{0, 1}, true)
	ko.Test([]float64{0}, []int{0, 1}, true)
	ko.Test([]float64{1}, []int{1}, false)
	s.Testers = []*BranchSupport{ok, ko}

	assert.Equal(t, []float64{1, 0.5}, s.BranchSupport(2))
}
