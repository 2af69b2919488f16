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
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/AleutianAI/speciesrax/services/species/parallel"
)

// Bootstrap is a fixed resampling with replacement of the gene families.
//
// Every worker draws the same global indices from an identically seeded
// stream and keeps only those inside its own family partition, so the
// replicate is consistent across the group without communication.
type Bootstrap struct {
	pc      parallel.Context
	counts  []int
	samples int
}

// NewBootstrap draws sampleCount family indices out of familyCount.
//
// # Inputs
//
//   - pc: Worker context. The local partition is parallel.Begin/End of
//     familyCount.
//   - familyCount: Number of families across all workers.
//   - sampleCount: Number of draws across all workers. Zero is allowed.
//   - rng: Random stream. Must be in the same state on every worker.
func NewBootstrap(pc parallel.Context, familyCount, sampleCount int, rng *rand.Rand) *Bootstrap {
	begin, end := parallel.Begin(pc, familyCount), parallel.End(pc, familyCount)
	b := &Bootstrap{pc: pc, counts: make([]int, end-begin), samples: sampleCount}
	if familyCount == 0 {
		return b
	}
	for i := 0; i < sampleCount; i++ {
		v := rng.IntN(familyCount)
		if v >= begin && v < end {
			b.counts[v-begin]++
		}
	}
	return b
}

// Samples returns the number of draws across all workers.
func (b *Bootstrap) Samples() int { return b.samples }

// LocalDraws returns the number of draws kept by this worker.
func (b *Bootstrap) LocalDraws() int {
	n := 0
	for _, c := range b.counts {
		n += c
	}
	return n
}

// Evaluate sums the resampled per-family values of this worker and reduces
// the sum across the group. Every worker must call it.
func (b *Bootstrap) Evaluate(perFamily []float64) float64 {
	if len(perFamily) < len(b.counts) {
		panic(fmt.Sprintf("search: bootstrap over %d families given %d values", len(b.counts), len(perFamily)))
	}
	ll := 0.0
	for i, c := range b.counts {
		if c > 0 {
			ll += float64(c) * perFamily[i]
		}
	}
	return b.pc.SumFloat64(ll)
}

// BranchSupport tracks, for every branch, whether the reference tree is
// still the best tree seen under one bootstrap replicate among the trees
// touching that branch.
type BranchSupport struct {
	boot   *Bootstrap
	bestLL []float64
	ok     []bool
}

// NewBranchSupport wraps boot for a tree with the given number of branches.
func NewBranchSupport(boot *Bootstrap, branches int) *BranchSupport {
	bs := &BranchSupport{boot: boot, bestLL: make([]float64, branches), ok: make([]bool, branches)}
	bs.Reset()
	return bs
}

// Bootstrap returns the replicate.
func (bs *BranchSupport) Bootstrap() *Bootstrap { return bs.boot }

// Test scores perFamily under the replicate and records it for branches.
func (bs *BranchSupport) Test(perFamily []float64, branches []int, reference bool) {
	ll := bs.boot.Evaluate(perFamily)
	for _, b := range branches {
		if ll > bs.bestLL[b] {
			bs.bestLL[b] = ll
			bs.ok[b] = reference
		}
	}
}

// IsOK reports whether the reference tree won on branch.
func (bs *BranchSupport) IsOK(branch int) bool { return bs.ok[branch] }

// Reset forgets every recorded score.
func (bs *BranchSupport) Reset() {
	for i := range bs.bestLL {
		bs.bestLL[i] = math.Inf(-1)
		bs.ok[i] = true
	}
}

// Gate accepts improving moves only when enough bootstrap replicates agree.
type Gate struct {
	Replicates []*Bootstrap
	MinSupport float64
}

// Enabled reports whether the gate holds any replicate.
func (g Gate) Enabled() bool { return len(g.Replicates) > 0 }

// Accepts reports whether at least MinSupport of the replicates score
// candidate above current. An empty gate accepts everything. Every worker
// must call it with its local per-family values.
func (g Gate) Accepts(candidate, current []float64) bool {
	if !g.Enabled() {
		return true
	}
	agree := 0
	for _, b := range g.Replicates {
		if b.Evaluate(candidate) > b.Evaluate(current) {
			agree++
		}
	}
	return float64(agree) >= g.MinSupport*float64(len(g.Replicates))
}
