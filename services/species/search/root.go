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
	"log/slog"
	"math"
	"strconv"

	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// LikelihoodMatrix pairs species trees with their per-family likelihoods.
// Values[i] holds the likelihood of every family, in global family order,
// under Trees[i].
type LikelihoodMatrix struct {
	Trees  []string
	Values [][]float64
}

// RootLikelihoods records the likelihood of every rooting visited by a root
// search.
//
// Rootings are keyed by the unordered pair of root children, which stays
// valid across re-rootings because node indices never change.
type RootLikelihoods struct {
	best   map[[2]int]float64
	matrix LikelihoodMatrix
}

// NewRootLikelihoods returns an empty record.
func NewRootLikelihoods() *RootLikelihoods {
	return &RootLikelihoods{best: make(map[[2]int]float64)}
}

func (r *RootLikelihoods) save(t *tree.Tree, ll float64, perFamily []float64) {
	a, b := t.RootEdge()
	key := [2]int{a, b}
	if prev, ok := r.best[key]; !ok || ll > prev {
		r.best[key] = ll
	}
	r.matrix.Trees = append(r.matrix.Trees, t.Newick())
	r.matrix.Values = append(r.matrix.Values, append([]float64(nil), perFamily...))
}

// Len returns the number of distinct rootings recorded.
func (r *RootLikelihoods) Len() int { return len(r.best) }

// Likelihood returns the best likelihood recorded for the rooting whose
// root children are a and b.
func (r *RootLikelihoods) Likelihood(a, b int) (float64, bool) {
	if a > b {
		a, b = b, a
	}
	ll, ok := r.best[[2]int{a, b}]
	return ll, ok
}

// Matrix returns the per-family likelihoods of every visited rooting in
// visit order.
func (r *RootLikelihoods) Matrix() LikelihoodMatrix { return r.matrix }

// branchKey returns the rooting key of the branch above n in t.
func branchKey(t *tree.Tree, n int) [2]int {
	p := t.Parent(n)
	if p == t.Root() {
		a, b := t.RootEdge()
		return [2]int{a, b}
	}
	if n < p {
		return [2]int{n, p}
	}
	return [2]int{p, n}
}

// Annotate writes t with every internal node labeled by the log-likelihood
// ratio between rooting on the branch above it and the best rooting.
// Branches never visited are left unlabeled.
func (r *RootLikelihoods) Annotate(t *tree.Tree) string {
	best := math.Inf(-1)
	for _, ll := range r.best {
		best = math.Max(best, ll)
	}
	return t.NewickFunc(func(n int) string {
		if t.IsLeaf(n) {
			return t.Label(n)
		}
		if n == t.Root() {
			return ""
		}
		ll, ok := r.best[branchKey(t, n)]
		if !ok {
			return ""
		}
		return strconv.FormatFloat(ll-best, 'f', 4, 64)
	})
}

// rootSearch is the state of one branch-and-bound root search.
type rootSearch struct {
	s         *Searcher
	history   []int
	best      []int
	bestDates dating.Backup
	bestLL    float64
	bestPF    []float64
	visits    int
	out       *RootLikelihoods
}

// RootSearch explores re-rootings around the current root.
//
// # Description
//
// Each step tries the two re-rootings that move the root further along the
// current direction. The search descends while the likelihood along the
// path improves: an improvement extends the depth budget by RootDepthBonus
// levels, otherwise the remaining budget runs out. Every explored rooting is
// reverted; the best one is applied at the end. A maxDepth of 0 leaves the
// tree untouched.
//
// # Inputs
//
//   - maxDepth: Number of re-rootings before any improvement.
//   - out: Optional record of every visited rooting.
//
// # Outputs
//
//   - float64: Likelihood of the final rooting.
func (s *Searcher) RootSearch(maxDepth int, out *RootLikelihoods) float64 {
	var pf []float64
	ll := s.ev.ComputeLikelihood(&pf)
	rs := &rootSearch{
		s:         s,
		bestDates: s.dated.Backup(),
		bestLL:    ll,
		bestPF:    pf,
		visits:    1,
		out:       out,
	}
	if out != nil {
		out.save(s.tree, ll, s.pc.ConcatFloat64s(pf))
	}
	s.logger.Info("starting root search", slog.Int("depth", maxDepth), slog.Float64("ll", ll))

	rs.history = []int{1}
	rs.explore(maxDepth, ll)
	rs.history[0] = 0
	rs.explore(maxDepth, ll)

	if len(rs.best) > 1 {
		for _, d := range rs.best[1:] {
			rb, err := s.tree.ChangeRoot(d)
			if err != nil {
				panic("search: replaying root move: " + err.Error())
			}
			s.ev.OnSpeciesTreeChange(rb.Affected())
		}
	}
	if !s.dated.Equal(rs.bestDates) {
		s.dated.Restore(rs.bestDates)
		s.ev.OnSpeciesDatesChange()
	}
	if len(rs.best) > 1 {
		s.report(rs.bestLL, rs.bestPF)
	}
	s.logger.Info("root search done",
		slog.Int("visits", rs.visits),
		slog.Int("moves", max(len(rs.best)-1, 0)),
		slog.Float64("ll", rs.bestLL),
	)
	return rs.bestLL
}

func (rs *rootSearch) explore(maxDepth int, pathBest float64) {
	if len(rs.history) > maxDepth {
		return
	}
	s := rs.s
	last := rs.history[len(rs.history)-1]
	backup := s.dated.Backup()
	for _, d := range [2]int{last % 2, 2 + last%2} {
		if !s.tree.CanChangeRoot(d) {
			continue
		}
		rs.history = append(rs.history, d)
		s.ev.PushRollback()
		rb, err := s.tree.ChangeRoot(d)
		if err != nil {
			panic("search: root move: " + err.Error())
		}
		s.dated.Repair()
		s.ev.OnSpeciesTreeChange(rb.Affected())
		s.ev.OnSpeciesDatesChange()
		if s.datesActive() {
			s.localDateSearch(s.ev.ComputeLikelihood(nil), s.likelihoodObjective())
		}

		var pf []float64
		ll := s.ev.ComputeLikelihood(&pf)
		rs.visits++
		if rs.out != nil {
			rs.out.save(s.tree, ll, s.pc.ConcatFloat64s(pf))
		}

		depth := maxDepth
		if ll > pathBest {
			pathBest = ll
			depth = len(rs.history) + s.cfg.RootDepthBonus
		}
		better := ll > rs.bestLL+s.cfg.MinImprovement
		s.metrics.tested(MoveRoot, better)
		s.tracer.RecordMove(s.spanCtx, MoveRoot, better, ll)
		if better {
			rs.bestLL = ll
			rs.bestPF = pf
			rs.best = append(rs.best[:0], rs.history...)
			rs.bestDates = s.dated.Backup()
			s.logger.Debug("better root", slog.Float64("ll", ll))
		}
		rs.explore(depth, pathBest)

		s.tree.Revert(rb)
		s.ev.OnSpeciesTreeChange(rb.Affected())
		s.ev.PopAndApplyRollback()
		rs.history = rs.history[:len(rs.history)-1]
		if !s.dated.Equal(backup) {
			s.dated.Restore(backup)
		}
		s.ev.OnSpeciesDatesChange()
	}
}
