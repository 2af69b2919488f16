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
	"sort"
	"strconv"
)

// TestSPR applies the SPR move (prune, regraft), keeps it when the
// likelihood improves and reverts it otherwise. Infeasible pairs are skipped
// without touching any state.
func (s *Searcher) TestSPR(prune, regraft int) bool {
	return s.testSPR(MoveSPR, prune, regraft)
}

func (s *Searcher) testSPR(kind string, prune, regraft int) bool {
	if !s.tree.CanApplySPR(prune, regraft) {
		s.metrics.move(kind, outcomeSkipped)
		return false
	}
	snap := s.push()
	rb, err := s.tree.ApplySPR(prune, regraft)
	if err != nil {
		s.ev.DropRollback()
		s.metrics.move(kind, outcomeSkipped)
		return false
	}
	s.dated.Repair()
	s.ev.OnSpeciesTreeChange(rb.Affected())
	if !s.dated.Equal(snap.dates) {
		s.ev.OnSpeciesDatesChange()
	}

	ll, pf := s.scoreMove()
	for _, t := range s.state.Testers {
		t.Test(pf, rb.Affected(), false)
	}
	accepted := s.improves(ll, pf)
	s.metrics.tested(kind, accepted)
	s.tracer.RecordMove(s.spanCtx, kind, accepted, ll)
	if !accepted {
		s.revert(snap, rb)
		return false
	}
	s.ev.DropRollback()
	s.report(ll, pf)
	s.logger.Debug("better tree",
		slog.String("move", kind),
		slog.Float64("ll", ll),
		slog.String("prune", s.nodeName(prune)),
		slog.String("regraft", s.nodeName(regraft)),
	)
	return true
}

// nodeName returns the label of n or its index when unlabeled.
func (s *Searcher) nodeName(n int) string {
	if l := s.tree.Label(n); l != "" {
		return l
	}
	return "#" + strconv.Itoa(n)
}

// SPRRound tries every prune, in index order, against its regrafts within
// radius. After an accepted move the remaining regrafts of that prune are
// stale and skipped; a very local search runs around the prune and the round
// continues with the next prune. It reports whether any move was accepted.
func (s *Searcher) SPRRound(radius int) bool {
	s.logger.Info("starting SPR round", slog.Int("radius", radius), slog.Float64("ll", s.state.BestLL))
	if len(s.state.Testers) > 0 {
		var pf []float64
		s.ev.ComputeLikelihood(&pf)
		all := make([]int, s.tree.Len())
		for i := range all {
			all[i] = i
		}
		for _, t := range s.state.Testers {
			t.Reset()
			t.Test(pf, all, true)
		}
	}
	better := false
	for _, prune := range s.tree.PossiblePrunes() {
		for _, regraft := range s.tree.PossibleRegrafts(prune, radius) {
			if s.TestSPR(prune, regraft) {
				better = true
				s.VeryLocalSearch(prune)
				break
			}
		}
	}
	return better
}

// SPRSearch repeats SPR rounds until a round accepts nothing.
func (s *Searcher) SPRSearch(radius int) bool {
	better := false
	for s.SPRRound(radius) {
		better = true
	}
	s.logger.Info("SPR search converged", slog.Float64("ll", s.state.BestLL))
	return better
}

// VeryLocalSearch tries small SPR moves around center until none improves
// or the trial cap is reached.
func (s *Searcher) VeryLocalSearch(center int) bool {
	improved := false
	trials := 0
	for {
		moved := false
	candidates:
		for _, prune := range s.neighborhood(center, s.cfg.VeryLocalRadius) {
			for _, regraft := range s.tree.PossibleRegrafts(prune, s.cfg.VeryLocalRadius) {
				if trials >= s.cfg.VeryLocalMaxTrials {
					return improved
				}
				trials++
				if s.TestSPR(prune, regraft) {
					improved, moved = true, true
					break candidates
				}
			}
		}
		if !moved {
			return improved
		}
	}
}

// neighborhood returns the non-root nodes within radius of center, in index
// order.
func (s *Searcher) neighborhood(center, radius int) []int {
	dist := map[int]int{center: 0}
	queue := []int{center}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if dist[n] == radius {
			continue
		}
		for _, m := range [3]int{s.tree.Parent(n), s.tree.Left(n), s.tree.Right(n)} {
			if m < 0 {
				continue
			}
			if _, seen := dist[m]; !seen {
				dist[m] = dist[n] + 1
				queue = append(queue, m)
			}
		}
	}
	out := make([]int, 0, len(dist))
	for n := range dist {
		if n != s.tree.Root() {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
