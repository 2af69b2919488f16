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
	"sort"

	"github.com/AleutianAI/speciesrax/services/species/dating"
)

// randomDatingTrials caps the consecutive failed perturbations of every
// search started from a random dating.
const randomDatingTrials = 20

// dateObjective is the score a date search maximizes. changed is called
// after every order change so cached state can be refreshed.
type dateObjective struct {
	score   func() float64
	changed func()
}

// likelihoodObjective scores datings with the evaluator.
func (s *Searcher) likelihoodObjective() dateObjective {
	return dateObjective{
		score:   s.ev.ComputeLikelihoodFast,
		changed: s.ev.OnSpeciesDatesChange,
	}
}

// transferObjective scores datings by the number of inferred transfers the
// dating admits. freq is reduced across workers, so every worker computes
// the same score without communication.
func (s *Searcher) transferObjective(freq [][]int) dateObjective {
	return dateObjective{
		score: func() float64 {
			n := s.tree.Len()
			score := 0
			for from, row := range freq[:min(len(freq), n)] {
				for to, count := range row[:min(len(row), n)] {
					if count > 0 && from != to && s.dated.CanTransferUnderRelDated(from, to) {
						score += count
					}
				}
			}
			return float64(score)
		},
		changed: func() {},
	}
}

// datesActive reports whether dating moves can change the likelihood.
func (s *Searcher) datesActive() bool {
	return s.cfg.OptimizeDates && s.ev.IsDated() && s.dated.Len() > 1
}

// localDateSearch sweeps every rank with MoveUp, keeping swaps that improve
// on best, until a full sweep keeps nothing. It returns the final score.
func (s *Searcher) localDateSearch(best float64, obj dateObjective) float64 {
	for {
		improved := false
		for r := 0; r+1 < s.dated.Len(); r++ {
			if !s.dated.MoveUp(r) {
				continue
			}
			obj.changed()
			ll := obj.score()
			accepted := ll > best+s.cfg.MinImprovement
			s.metrics.tested(MoveDate, accepted)
			if accepted {
				best = ll
				improved = true
				continue
			}
			s.dated.MoveDown(r + 1)
			obj.changed()
		}
		if !improved {
			return best
		}
	}
}

// perturbDates applies random runs of rank swaps. The number of runs and
// their length grow with magnitude.
func (s *Searcher) perturbDates(magnitude float64) {
	n := s.dated.Len()
	runs := int(float64(2*n) * magnitude)
	maxDisplacement := max(int(math.Sqrt(float64(n))*2*magnitude), 2)
	for i := 0; i < runs; i++ {
		rank := s.rng.IntN(n)
		up := s.rng.IntN(2) == 0
		displacement := 1 + s.rng.IntN(maxDisplacement)
		nodes := 1 + s.rng.IntN(10)
	run:
		for k := 0; k < nodes; k++ {
			for j := 0; j < displacement; j++ {
				var ok bool
				if up {
					ok = s.dated.MoveUp(rank + k - j)
				} else {
					ok = s.dated.MoveDown(rank - k + j)
				}
				if !ok {
					break run
				}
			}
		}
	}
}

// perturbationSearch restarts the local search from random perturbations of
// the best order, keeping a restart only when it beats best. magnitude maps
// the number of consecutive failures to a perturbation size. The search ends
// after trials consecutive failures.
func (s *Searcher) perturbationSearch(best float64, obj dateObjective, trials int, magnitude func(failures int) float64) float64 {
	failures := 0
	for failures < trials {
		backup := s.dated.Backup()
		s.perturbDates(magnitude(failures))
		obj.changed()
		score := s.localDateSearch(obj.score(), obj)
		if score > best+s.cfg.MinImprovement {
			best = score
			failures = 0
			continue
		}
		s.dated.Restore(backup)
		obj.changed()
		failures++
	}
	return best
}

// scoredDating is a candidate order and its likelihood.
type scoredDating struct {
	backup dating.Backup
	score  float64
}

// datingsFromTransfers runs starts searches from random datings on the
// transfer score, then computes the likelihood of the evaluated best ones.
// The result is sorted best first and the current order is left unchanged.
func (s *Searcher) datingsFromTransfers(starts, evaluated int) []scoredDating {
	info := s.ev.TransferInformation()
	initial := s.dated.Backup()
	obj := s.transferObjective(info.Frequencies)
	magnitude := func(failures int) float64 {
		return float64(failures+1) / randomDatingTrials
	}
	candidates := make([]scoredDating, 0, starts)
	for i := 0; i < starts; i++ {
		s.dated.Randomize(s.rng)
		score := s.localDateSearch(obj.score(), obj)
		score = s.perturbationSearch(score, obj, randomDatingTrials, magnitude)
		candidates = append(candidates, scoredDating{backup: s.dated.Backup(), score: score})
		s.logger.Debug("random dating searched", slog.Int("start", i), slog.Float64("transfer_score", score))
	}
	byScore := func(i, j int) bool { return candidates[i].score > candidates[j].score }
	sort.SliceStable(candidates, byScore)
	candidates = candidates[:min(len(candidates), evaluated)]
	for i := range candidates {
		s.dated.Restore(candidates[i].backup)
		s.ev.OnSpeciesDatesChange()
		candidates[i].score = s.ev.ComputeLikelihood(nil)
	}
	sort.SliceStable(candidates, byScore)
	s.dated.Restore(initial)
	s.ev.OnSpeciesDatesChange()
	return candidates
}

// datingsFromTransfersSearch refines the likelihood of the best random
// datings and keeps the first one that beats best. It returns the final
// likelihood.
func (s *Searcher) datingsFromTransfersSearch(best float64) float64 {
	candidates := s.datingsFromTransfers(s.cfg.DateRandomStarts, s.cfg.DateRandomEvaluated)
	current := s.dated.Backup()
	obj := s.likelihoodObjective()
	for _, c := range candidates {
		s.dated.Restore(c.backup)
		obj.changed()
		ll := s.localDateSearch(s.ev.ComputeLikelihood(nil), obj)
		if ll > best+s.cfg.MinImprovement {
			s.logger.Debug("random dating accepted", slog.Float64("ll", ll))
			return ll
		}
	}
	s.dated.Restore(current)
	obj.changed()
	return best
}

// OptimizeDates improves the dated order at fixed topology.
//
// The local variant sweeps single rank swaps to a fixed point. The thorough
// variant then restarts from random perturbations of the best order, keeping
// a restart only when it beats the best likelihood. The perturbation grows
// after every failed restart and the number of consecutive failures is
// capped by DateThoroughTrials. With DateRandomStarts set, the thorough
// variant finally tries the best random datings found on the transfer score.
// Evaluators that are not dated return the current likelihood unchanged.
func (s *Searcher) OptimizeDates(thorough bool) float64 {
	start := s.ev.ComputeLikelihood(nil)
	if !s.ev.IsDated() || s.dated.Len() < 2 {
		return start
	}
	obj := s.likelihoodObjective()
	best := s.localDateSearch(start, obj)
	if thorough {
		best = s.perturbationSearch(best, obj, s.cfg.DateThoroughTrials, func(failures int) float64 {
			return s.cfg.DatePerturbation * float64(failures+1)
		})
		if s.cfg.DateRandomStarts > 0 {
			best = s.datingsFromTransfersSearch(best)
		}
	}
	if best > start {
		var pf []float64
		if s.needPerFamily() {
			best = s.ev.ComputeLikelihood(&pf)
		}
		s.report(best, pf)
	}
	s.logger.Info("date optimization done", slog.Bool("thorough", thorough), slog.Float64("ll", best))
	return best
}
