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
)

// transferMove proposes moving recipient next to donor.
type transferMove struct {
	recipient int
	donor     int
	weight    float64
}

// transferMoves ranks the (recipient, donor) pairs suggested by the inferred
// transfers and the configured highways, best first.
func (s *Searcher) transferMoves(info TransferInformation) []transferMove {
	n := s.tree.Len()
	weights := make(map[[2]int]float64)
	for from, row := range info.Frequencies {
		if from >= n {
			break
		}
		for to, count := range row {
			if to >= n || count == 0 || from == to {
				continue
			}
			potential := 1
			if from < len(info.Potential) && to < len(info.Potential[from]) && info.Potential[from][to] > 0 {
				potential = info.Potential[from][to]
			}
			weights[[2]int{to, from}] += float64(count) / float64(potential)
		}
	}
	for _, c := range s.cfg.TransferCandidates {
		if c.From < 0 || c.From >= n || c.To < 0 || c.To >= n || c.From == c.To {
			continue
		}
		weights[[2]int{c.To, c.From}] += c.Weight
	}
	moves := make([]transferMove, 0, len(weights))
	for k, w := range weights {
		if w > 0 {
			moves = append(moves, transferMove{recipient: k[0], donor: k[1], weight: w})
		}
	}
	sort.Slice(moves, func(i, j int) bool {
		a, b := moves[i], moves[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.recipient != b.recipient {
			return a.recipient < b.recipient
		}
		return a.donor < b.donor
	})
	return moves
}

// transferPass tries the ranked transfer moves once. It returns the number
// of accepted moves.
func (s *Searcher) transferPass() int {
	moves := s.transferMoves(s.ev.TransferInformation())
	maxImprovements := s.cfg.TransferMinImprovements
	if q := s.tree.LeafCount() / 4; q > maxImprovements {
		maxImprovements = q
	}
	failures, successes := 0, 0
	for _, m := range moves {
		accepted := false
		for _, regraft := range [2]int{m.donor, s.tree.Parent(m.donor)} {
			if regraft < 0 || m.recipient == s.tree.Root() {
				continue
			}
			if s.testSPR(MoveTransfer, m.recipient, regraft) {
				accepted = true
				break
			}
		}
		if accepted {
			successes++
			failures = 0
			s.VeryLocalSearch(m.recipient)
			if successes >= maxImprovements {
				break
			}
			continue
		}
		failures++
		if failures >= s.cfg.TransferMaxFailures {
			break
		}
	}
	return successes
}

// TransferSearch proposes SPR moves guided by the transfers inferred from
// the reconciliations, repeating passes while a pass improves. The transfer
// statistics are refreshed at the start of every pass.
func (s *Searcher) TransferSearch() bool {
	improved := false
	for {
		accepted := s.transferPass()
		s.logger.Info("transfer search pass",
			slog.Int("accepted", accepted),
			slog.Float64("ll", s.state.BestLL),
		)
		if accepted == 0 {
			return improved
		}
		improved = true
	}
}
