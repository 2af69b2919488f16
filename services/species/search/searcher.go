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
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/parallel"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// Searcher drives every search operation over one worker's replica of the
// species tree.
//
// # Description
//
// A Searcher owns the species tree, its dated order and the evaluator that
// scores them. Every accepted move updates the shared State. Every rejected
// move is reverted through the tree rollback, the dated backup and the
// evaluator rollback stack, so the pre-move state is restored exactly.
//
// # Thread Safety
//
// Not safe for concurrent use. Each worker of a group owns one Searcher and
// all Searchers of a group must run the same operations in the same order.
type Searcher struct {
	tree    *tree.Tree
	dated   *dating.DatedTree
	ev      Evaluator
	pc      parallel.Context
	state   *State
	cfg     Config
	rng     *rand.Rand
	tracer  *SearchTracer
	metrics searchMetrics
	logger  *slog.Logger

	// spanCtx is the context of the running phase, for move events.
	spanCtx context.Context

	// err keeps the first persistence failure reported by State.
	err error
}

// NewSearcher builds a searcher.
//
// # Inputs
//
//   - t: Species tree replica, mutated in place.
//   - dated: Dated order over t shared with the evaluator. nil builds one
//     from the branch lengths of t.
//   - ev: Evaluator over the local families.
//   - pc: Worker context.
//   - families: Number of families across all workers, for bootstrap
//     replicates.
//   - cfg: Search configuration.
//
// # Outputs
//
//   - *Searcher: Ready searcher with an empty State.
//   - error: ErrNilEvaluator or ErrInvalidConfig.
func NewSearcher(t *tree.Tree, dated *dating.DatedTree, ev Evaluator, pc parallel.Context, families int, cfg Config) (*Searcher, error) {
	if ev == nil {
		return nil, ErrNilEvaluator
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dated == nil {
		dated = dating.New(t, true)
	}
	if pc == nil {
		pc = parallel.Local()
	}
	logger := cfg.logger().With(slog.String("component", "search"), slog.Int("rank", pc.Rank()))
	s := &Searcher{
		tree:    t,
		dated:   dated,
		ev:      ev,
		pc:      pc,
		state:   NewState(pc.Rank() == 0),
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		tracer:  NewSearchTracer(logger, cfg.TracingEnabled),
		metrics: searchMetrics{enabled: cfg.MetricsEnabled && pc.Rank() == 0},
		logger:  logger,
		spanCtx: context.Background(),
	}
	for i := 0; i < cfg.BootstrapReplicates; i++ {
		boot := NewBootstrap(pc, families, families, s.rng)
		s.state.Testers = append(s.state.Testers, NewBranchSupport(boot, t.Len()))
		s.state.Gate.Replicates = append(s.state.Gate.Replicates, boot)
	}
	s.state.Gate.MinSupport = cfg.BootstrapMinSupport
	return s, nil
}

// Tree returns the species tree.
func (s *Searcher) Tree() *tree.Tree { return s.tree }

// Dated returns the dated order.
func (s *Searcher) Dated() *dating.DatedTree { return s.dated }

// State returns the best solution tracker.
func (s *Searcher) State() *State { return s.state }

// BestLL returns the best log-likelihood found so far.
func (s *Searcher) BestLL() float64 { return s.state.BestLL }

// Err returns the first error raised while persisting a better tree.
func (s *Searcher) Err() error { return s.err }

// needPerFamily reports whether moves must be scored per family.
func (s *Searcher) needPerFamily() bool {
	return len(s.state.Testers) > 0 || s.state.Gate.Enabled()
}

// Sync recomputes the likelihood of the current state and makes it the
// baseline every later move must improve.
func (s *Searcher) Sync() float64 {
	var pf []float64
	var ll float64
	if s.needPerFamily() {
		ll = s.ev.ComputeLikelihood(&pf)
	} else {
		ll = s.ev.ComputeLikelihood(nil)
	}
	s.state.Reset(ll, pf)
	s.metrics.best(ll)
	return ll
}

// scoreMove evaluates the current, freshly modified state.
func (s *Searcher) scoreMove() (float64, []float64) {
	ll := 0.0
	if s.cfg.RatesPerMove {
		ll = s.ev.OptimizeModelRates(false)
	}
	if s.needPerFamily() {
		var pf []float64
		ll = s.ev.ComputeLikelihood(&pf)
		return ll, pf
	}
	if !s.cfg.RatesPerMove {
		ll = s.ev.ComputeLikelihoodFast()
	}
	return ll, nil
}

// improves applies the acceptance rule. Ties reject.
func (s *Searcher) improves(ll float64, pf []float64) bool {
	if !(ll > s.state.BestLL+s.cfg.MinImprovement) {
		return false
	}
	return s.state.Gate.Accepts(pf, s.state.BestPerFamily)
}

// OutputTree returns the tree to persist. For a dated evaluator it is a copy
// of the species tree with ultrametric branch lengths derived from the dated
// order; otherwise it is the species tree itself.
func (s *Searcher) OutputTree() *tree.Tree {
	if !s.ev.IsDated() || s.dated.Len() == 0 {
		return s.tree
	}
	out := s.tree.Clone()
	d := dating.New(out, false)
	d.Restore(s.dated.Backup())
	d.RescaleBranchLengths()
	return out
}

// report records an accepted state.
func (s *Searcher) report(ll float64, pf []float64) {
	t := s.tree
	if s.state.writer {
		t = s.OutputTree()
	}
	if _, err := s.state.Report(ll, pf, t); err != nil {
		s.logger.Warn("persisting best tree failed", slog.String("error", err.Error()))
		if s.err == nil {
			s.err = err
		}
	}
	s.metrics.best(ll)
}

// snapshot saves every piece of state a move may change.
type snapshot struct {
	dates dating.Backup
}

func (s *Searcher) push() snapshot {
	s.ev.PushRollback()
	return snapshot{dates: s.dated.Backup()}
}

// revert undoes a rejected topology move.
func (s *Searcher) revert(snap snapshot, rb tree.Rollback) {
	s.tree.Revert(rb)
	s.ev.OnSpeciesTreeChange(rb.Affected())
	if !s.dated.Equal(snap.dates) {
		s.dated.Restore(snap.dates)
		s.ev.OnSpeciesDatesChange()
	}
	s.ev.PopAndApplyRollback()
}

func (s *Searcher) String() string {
	return fmt.Sprintf("Searcher{rank=%d, ll=%g, hash=%x}", s.pc.Rank(), s.state.BestLL, s.tree.Hash())
}
