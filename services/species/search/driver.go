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
	"strings"
	"time"
)

// Strategy selects what Search does.
type Strategy int

const (
	// StrategySPR runs SPR searches with a growing radius.
	StrategySPR Strategy = iota
	// StrategyTransfer runs transfer guided passes to a fixed point,
	// interleaved with deep root searches.
	StrategyTransfer
	// StrategyHybrid alternates every move type to a fixed point.
	StrategyHybrid
	// StrategyReroot only searches the root position.
	StrategyReroot
	// StrategyEvaluateOnly scores the starting tree after a thorough rate
	// fit.
	StrategyEvaluateOnly
)

var strategyNames = [...]string{"spr", "transfer", "hybrid", "reroot", "evaluate"}

// String returns the CLI name of s.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy parses a CLI strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(name, n) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// Result is the outcome of Search.
type Result struct {
	Strategy       Strategy
	LogLikelihood  float64
	Newick         string
	Hash           uint64
	Order          []int
	Improvements   int
	Elapsed        time.Duration
	RootLikelihood *RootLikelihoods
}

// Search runs strategy from the current state.
//
// # Description
//
// The baseline likelihood of the current state is computed first. Rounds
// always run to their own termination; ctx is only checked between phases,
// by every worker at once, so a cancelled run stops at the same point on
// the whole group.
//
// # Inputs
//
//   - ctx: Context for cancellation between phases and for spans.
//   - strategy: What to run.
//
// # Outputs
//
//   - Result: Final likelihood, tree and dating.
//   - error: ErrUnknownStrategy, the context error when cancelled, or the
//     first failure persisting a better tree.
func (s *Searcher) Search(ctx context.Context, strategy Strategy) (Result, error) {
	started := time.Now()
	if strategy < StrategySPR || strategy > StrategyEvaluateOnly {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(strategy))
	}
	s.logger.Info("search started", slog.String("strategy", strategy.String()))

	var roots *RootLikelihoods
	err := s.phase(ctx, "evaluate", func() error {
		s.Sync()
		return nil
	})
	if err == nil {
		switch strategy {
		case StrategySPR:
			err = s.sprStrategy(ctx)
		case StrategyTransfer:
			roots = NewRootLikelihoods()
			err = s.transferStrategy(ctx, roots)
		case StrategyHybrid:
			roots = NewRootLikelihoods()
			err = s.Hybrid(ctx, roots)
		case StrategyReroot:
			roots = NewRootLikelihoods()
			err = s.phase(ctx, "root", s.rootPhase(s.cfg.RootBigRadius, roots))
		case StrategyEvaluateOnly:
			err = s.refitRates(ctx, true)
		}
	}
	if err == nil {
		err = s.err
	}
	res := Result{
		Strategy:       strategy,
		LogLikelihood:  s.state.BestLL,
		Newick:         s.OutputTree().Newick(),
		Hash:           s.tree.Hash(),
		Order:          s.dated.Order(),
		Improvements:   s.state.Improvements(),
		Elapsed:        time.Since(started),
		RootLikelihood: roots,
	}
	s.logger.Info("search finished",
		slog.String("strategy", strategy.String()),
		slog.Float64("ll", res.LogLikelihood),
		slog.Int("improvements", res.Improvements),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, err
}

// untilFixedPoint alternates move and a rate refit until move accepts
// nothing.
func (s *Searcher) untilFixedPoint(ctx context.Context, name string, move func() bool) error {
	for {
		var improved bool
		if err := s.phase(ctx, name, func() error {
			improved = move()
			return nil
		}); err != nil {
			return err
		}
		if err := s.refitRates(ctx, !improved); err != nil {
			return err
		}
		if !improved {
			return nil
		}
	}
}

func (s *Searcher) rootPhase(depth int, out *RootLikelihoods) func() error {
	return func() error {
		s.RootSearch(depth, out)
		return nil
	}
}

// sprStrategy grows the SPR radius from 1 to SPRRadius, refitting the rates
// before the search at every radius.
func (s *Searcher) sprStrategy(ctx context.Context) error {
	for radius := 1; radius <= s.cfg.SPRRadius; radius++ {
		if err := s.refitRates(ctx, false); err != nil {
			return err
		}
		if err := s.phase(ctx, "spr", func() error {
			s.SPRSearch(radius)
			return nil
		}); err != nil {
			return err
		}
	}
	return s.refitRates(ctx, true)
}

// transferStrategy runs transfer search to a fixed point followed by a deep
// root search, twice. Only the second root search records into roots.
func (s *Searcher) transferStrategy(ctx context.Context, roots *RootLikelihoods) error {
	for _, out := range []*RootLikelihoods{nil, roots} {
		if err := s.untilFixedPoint(ctx, "transfer", s.TransferSearch); err != nil {
			return err
		}
		if err := s.phase(ctx, "root", s.rootPhase(s.cfg.RootBigRadius, out)); err != nil {
			return err
		}
	}
	return nil
}

// Hybrid alternates transfer and SPR searches, each followed by a small root
// search, until a search leaves the topology unchanged. Both run at least
// once. A thorough rate refit, a deep root search and a thorough date
// optimization finish the run.
func (s *Searcher) Hybrid(ctx context.Context, roots *RootLikelihoods) error {
	if err := s.refitRates(ctx, false); err != nil {
		return err
	}
	if err := s.phase(ctx, "root", s.rootPhase(s.cfg.RootSmallRadius, nil)); err != nil {
		return err
	}
	previous := s.tree.Hash()
	for i := 0; ; i++ {
		name, move := "transfer", func() error { s.TransferSearch(); return nil }
		if i%2 == 1 {
			name, move = "spr", func() error { s.SPRSearch(s.cfg.SPRRadius); return nil }
		}
		if err := s.phase(ctx, name, move); err != nil {
			return err
		}
		if err := s.phase(ctx, "root", s.rootPhase(s.cfg.RootSmallRadius, nil)); err != nil {
			return err
		}
		if s.datesActive() {
			if err := s.phase(ctx, "dates", func() error { s.OptimizeDates(false); return nil }); err != nil {
				return err
			}
		}
		current := s.tree.Hash()
		if i > 0 && current == previous {
			break
		}
		previous = current
	}
	if err := s.refitRates(ctx, true); err != nil {
		return err
	}
	if err := s.phase(ctx, "root", s.rootPhase(s.cfg.RootBigRadius, roots)); err != nil {
		return err
	}
	if s.datesActive() {
		return s.phase(ctx, "dates", func() error { s.OptimizeDates(true); return nil })
	}
	return nil
}

// refitRates reoptimizes the rates and re-synchronizes the baseline.
func (s *Searcher) refitRates(ctx context.Context, thorough bool) error {
	return s.phase(ctx, "rates", func() error {
		before := s.state.BestLL
		ll := s.ev.OptimizeModelRates(thorough)
		var pf []float64
		if s.needPerFamily() {
			ll = s.ev.ComputeLikelihood(&pf)
		}
		if ll > before {
			s.report(ll, pf)
		} else {
			s.state.Reset(ll, pf)
		}
		return nil
	})
}

// phase runs fn inside a span after a collective cancellation check.
func (s *Searcher) phase(ctx context.Context, name string, fn func() error) error {
	if s.cancelled(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	spanCtx, ps := s.tracer.StartPhase(ctx, name, s.state.BestLL)
	s.spanCtx = spanCtx
	err := fn()
	s.spanCtx = context.Background()
	s.tracer.EndPhase(ps, s.state.BestLL, err)
	s.metrics.phase(name, time.Since(ps.started))
	return err
}

// cancelled reports whether any worker of the group sees ctx cancelled.
func (s *Searcher) cancelled(ctx context.Context) bool {
	flag := 0
	if ctx.Err() != nil {
		flag = 1
	}
	return s.pc.MaxInt(flag) == 1
}
