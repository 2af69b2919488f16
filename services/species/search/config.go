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
	"log/slog"
)

// TransferCandidate is a user supplied transfer highway from a donor species
// node to a recipient species node.
type TransferCandidate struct {
	From   int
	To     int
	Weight float64
}

// Config holds the tunable thresholds of every search operation.
type Config struct {
	// SPRRadius bounds the regraft distance of SPR rounds.
	SPRRadius int

	// VeryLocalRadius bounds the regraft distance of the local search run
	// after each accepted move.
	VeryLocalRadius int

	// VeryLocalMaxTrials caps the moves tried by one local search.
	VeryLocalMaxTrials int

	// RootSmallRadius is the root search depth used between hybrid phases.
	RootSmallRadius int

	// RootBigRadius is the root search depth of the final hybrid pass and
	// of the reroot strategy.
	RootBigRadius int

	// RootDepthBonus extends the root search depth after an improvement.
	RootDepthBonus int

	// MinImprovement is the likelihood gain a move must exceed.
	MinImprovement float64

	// RatesPerMove refits the rates cheaply before scoring each move.
	RatesPerMove bool

	// TransferMaxFailures ends a transfer pass after this many consecutive
	// rejected candidates.
	TransferMaxFailures int

	// TransferMinImprovements ends a transfer pass after this many accepted
	// candidates. It is raised to a quarter of the species count.
	TransferMinImprovements int

	// TransferCandidates are extra highway candidates.
	TransferCandidates []TransferCandidate

	// OptimizeDates interleaves date optimization when the evaluator is dated.
	OptimizeDates bool

	// DateThoroughTrials caps the perturbation restarts of thorough dating.
	DateThoroughTrials int

	// DatePerturbation is the fraction of ranks perturbed by the first
	// restart. It grows with every consecutive failure.
	DatePerturbation float64

	// DateRandomStarts is the number of random datings searched on the
	// transfer score at the end of a thorough date optimization. Zero
	// disables it.
	DateRandomStarts int

	// DateRandomEvaluated is the number of best random datings whose
	// likelihood is computed and refined.
	DateRandomEvaluated int

	// BootstrapReplicates is the number of resampling replicates gating
	// acceptance. Zero disables the gate.
	BootstrapReplicates int

	// BootstrapMinSupport is the fraction of replicates that must agree with
	// an improving move.
	BootstrapMinSupport float64

	// Seed drives every random draw. It must be identical on all workers.
	Seed uint64

	// MetricsEnabled records Prometheus metrics on rank 0.
	MetricsEnabled bool

	// TracingEnabled emits OpenTelemetry spans for search phases.
	TracingEnabled bool

	Logger *slog.Logger
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{
		SPRRadius:               3,
		VeryLocalRadius:         1,
		VeryLocalMaxTrials:      20,
		RootSmallRadius:         3,
		RootBigRadius:           6,
		RootDepthBonus:          2,
		MinImprovement:          1e-3,
		RatesPerMove:            true,
		TransferMaxFailures:     50,
		TransferMinImprovements: 15,
		OptimizeDates:           true,
		DateThoroughTrials:      5,
		DatePerturbation:        0.1,
		DateRandomStarts:        4,
		DateRandomEvaluated:     2,
		BootstrapMinSupport:     0.5,
		MetricsEnabled:          true,
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	switch {
	case c.SPRRadius < 1:
		return fmt.Errorf("%w: spr radius %d", ErrInvalidConfig, c.SPRRadius)
	case c.VeryLocalRadius < 0:
		return fmt.Errorf("%w: very local radius %d", ErrInvalidConfig, c.VeryLocalRadius)
	case c.RootSmallRadius < 0 || c.RootBigRadius < 0:
		return fmt.Errorf("%w: negative root radius", ErrInvalidConfig)
	case c.MinImprovement < 0:
		return fmt.Errorf("%w: min improvement %g", ErrInvalidConfig, c.MinImprovement)
	case c.BootstrapReplicates < 0:
		return fmt.Errorf("%w: bootstrap replicates %d", ErrInvalidConfig, c.BootstrapReplicates)
	case c.BootstrapMinSupport < 0 || c.BootstrapMinSupport > 1:
		return fmt.Errorf("%w: bootstrap support %g", ErrInvalidConfig, c.BootstrapMinSupport)
	case c.DatePerturbation < 0 || c.DatePerturbation > 1:
		return fmt.Errorf("%w: date perturbation %g", ErrInvalidConfig, c.DatePerturbation)
	case c.DateRandomStarts < 0 || c.DateRandomEvaluated < 0:
		return fmt.Errorf("%w: negative random dating count", ErrInvalidConfig)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
