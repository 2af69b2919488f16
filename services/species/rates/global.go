// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rates

import (
	"math"

	"github.com/AleutianAI/speciesrax/services/species/parallel"
)

// FamilyEvaluation is the per-family likelihood the optimizer drives.
type FamilyEvaluation interface {
	// SetRates installs the rates used by the next Evaluate.
	SetRates(p Parameters)
	// Evaluate returns the family log-likelihood under the installed rates.
	Evaluate() float64
	// Info describes the model the family is evaluated under.
	Info() ModelInfo
}

// isValidLikelihood rejects non-finite and non-negative sums.
func isValidLikelihood(ll float64) bool {
	return !math.IsNaN(ll) && !math.IsInf(ll, 0) && ll != 0 && ll < -1e-7
}

// familiesObjective sums the local families and reduces across workers.
type familiesObjective struct {
	pc    parallel.Context
	evals []FamilyEvaluation
}

func (o familiesObjective) Evaluate(p *Parameters) float64 {
	p.EnsurePositivity()
	ll := 0.0
	for _, e := range o.evals {
		e.SetRates(*p)
		ll += e.Evaluate()
	}
	ll = o.pc.SumFloat64(ll)
	if !isValidLikelihood(ll) {
		ll = math.Inf(-1)
	}
	p.SetScore(ll)
	return ll
}

// OptimizeParameters fits one rate vector shared by evals on every worker.
func OptimizeParameters(pc parallel.Context, evals []FamilyEvaluation, start Parameters, s Settings) Parameters {
	return Optimize(familiesObjective{pc: pc, evals: evals}, start, s)
}

// startingPoints returns the multi-start grid for a model with n free rates.
func startingPoints(n int) []Parameters {
	switch n {
	case 1:
		return []Parameters{
			NewParameters(0.1), NewParameters(0.3), NewParameters(1.0), NewParameters(10.0),
		}
	case 2:
		return []Parameters{
			NewParameters(0.1, 0.2), NewParameters(0.2, 0.2), NewParameters(0.5, 0.5),
			NewParameters(0.5, 1.0), NewParameters(0.01, 0.01),
		}
	case 3:
		return []Parameters{
			NewParameters(0.1, 0.2, 0.1), NewParameters(0.01, 0.01, 0.01),
		}
	default:
		out := []Parameters{Zeros(n), Zeros(n)}
		for i := 0; i < n; i++ {
			out[0].Set(i, 0.1)
			out[1].Set(i, 0.01)
		}
		return out
	}
}

// OptimizeGlobal fits a shared rate vector from start (when non-nil) and
// from the model's starting grid, keeping the best result.
//
// # Description
//
// The number of free parameters is the maximum reported across workers, so a
// worker holding no families still agrees with its peers. With zero free
// parameters, start (or an empty vector) is returned unchanged.
func OptimizeGlobal(pc parallel.Context, evals []FamilyEvaluation, start *Parameters, s Settings) Parameters {
	free := 0
	if len(evals) > 0 {
		free = evals[0].Info().FreeParameters()
	}
	free = pc.MaxInt(free)
	if free == 0 {
		if start != nil {
			return start.Clone()
		}
		return Parameters{}
	}
	var starts []Parameters
	if start != nil {
		starts = append(starts, start.Clone())
	}
	starts = append(starts, startingPoints(free)...)
	pc.Barrier()

	var best Parameters
	for i, p := range starts {
		res := OptimizeParameters(pc, evals, p, s)
		if i == 0 || res.Score() > best.Score() {
			best = res
		}
	}
	return best
}

// OptimizeModelParameters fits the model rates. Per-family rates are indexed
// by the position of the family in evals.
//
// # Description
//
// Global rates get one optimization reduced across all workers. Per-family
// rates are fitted one family at a time under the sequential context, so each
// worker optimizes its own families without reductions. When fromStart is
// false the starting rates only seed the result shape and the grid is used.
// Thorough runs use the multi-start grid; fast runs refine from start only.
func OptimizeModelParameters(pc parallel.Context, evals []FamilyEvaluation, start ModelParameters, fromStart, thorough bool, s Settings) ModelParameters {
	res := start.Clone()
	if start.Info.FreeParameters() == 0 {
		return res
	}
	optimizeOne := func(ctx parallel.Context, local []FamilyEvaluation, rates Parameters) Parameters {
		if !thorough && fromStart {
			return OptimizeParameters(ctx, local, rates, s)
		}
		var seed *Parameters
		if fromStart {
			seed = &rates
		}
		return OptimizeGlobal(ctx, local, seed, s)
	}
	if !start.Info.PerFamilyRates {
		res.Rates = optimizeOne(pc, evals, start.Rates)
		return res
	}
	seq := parallel.Local()
	total := 0.0
	for i, e := range evals {
		local := optimizeOne(seq, []FamilyEvaluation{e}, start.RatesFor(i))
		res.SetRatesFor(i, local)
		total += local.Score()
	}
	res.Rates.SetScore(pc.SumFloat64(total))
	return res
}
