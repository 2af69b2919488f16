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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// Objective scores a rate vector; higher is better. Evaluate may adjust p
// (for example to keep it positive) and must cache the score in p.
type Objective interface {
	Evaluate(p *Parameters) float64
}

// ObjectiveFunc adapts a plain function to Objective and caches the score.
type ObjectiveFunc func(p *Parameters) float64

// Evaluate implements Objective.
func (f ObjectiveFunc) Evaluate(p *Parameters) float64 {
	s := f(p)
	p.SetScore(s)
	return s
}

// Strategy selects the optimization algorithm.
type Strategy int

const (
	// Gradient is steepest ascent with finite differences and an
	// expanding/shrinking line search.
	Gradient Strategy = iota
	// LBFGSB is a box-bounded quasi-Newton search.
	LBFGSB
	// Simplex is Nelder-Mead.
	Simplex
	// NoOptimization keeps the starting rates.
	NoOptimization
)

var strategyNames = map[Strategy]string{
	Gradient:       "gradient",
	LBFGSB:         "lbfgsb",
	Simplex:        "simplex",
	NoOptimization: "none",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a name such as "simplex" to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: optimizer strategy %q", ErrUnknownModel, name)
}

// Settings tunes the optimizers.
type Settings struct {
	Strategy Strategy

	// StartingAlpha is the first line-search step.
	StartingAlpha float64
	// MinAlpha ends the line search once the step shrinks below it.
	MinAlpha float64
	// Epsilon is the forward-difference step.
	Epsilon float64
	// LineSearchMinImprovement is the gain a line search needs to count as
	// progress.
	LineSearchMinImprovement float64
	// OptimizationMinImprovement ends the gradient loop when one iteration
	// gains less.
	OptimizationMinImprovement float64

	// SimplexTolerance ends Nelder-Mead once the replaced vertex moves less.
	SimplexTolerance float64
	// MaxIterations caps outer iterations of every strategy.
	MaxIterations int

	// Lower and Upper bound the quasi-Newton box.
	Lower float64
	Upper float64
	// GradientTolerance is the projected gradient threshold of LBFGSB.
	GradientTolerance float64

	// IndividualParams runs one-dimensional passes after the main strategy.
	IndividualParams         bool
	IndividualMinImprovement float64
	IndividualMaxIterations  int

	// OnBetterParameters is called whenever an iteration improves.
	OnBetterParameters func(Parameters)

	Logger *slog.Logger
}

// DefaultSettings returns the gradient strategy with its usual constants.
func DefaultSettings() Settings {
	return Settings{
		Strategy:                   Gradient,
		StartingAlpha:              0.1,
		MinAlpha:                   1e-7,
		Epsilon:                    1e-7,
		LineSearchMinImprovement:   0.1,
		OptimizationMinImprovement: 3.0,
		SimplexTolerance:           0.005,
		MaxIterations:              1000,
		Lower:                      MinRate,
		Upper:                      2.0,
		GradientTolerance:          1e-3,
		IndividualMinImprovement:   10.0,
		IndividualMaxIterations:    3,
	}
}

func (s Settings) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Settings) notify(p Parameters) {
	if s.OnBetterParameters != nil {
		s.OnBetterParameters(p)
	}
}

// Optimize maximizes obj from start.
//
// # Description
//
// Runs the configured strategy, then optional per-dimension passes. The
// result is never worse than start: if the strategy ends below the starting
// score, start is returned. A zero-dimensional start is returned unchanged
// without evaluating obj.
//
// # Inputs
//
//   - obj: Objective to maximize.
//   - start: Starting vector. Its cached score is ignored and re-evaluated.
//   - s: Settings.
//
// # Outputs
//
//   - Parameters: Best vector found, with its score.
func Optimize(obj Objective, start Parameters, s Settings) Parameters {
	if start.Dimensions() == 0 || s.Strategy == NoOptimization {
		return start.Clone()
	}
	counted := &countingObjective{inner: obj}
	initial := start.Clone()
	counted.Evaluate(&initial)

	var res Parameters
	switch s.Strategy {
	case Gradient:
		res = optimizeGradient(counted, initial, s)
	case LBFGSB:
		res = optimizeLBFGSB(counted, initial, s)
	case Simplex:
		res = optimizeSimplex(counted, initial, s)
	default:
		panic(fmt.Sprintf("rates: unknown strategy %d", int(s.Strategy)))
	}

	if s.IndividualParams && res.Dimensions() > 1 {
		for it := 0; it < s.IndividualMaxIterations; it++ {
			before := res.Score()
			res = optimizeIndividually(counted, res, s)
			if res.Score()-before <= s.IndividualMinImprovement {
				break
			}
		}
	}

	if !(res.Score() >= initial.Score()) {
		res = initial
	}
	recordOptimization(s.Strategy, counted.calls, res.Score()-initial.Score())
	s.logger().Debug("rates optimized",
		"strategy", s.Strategy.String(),
		"evaluations", counted.calls,
		"score", res.Score(),
		"gain", res.Score()-initial.Score())
	return res
}

type countingObjective struct {
	inner Objective
	calls int
}

func (c *countingObjective) Evaluate(p *Parameters) float64 {
	c.calls++
	return c.inner.Evaluate(p)
}

// =============================================================================
// Gradient
// =============================================================================

func optimizeGradient(obj Objective, current Parameters, s Settings) Parameters {
	dims := current.Dimensions()
	gradient := Zeros(dims)
	for it := 0; it < s.MaxIterations; it++ {
		for i := 0; i < dims; i++ {
			probe := current.Clone()
			probe.Set(i, probe.At(i)+s.Epsilon)
			obj.Evaluate(&probe)
			g := (probe.Score() - current.Score()) / s.Epsilon
			if math.IsNaN(g) || math.IsInf(g, 0) {
				g = 0
			}
			gradient.Set(i, g)
		}
		old := current.Score()
		var progressed bool
		current, progressed = lineSearch(obj, current, gradient, s)
		if !progressed || current.Score()-old < s.OptimizationMinImprovement {
			break
		}
		s.notify(current)
	}
	return current
}

// lineSearch walks along the normalized gradient. It returns the best point and
// whether the search made enough progress to justify another gradient.
func lineSearch(obj Objective, current, gradient Parameters, s Settings) (Parameters, bool) {
	direction := gradient.Normalized()
	if direction.Norm() == 0 {
		return current, false
	}
	alpha := s.StartingAlpha
	noImprovement := true
	for alpha > s.MinAlpha {
		proposal := current.Add(direction.Scale(alpha))
		obj.Evaluate(&proposal)
		gain := proposal.Score() - current.Score()
		if gain > 0 {
			current = proposal
			alpha *= 1.5
			if gain > s.LineSearchMinImprovement {
				noImprovement = false
			}
			continue
		}
		alpha *= 0.5
		if !noImprovement && current.Dimensions() > 1 {
			return current, true
		}
	}
	return current, !noImprovement
}

// =============================================================================
// Individual dimensions
// =============================================================================

type oneDimension struct {
	base  Parameters
	index int
	inner Objective
}

func (o *oneDimension) Evaluate(p *Parameters) float64 {
	full := o.base.Clone()
	full.Set(o.index, p.At(0))
	s := o.inner.Evaluate(&full)
	p.Set(0, full.At(o.index))
	p.SetScore(s)
	return s
}

func optimizeIndividually(obj Objective, current Parameters, s Settings) Parameters {
	single := s
	single.OptimizationMinImprovement = math.Inf(1)
	single.IndividualParams = false
	for i := 0; i < current.Dimensions(); i++ {
		one := &oneDimension{base: current, index: i, inner: obj}
		p := NewParameters(current.At(i))
		p.SetScore(current.Score())
		var res Parameters
		switch single.Strategy {
		case Simplex:
			res = optimizeSimplex(one, p, single)
		case LBFGSB:
			res = optimizeLBFGSB(one, p, single)
		default:
			res = optimizeGradient(one, p, single)
		}
		if res.Score() > current.Score() {
			current = current.Clone()
			current.Set(i, res.At(0))
			current.SetScore(res.Score())
			s.notify(current)
		}
	}
	return current
}

// =============================================================================
// Bounded quasi-Newton
// =============================================================================

// infeasiblePenalty replaces an infinite negated score so the minimizer sees
// a finite value.
const infeasiblePenalty = 1e100

func optimizeLBFGSB(obj Objective, start Parameters, s Settings) Parameters {
	box := func(x []float64) Parameters {
		p := NewParameters(x...)
		p.Clamp(s.Lower, s.Upper)
		return p
	}
	f := func(x []float64) float64 {
		p := box(x)
		v := -obj.Evaluate(&p)
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return infeasiblePenalty
		}
		return v
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Forward, Step: s.Epsilon})
		},
	}
	x0 := start.Clone()
	x0.Clamp(s.Lower, s.Upper)
	settings := &optimize.Settings{
		GradientThreshold: s.GradientTolerance,
		MajorIterations:   s.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Iterations: 10,
		},
	}
	result, err := optimize.Minimize(problem, x0.values, settings, &optimize.LBFGS{})
	if err != nil && result == nil {
		s.logger().Debug("lbfgsb failed", "error", err)
		return start
	}
	best := box(result.X)
	obj.Evaluate(&best)
	if best.Score() < start.Score() {
		return start
	}
	s.notify(best)
	return best
}

// =============================================================================
// Nelder-Mead
// =============================================================================

const (
	simplexStep       = 0.09
	simplexLinePoints = 8
)

func optimizeSimplex(obj Objective, start Parameters, s Settings) Parameters {
	n := start.Dimensions()
	points := []Parameters{start.Clone()}
	for r := 0; r < n; r++ {
		p := start.Clone()
		p.Set(r, p.At(r)-simplexStep)
		obj.Evaluate(&p)
		points = append(points, p)
	}
	byScore := func() {
		sort.SliceStable(points, func(a, b int) bool {
			return points[a].Score() > points[b].Score()
		})
	}
	byScore()

	for it := 0; it < s.MaxIterations; it++ {
		worst := points[n]
		centroid := Zeros(n)
		for _, p := range points[:n] {
			centroid = centroid.Add(p)
		}
		centroid = centroid.Scale(1 / float64(n))

		// contraction and expansion end points, sampled along the line
		away := centroid.Sub(worst)
		inner := centroid.Sub(away.Scale(0.5))
		outer := centroid.Add(away.Scale(1.5))
		candidate := bestOnSegment(obj, inner, outer)
		if candidate.Score() > worst.Score() {
			points[n] = candidate
		}
		moved := worst.Distance(points[n])
		byScore()
		if moved <= s.SimplexTolerance {
			break
		}
		s.notify(points[0])
	}
	return points[0]
}

func bestOnSegment(obj Objective, from, to Parameters) Parameters {
	var best Parameters
	found := false
	for i := 0; i < simplexLinePoints; i++ {
		t := float64(i) / float64(simplexLinePoints-1)
		p := from.Add(to.Sub(from).Scale(t))
		obj.Evaluate(&p)
		if !found || p.Score() > best.Score() {
			best, found = p, true
		}
	}
	return best
}
