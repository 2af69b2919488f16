// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rates holds duplication/loss/transfer rate vectors and the
// numerical optimizers that fit them to a likelihood.
package rates

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// MinRate is the smallest rate an objective ever sees.
const MinRate = 1e-10

// Parameters is a fixed-dimension rate vector with the score of its last
// evaluation. Methods returning Parameters never alias the receiver.
type Parameters struct {
	values []float64
	score  float64
}

// NewParameters returns an unevaluated vector holding values.
func NewParameters(values ...float64) Parameters {
	return Parameters{values: append([]float64(nil), values...), score: math.Inf(-1)}
}

// Zeros returns an unevaluated zero vector of dimension n.
func Zeros(n int) Parameters {
	return Parameters{values: make([]float64, n), score: math.Inf(-1)}
}

// Clone returns a deep copy.
func (p Parameters) Clone() Parameters {
	return Parameters{values: append([]float64(nil), p.values...), score: p.score}
}

// Dimensions returns the vector length.
func (p Parameters) Dimensions() int { return len(p.values) }

// At returns component i.
func (p Parameters) At(i int) float64 { return p.values[i] }

// Set assigns component i.
func (p *Parameters) Set(i int, v float64) { p.values[i] = v }

// Values returns a copy of the components.
func (p Parameters) Values() []float64 { return append([]float64(nil), p.values...) }

// Score returns the cached score, -Inf when never evaluated.
func (p Parameters) Score() float64 { return p.score }

// SetScore caches a score.
func (p *Parameters) SetScore(s float64) { p.score = s }

// Add returns p + q. The score is reset.
func (p Parameters) Add(q Parameters) Parameters {
	out := Zeros(len(p.values))
	floats.AddTo(out.values, p.values, q.values)
	return out
}

// Sub returns p - q. The score is reset.
func (p Parameters) Sub(q Parameters) Parameters {
	out := Zeros(len(p.values))
	floats.SubTo(out.values, p.values, q.values)
	return out
}

// Scale returns p * f. The score is reset.
func (p Parameters) Scale(f float64) Parameters {
	out := Zeros(len(p.values))
	floats.ScaleTo(out.values, f, p.values)
	return out
}

// Distance returns the Euclidean distance between p and q.
func (p Parameters) Distance(q Parameters) float64 {
	return floats.Distance(p.values, q.values, 2)
}

// Norm returns the Euclidean norm.
func (p Parameters) Norm() float64 {
	return floats.Norm(p.values, 2)
}

// Normalized returns p scaled to unit norm, or a zero vector when p is zero
// or not finite.
func (p Parameters) Normalized() Parameters {
	n := p.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Zeros(len(p.values))
	}
	return p.Scale(1 / n)
}

// EnsurePositivity raises every component to at least MinRate.
func (p *Parameters) EnsurePositivity() {
	for i, v := range p.values {
		if v < MinRate || math.IsNaN(v) {
			p.values[i] = MinRate
		}
	}
}

// Clamp restricts every component to [lower, upper].
func (p *Parameters) Clamp(lower, upper float64) {
	for i, v := range p.values {
		p.values[i] = math.Min(math.Max(v, lower), upper)
	}
}

// String formats the vector as "(v1, v2, ...) ll=<score>".
func (p Parameters) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("(%s) ll=%g", strings.Join(parts, ", "), p.score)
}
