// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scaled provides a non-negative real number with an extended
// exponent range, used to accumulate reconciliation probabilities that would
// underflow a float64.
//
// A Number represents mantissa * Threshold^scale, where Threshold is 2^-256.
// Small values carry a large scale. The null value (exact zero) uses the
// NullScale sentinel so that it compares below every other value.
//
// # Thread Safety
//
// Number is an immutable value type and is safe to share.
package scaled

import (
	"fmt"
	"math"
)

const (
	// Factor is the rescaling constant K = 2^256.
	Factor = 115792089237316195423570985008687907853269984665640564039457584007913129639936.0

	// Threshold is 1/K. A mantissa below it is rescaled.
	Threshold = 1.0 / Factor

	// NullScale marks the null value.
	NullScale = math.MaxInt32/2 - 1

	// subtractTolerance absorbs round-off when subtracting nearly equal values.
	subtractTolerance = 1e-10
)

var logThreshold = math.Log(Threshold)

// Number is a mantissa/scale pair. The zero value is NOT the null value;
// use Null() for an exact zero.
type Number struct {
	mantissa float64
	scale    int
}

// Null returns the exact zero.
func Null() Number {
	return Number{mantissa: 0, scale: NullScale}
}

// One returns 1.0 with scale 0.
func One() Number {
	return Number{mantissa: 1, scale: 0}
}

// FromFloat converts a non-negative float64.
//
// # Inputs
//
//   - v: Value to convert. Must be >= 0 and not NaN.
//
// # Outputs
//
//   - Number: v with scale 0, or Null for zero.
//
// # Panics
//
// Panics on negative or NaN input. Reconciliation probabilities are never
// negative, so a negative operand is a caller bug.
func FromFloat(v float64) Number {
	if v < 0 || math.IsNaN(v) {
		panic(fmt.Sprintf("scaled: negative or NaN operand %v", v))
	}
	// Zero maps to Null so that adding it to a scaled value keeps that value.
	if v == 0 {
		return Null()
	}
	return Number{mantissa: v, scale: 0}
}

// New builds a Number from an explicit mantissa and scale.
func New(mantissa float64, scale int) Number {
	if mantissa < 0 || math.IsNaN(mantissa) {
		panic(fmt.Sprintf("scaled: negative or NaN mantissa %v", mantissa))
	}
	return Number{mantissa: mantissa, scale: scale}
}

// Mantissa returns the raw mantissa.
func (n Number) Mantissa() float64 { return n.mantissa }

// Scale returns the raw scale.
func (n Number) Scale() int { return n.scale }

// IsNull reports whether n is an exact zero.
func (n Number) IsNull() bool { return n.mantissa == 0 }

// Add returns n + v. When scales differ the operand with the larger scale is
// negligible and is dropped.
func (n Number) Add(v Number) Number {
	switch {
	case n.scale == v.scale:
		return Number{mantissa: n.mantissa + v.mantissa, scale: n.scale}
	case v.scale < n.scale:
		return v
	default:
		return n
	}
}

// Sub returns n - v, rescaled.
//
// A negative difference within round-off of zero collapses to Null. Any other
// negative result panics.
func (n Number) Sub(v Number) Number {
	switch {
	case n.scale == v.scale:
		diff := n.mantissa - v.mantissa
		if diff < 0 {
			if math.Abs(diff) < subtractTolerance {
				return Null()
			}
			panic(fmt.Sprintf("scaled: negative result %s - %s", n, v))
		}
		return Number{mantissa: diff, scale: n.scale}.Rescale()
	case v.scale < n.scale:
		if v.IsNull() {
			return n
		}
		panic(fmt.Sprintf("scaled: negative result %s - %s", n, v))
	default:
		return n
	}
}

// Mul returns n * v. Scales add.
func (n Number) Mul(v Number) Number {
	return Number{mantissa: n.mantissa * v.mantissa, scale: n.scale + v.scale}.checkNull()
}

// MulFloat returns n * v for a plain non-negative factor.
func (n Number) MulFloat(v float64) Number {
	if v < 0 {
		panic(fmt.Sprintf("scaled: negative factor %v", v))
	}
	return Number{mantissa: n.mantissa * v, scale: n.scale}.checkNull()
}

// DivFloat returns n / v for a plain positive divisor.
func (n Number) DivFloat(v float64) Number {
	if v <= 0 {
		panic(fmt.Sprintf("scaled: non-positive divisor %v", v))
	}
	return Number{mantissa: n.mantissa / v, scale: n.scale}
}

// Rescale multiplies the mantissa by Factor and increments the scale for as
// long as the mantissa is below Threshold. Long multiplication chains must
// call it periodically so the mantissa never underflows to literal zero.
func (n Number) Rescale() Number {
	if n.IsNull() {
		return Null()
	}
	for n.mantissa < Threshold {
		n.scale++
		n.mantissa *= Factor
	}
	return n
}

func (n Number) checkNull() Number {
	if n.mantissa == 0 {
		return Null()
	}
	return n
}

// Less reports n < v. Null is smaller than everything else.
func (n Number) Less(v Number) bool {
	if n.IsNull() {
		return !v.IsNull()
	}
	if n.scale != v.scale {
		return n.scale > v.scale
	}
	return n.mantissa < v.mantissa
}

// LessEqual reports n <= v.
func (n Number) LessEqual(v Number) bool {
	if n.IsNull() {
		return true
	}
	if n.scale != v.scale {
		return n.scale > v.scale
	}
	return n.mantissa <= v.mantissa
}

// Greater reports n > v.
func (n Number) Greater(v Number) bool { return !n.LessEqual(v) }

// Equal reports n == v. All null values are equal.
func (n Number) Equal(v Number) bool {
	if n.IsNull() {
		return v.IsNull()
	}
	return n.scale == v.scale && n.mantissa == v.mantissa
}

// Float64 converts to a plain double. Values with a non-zero scale are too
// small to represent and convert to 0.
func (n Number) Float64() float64 {
	if n.scale != 0 {
		return 0
	}
	return n.mantissa
}

// Log returns the natural logarithm, -Inf for null.
func (n Number) Log() float64 {
	if n.scale == NullScale || n.IsNull() {
		return math.Inf(-1)
	}
	return math.Log(n.mantissa) + float64(n.scale)*logThreshold
}

// String formats n as "<mantissa>s<scale>".
func (n Number) String() string {
	return fmt.Sprintf("%gs%d", n.mantissa, n.scale)
}

// Product multiplies values left to right, rescaling after every step.
func Product(values ...Number) Number {
	acc := One()
	for _, v := range values {
		acc = acc.Mul(v).Rescale()
	}
	return acc
}
