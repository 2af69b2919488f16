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
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel indicates an unrecognized model or constraint name.
var ErrUnknownModel = errors.New("unknown reconciliation model")

// Model selects the reconciliation model variant.
type Model int

const (
	ParsimonyD Model = iota
	SimpleDS
	UndatedDL
	UndatedDTL
)

var modelNames = map[Model]string{
	ParsimonyD: "parsimony-d",
	SimpleDS:   "simple-ds",
	UndatedDL:  "undated-dl",
	UndatedDTL: "undated-dtl",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// ParseModel maps a name such as "undated-dtl" to a Model.
func ParseModel(name string) (Model, error) {
	for m, n := range modelNames {
		if strings.EqualFold(n, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// FreeParameters returns the number of rates the model fits.
func (m Model) FreeParameters() int {
	switch m {
	case SimpleDS:
		return 1
	case UndatedDL:
		return 2
	case UndatedDTL:
		return 3
	default:
		return 0
	}
}

// ParameterNames returns the rate names in vector order.
func (m Model) ParameterNames() []string {
	return []string{"D", "L", "T"}[:m.FreeParameters()]
}

// TransferConstraint restricts which species pairs may exchange transfers.
type TransferConstraint int

const (
	TransferNone TransferConstraint = iota
	TransferParents
	TransferRelDated
)

var constraintNames = map[TransferConstraint]string{
	TransferNone:     "none",
	TransferParents:  "parents",
	TransferRelDated: "reldated",
}

func (c TransferConstraint) String() string {
	if name, ok := constraintNames[c]; ok {
		return name
	}
	return fmt.Sprintf("constraint(%d)", int(c))
}

// ParseTransferConstraint maps a name such as "reldated" to a constraint.
func ParseTransferConstraint(name string) (TransferConstraint, error) {
	for c, n := range constraintNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: transfer constraint %q", ErrUnknownModel, name)
}

// ModelInfo describes how rates are shaped and shared.
type ModelInfo struct {
	Model              Model
	PerFamilyRates     bool
	PruneSpeciesTree   bool
	TransferConstraint TransferConstraint
}

// FreeParameters returns the per-partition rate count.
func (i ModelInfo) FreeParameters() int { return i.Model.FreeParameters() }

// DefaultRates returns the starting rates for the model.
func (i ModelInfo) DefaultRates() Parameters {
	all := []float64{0.2, 0.2, 0.1}
	return NewParameters(all[:i.FreeParameters()]...)
}

// ModelParameters holds either one global rate vector or one per family.
type ModelParameters struct {
	Info     ModelInfo
	Rates    Parameters
	Families int
}

// NewModelParameters replicates start for every family when rates are per
// family.
func NewModelParameters(start Parameters, families int, info ModelInfo) ModelParameters {
	mp := ModelParameters{Info: info, Families: families}
	if !info.PerFamilyRates {
		mp.Rates = start.Clone()
		return mp
	}
	values := make([]float64, 0, families*start.Dimensions())
	for f := 0; f < families; f++ {
		values = append(values, start.values...)
	}
	mp.Rates = NewParameters(values...)
	mp.Rates.score = start.score
	return mp
}

// RatesFor returns the rates used by family.
func (mp ModelParameters) RatesFor(family int) Parameters {
	if !mp.Info.PerFamilyRates {
		return mp.Rates.Clone()
	}
	n := mp.Info.FreeParameters()
	return NewParameters(mp.Rates.values[family*n : (family+1)*n]...)
}

// SetRatesFor overwrites the rates of family.
func (mp *ModelParameters) SetRatesFor(family int, p Parameters) {
	if !mp.Info.PerFamilyRates {
		mp.Rates = p.Clone()
		return
	}
	n := mp.Info.FreeParameters()
	copy(mp.Rates.values[family*n:(family+1)*n], p.values)
}

// Clone returns a deep copy.
func (mp ModelParameters) Clone() ModelParameters {
	out := mp
	out.Rates = mp.Rates.Clone()
	return out
}
