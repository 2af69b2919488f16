// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cladescore is a reference species tree evaluator. Each gene family
// votes for the species clades its gene tree groups together, and every
// internal node of the family's pruned species view is scored by whether one
// of those clades supports it.
//
// The model is deliberately simple. It exercises every hook the search
// relies on: pruned views with incremental invalidation, scaled products,
// per-family or global rate fitting, rollback of rates, dated transfer
// constraints and transfer statistics reduced across workers.
package cladescore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/parallel"
	"github.com/AleutianAI/speciesrax/services/species/rates"
	"github.com/AleutianAI/speciesrax/services/species/search"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

var (
	// ErrSpeciesOutOfRange indicates a family referencing a node index that
	// is not in the species tree.
	ErrSpeciesOutOfRange = errors.New("cladescore: species index out of range")

	// ErrNotALeaf indicates a family covering an internal species node.
	ErrNotALeaf = errors.New("cladescore: covered species is not a leaf")
)

// Config selects the model an Evaluator scores with.
type Config struct {
	Info     rates.ModelInfo
	Settings rates.Settings

	// Rates overrides the model's default starting rates when non-empty.
	Rates []float64

	Logger *slog.Logger
}

// Evaluator scores a species tree against the families of one worker.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Evaluator struct {
	tree     *tree.Tree
	dated    *dating.DatedTree
	pc       parallel.Context
	info     rates.ModelInfo
	settings rates.Settings
	params   rates.ModelParameters
	families []*family
	rollback []rates.ModelParameters
	logger   *slog.Logger
}

var _ search.Evaluator = (*Evaluator)(nil)

// New builds an evaluator over the local families.
//
// # Inputs
//
//   - t: Species tree shared with the searcher.
//   - dated: Dated order shared with the searcher. May be nil for undated
//     models.
//   - pc: Worker context.
//   - families: The families of this worker.
//   - cfg: Model configuration.
//
// # Outputs
//
//   - *Evaluator: Ready evaluator.
//   - error: ErrSpeciesOutOfRange, ErrNotALeaf or a view coverage error.
func New(t *tree.Tree, dated *dating.DatedTree, pc parallel.Context, families []Family, cfg Config) (*Evaluator, error) {
	if pc == nil {
		pc = parallel.Local()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := cfg.Info.DefaultRates()
	if len(cfg.Rates) == start.Dimensions() && len(cfg.Rates) > 0 {
		start = rates.NewParameters(cfg.Rates...)
	}
	e := &Evaluator{
		tree:     t,
		dated:    dated,
		pc:       pc,
		info:     cfg.Info,
		settings: cfg.Settings,
		params:   rates.NewModelParameters(start, len(families), cfg.Info),
		logger:   logger.With(slog.String("component", "cladescore")),
	}
	for i, fam := range families {
		if err := checkFamily(t, fam); err != nil {
			return nil, fmt.Errorf("family %d (%s): %w", i, fam.Name, err)
		}
		f, err := newFamily(t, fam, cfg.Info.PruneSpeciesTree)
		if err != nil {
			return nil, fmt.Errorf("family %d (%s): %w", i, fam.Name, err)
		}
		f.rates = e.params.RatesFor(i)
		e.families = append(e.families, f)
	}
	return e, nil
}

func checkFamily(t *tree.Tree, fam Family) error {
	check := func(n int, leaf bool) error {
		if n < 0 || n >= t.Len() {
			return fmt.Errorf("%w: %d", ErrSpeciesOutOfRange, n)
		}
		if leaf && !t.IsLeaf(n) {
			return fmt.Errorf("%w: %d", ErrNotALeaf, n)
		}
		return nil
	}
	for _, s := range fam.Species {
		if err := check(s, true); err != nil {
			return err
		}
	}
	for _, c := range fam.Clades {
		for _, s := range c {
			if err := check(s, true); err != nil {
				return err
			}
		}
	}
	for _, tr := range fam.Transfers {
		if err := check(tr.From, false); err != nil {
			return err
		}
		if err := check(tr.To, false); err != nil {
			return err
		}
	}
	return nil
}

// Parameters returns a copy of the current model parameters.
func (e *Evaluator) Parameters() rates.ModelParameters { return e.params.Clone() }

// SetParameters installs p on every family.
func (e *Evaluator) SetParameters(p rates.ModelParameters) {
	e.params = p.Clone()
	for i, f := range e.families {
		f.rates = e.params.RatesFor(i)
		f.fresh = false
	}
}

// ComputeLikelihood implements search.Evaluator.
func (e *Evaluator) ComputeLikelihood(perFamily *[]float64) float64 {
	if perFamily != nil {
		*perFamily = (*perFamily)[:0]
	}
	total := 0.0
	for _, f := range e.families {
		f.ll = f.compute(e.info, e.dated)
		f.fresh = true
		total += f.ll
		if perFamily != nil {
			*perFamily = append(*perFamily, f.ll)
		}
	}
	return e.pc.SumFloat64(total)
}

// ComputeLikelihoodFast implements search.Evaluator. Families untouched
// since their last evaluation reuse their cached value.
func (e *Evaluator) ComputeLikelihoodFast() float64 {
	total := 0.0
	for _, f := range e.families {
		if !f.fresh {
			f.ll = f.compute(e.info, e.dated)
			f.fresh = true
		}
		total += f.ll
	}
	return e.pc.SumFloat64(total)
}

// familyEvaluation adapts one family to the rate optimizer.
type familyEvaluation struct {
	e *Evaluator
	f *family
}

func (fe familyEvaluation) SetRates(p rates.Parameters) {
	fe.f.rates = p.Clone()
	fe.f.fresh = false
}

func (fe familyEvaluation) Evaluate() float64 {
	fe.f.ll = fe.f.compute(fe.e.info, fe.e.dated)
	fe.f.fresh = true
	return fe.f.ll
}

func (fe familyEvaluation) Info() rates.ModelInfo { return fe.e.info }

// OptimizeModelRates implements search.Evaluator. The fitted rates are kept
// only when they do not lower the likelihood.
func (e *Evaluator) OptimizeModelRates(thorough bool) float64 {
	before := e.ComputeLikelihoodFast()
	if e.info.FreeParameters() == 0 {
		return before
	}
	evals := make([]rates.FamilyEvaluation, len(e.families))
	for i, f := range e.families {
		evals[i] = familyEvaluation{e: e, f: f}
	}
	previous := e.params.Clone()
	fitted := rates.OptimizeModelParameters(e.pc, evals, previous, true, thorough, e.settings)
	e.SetParameters(fitted)
	after := e.ComputeLikelihoodFast()
	if after < before {
		e.SetParameters(previous)
		return e.ComputeLikelihoodFast()
	}
	if thorough {
		e.logger.Debug("rates refitted", slog.String("rates", fitted.Rates.String()), slog.Float64("ll", after))
	}
	return after
}

// OnSpeciesTreeChange implements search.Evaluator.
func (e *Evaluator) OnSpeciesTreeChange(nodes []int) {
	for _, f := range e.families {
		f.view.OnTopologyChange(nodes)
		f.refresh()
	}
}

// OnSpeciesDatesChange implements search.Evaluator.
func (e *Evaluator) OnSpeciesDatesChange() {
	if !e.IsDated() {
		return
	}
	for _, f := range e.families {
		if len(f.data.Transfers) > 0 {
			f.fresh = false
		}
	}
}

// PushRollback implements search.Evaluator.
func (e *Evaluator) PushRollback() {
	e.rollback = append(e.rollback, e.params.Clone())
}

// PopAndApplyRollback implements search.Evaluator.
func (e *Evaluator) PopAndApplyRollback() {
	top := e.pop()
	e.SetParameters(top)
}

// DropRollback implements search.Evaluator.
func (e *Evaluator) DropRollback() {
	e.pop()
}

func (e *Evaluator) pop() rates.ModelParameters {
	n := len(e.rollback)
	if n == 0 {
		panic("cladescore: rollback stack is empty")
	}
	top := e.rollback[n-1]
	e.rollback = e.rollback[:n-1]
	return top
}

// RollbackDepth returns the number of pending rollback snapshots.
func (e *Evaluator) RollbackDepth() int { return len(e.rollback) }

// IsDated implements search.Evaluator.
func (e *Evaluator) IsDated() bool {
	return e.info.Model == rates.UndatedDTL && e.info.TransferConstraint == rates.TransferRelDated
}

// TransferInformation implements search.Evaluator.
func (e *Evaluator) TransferInformation() search.TransferInformation {
	n := e.tree.Len()
	freq := make([]int, n*n)
	potential := make([]int, n*n)
	events := make([]int, 4*n)
	for _, f := range e.families {
		for _, tr := range f.data.Transfers {
			freq[tr.From*n+tr.To]++
			events[4*tr.To+3]++
		}
		var present []int
		for s := 0; s < n; s++ {
			if f.view.Representative(s) != tree.NoNode {
				present = append(present, s)
			}
		}
		for _, a := range present {
			for _, b := range present {
				if a != b {
					potential[a*n+b]++
				}
			}
		}
		for s := 0; s < n; s++ {
			switch rep := f.view.Representative(s); {
			case rep == s && !f.view.IsLeaf(s) && f.support[s]:
				events[4*s]++
			case rep == s && !f.view.IsLeaf(s):
				events[4*s+1]++
			case rep != s && rep != tree.NoNode:
				events[4*s+2]++
			}
		}
	}
	freq = e.pc.SumInts(freq)
	potential = e.pc.SumInts(potential)
	events = e.pc.SumInts(events)

	info := search.TransferInformation{
		Frequencies: make([][]int, n),
		Potential:   make([][]int, n),
		PerSpecies:  make([]search.SpeciesEvents, n),
	}
	for i := 0; i < n; i++ {
		info.Frequencies[i] = freq[i*n : (i+1)*n]
		info.Potential[i] = potential[i*n : (i+1)*n]
		info.PerSpecies[i] = search.SpeciesEvents{
			Speciations:  events[4*i],
			Duplications: events[4*i+1],
			Losses:       events[4*i+2],
			Transfers:    events[4*i+3],
		}
	}
	return info
}
