// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search implements the species tree search: SPR rounds, transfer
// guided moves, branch-and-bound re-rooting, date optimization and the hybrid
// driver composing them.
//
// Every worker of a parallel group runs the same Searcher over a replica of
// the species tree. All decisions depend only on reduced quantities, so the
// replicas stay identical without broadcasting topology.
package search

// Evaluator scores the species tree against the gene families of one worker.
//
// All likelihood methods return the value reduced across the worker group.
// Implementations must call the group reductions in the same order on every
// worker.
type Evaluator interface {
	// ComputeLikelihood recomputes the likelihood from the invalidated state.
	// When perFamily is non-nil it receives the local per-family values.
	ComputeLikelihood(perFamily *[]float64) float64

	// ComputeLikelihoodFast may reuse cached partial state.
	ComputeLikelihoodFast() float64

	// OptimizeModelRates refits the rates and returns the new likelihood.
	// It never returns less than the likelihood at the current rates.
	OptimizeModelRates(thorough bool) float64

	// OnSpeciesTreeChange invalidates the given species nodes and their
	// ancestors. nil invalidates everything.
	OnSpeciesTreeChange(nodes []int)

	// OnSpeciesDatesChange invalidates state depending on the dated order.
	OnSpeciesDatesChange()

	// PushRollback snapshots evaluator private state.
	PushRollback()

	// PopAndApplyRollback restores and removes the latest snapshot.
	PopAndApplyRollback()

	// DropRollback removes the latest snapshot without applying it.
	DropRollback()

	// TransferInformation returns the transfer statistics of the current
	// maximum likelihood reconciliations, reduced across workers.
	TransferInformation() TransferInformation

	// IsDated reports whether the likelihood depends on the dated order.
	IsDated() bool
}

// SpeciesEvents counts reconciliation events mapped to one species node.
type SpeciesEvents struct {
	Speciations  int
	Duplications int
	Losses       int
	Transfers    int
}

// TransferInformation summarizes inferred transfers between species nodes.
//
// Frequencies[from][to] counts the transfers observed from donor to
// recipient. Potential[from][to] counts the families in which such a
// transfer could have been observed. Both are square over species indices;
// nil matrices mean no information.
type TransferInformation struct {
	Frequencies [][]int
	Potential   [][]int
	PerSpecies  []SpeciesEvents
}

// TotalTransfers returns the sum of all transfer frequencies.
func (ti TransferInformation) TotalTransfers() int {
	total := 0
	for _, row := range ti.Frequencies {
		for _, v := range row {
			total += v
		}
	}
	return total
}
