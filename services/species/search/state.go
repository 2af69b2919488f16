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
	"math"
	"os"
	"path/filepath"

	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// BetterTree describes a new best species tree.
type BetterTree struct {
	LogLikelihood float64
	Newick        string
	Hash          uint64
	Improvements  int
}

// Listener is notified whenever the search finds a better tree.
type Listener interface {
	OnBetterTree(bt BetterTree)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(bt BetterTree)

// OnBetterTree calls f(bt).
func (f ListenerFunc) OnBetterTree(bt BetterTree) { f(bt) }

// State is the best solution tracker shared by every search operation of one
// run.
//
// # Thread Safety
//
// Not safe for concurrent use. Each worker owns its State.
type State struct {
	// BestLL is the best log-likelihood found so far.
	BestLL float64

	// BestPerFamily holds the local per-family values of the best tree when
	// bootstrap testers are active.
	BestPerFamily []float64

	// BestTreePath, when set, receives the Newick of every new best tree.
	BestTreePath string

	// Testers score every tested tree for per-branch support.
	Testers []*BranchSupport

	// Gate filters accepted moves.
	Gate Gate

	writer       bool
	improvements int
	listeners    []Listener
}

// NewState returns a state with no best tree. Only a writer state persists
// BestTreePath and notifies listeners.
func NewState(writer bool) *State {
	return &State{BestLL: math.Inf(-1), writer: writer}
}

// AddListener registers l.
func (s *State) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Improvements returns the number of accepted improvements.
func (s *State) Improvements() int { return s.improvements }

// Reset sets the baseline without counting an improvement.
func (s *State) Reset(ll float64, perFamily []float64) {
	s.BestLL = ll
	if perFamily != nil {
		s.BestPerFamily = append(s.BestPerFamily[:0], perFamily...)
	}
}

// Report records ll as the new best when it improves BestLL. It returns
// whether the state changed.
func (s *State) Report(ll float64, perFamily []float64, t *tree.Tree) (bool, error) {
	if !(ll > s.BestLL) {
		return false, nil
	}
	s.Reset(ll, perFamily)
	s.improvements++
	if !s.writer {
		return true, nil
	}
	bt := BetterTree{LogLikelihood: ll, Newick: t.Newick(), Hash: t.Hash(), Improvements: s.improvements}
	if s.BestTreePath != "" {
		if err := writeAtomically(s.BestTreePath, bt.Newick+"\n"); err != nil {
			return true, err
		}
	}
	for _, l := range s.listeners {
		l.OnBetterTree(bt)
	}
	return true, nil
}

// BranchSupport returns, for every branch, the fraction of testers under
// which the reference tree won. Without testers every branch has support 1.
func (s *State) BranchSupport(branches int) []float64 {
	out := make([]float64, branches)
	for b := range out {
		if len(s.Testers) == 0 {
			out[b] = 1
			continue
		}
		ok := 0
		for _, t := range s.Testers {
			if t.IsOK(b) {
				ok++
			}
		}
		out[b] = float64(ok) / float64(len(s.Testers))
	}
	return out
}

func writeAtomically(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".besttree-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
