// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parallel provides the worker context used by the search: every
// worker holds a replica of the species tree and a disjoint slice of gene
// families, and all scalar quantities are combined through blocking
// collective reductions.
//
// Workers must call reductions in the same order. A worker that holds no
// families still participates and contributes a neutral value.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrGroupBroken is raised inside a worker blocked in a reduction when
	// another worker of the group has failed.
	ErrGroupBroken = errors.New("parallel: worker group broken")

	// ErrInvalidSize indicates a non-positive worker count.
	ErrInvalidSize = errors.New("parallel: worker count must be positive")
)

// Context is the view one worker has of its group.
type Context interface {
	// Rank returns the worker index in [0, Size).
	Rank() int

	// Size returns the number of workers.
	Size() int

	SumFloat64(v float64) float64
	SumInt(v int) int
	MaxInt(v int) int

	// SumInts sums equal-length vectors element-wise.
	SumInts(v []int) []int

	// AllGatherInt returns every worker's value indexed by rank.
	AllGatherInt(v int) []int

	// ConcatFloat64s concatenates per-worker vectors in rank order.
	ConcatFloat64s(v []float64) []float64

	Barrier()
}

// Begin returns the first index of the worker's contiguous share of total.
func Begin(pc Context, total int) int {
	return share(pc.Rank(), pc.Size(), total)
}

// End returns one past the last index of the worker's share of total.
func End(pc Context, total int) int {
	return share(pc.Rank()+1, pc.Size(), total)
}

func share(rank, size, total int) int {
	return rank * total / size
}

// =============================================================================
// Sequential context
// =============================================================================

type local struct{}

// Local returns the sequential context: one worker, reductions are identity.
// Per-family rate optimization runs under it so that one worker's families
// are never mixed with another's.
func Local() Context { return local{} }

func (local) Rank() int                            { return 0 }
func (local) Size() int                            { return 1 }
func (local) SumFloat64(v float64) float64         { return v }
func (local) SumInt(v int) int                     { return v }
func (local) MaxInt(v int) int                     { return v }
func (local) SumInts(v []int) []int                { return append([]int(nil), v...) }
func (local) AllGatherInt(v int) []int             { return []int{v} }
func (local) ConcatFloat64s(v []float64) []float64 { return append([]float64(nil), v...) }
func (local) Barrier()                             {}

// =============================================================================
// In-process worker group
// =============================================================================

// hub exchanges one value per worker per round.
type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
	slots   []any
	result  []any
	broken  bool
}

func newHub(size int) *hub {
	h := &hub{size: size, slots: make([]any, size)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *hub) exchange(rank int, v any) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broken {
		panic(ErrGroupBroken)
	}
	gen := h.gen
	h.slots[rank] = v
	h.arrived++
	if h.arrived == h.size {
		h.result = h.slots
		h.slots = make([]any, h.size)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return h.result
	}
	for gen == h.gen && !h.broken {
		h.cond.Wait()
	}
	if gen == h.gen {
		panic(ErrGroupBroken)
	}
	return h.result
}

func (h *hub) breakGroup() {
	h.mu.Lock()
	h.broken = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

type worker struct {
	rank int
	hub  *hub
}

func (w *worker) Rank() int { return w.rank }
func (w *worker) Size() int { return w.hub.size }

func (w *worker) SumFloat64(v float64) float64 {
	sum := 0.0
	for _, x := range w.hub.exchange(w.rank, v) {
		sum += x.(float64)
	}
	return sum
}

func (w *worker) SumInt(v int) int {
	sum := 0
	for _, x := range w.hub.exchange(w.rank, v) {
		sum += x.(int)
	}
	return sum
}

func (w *worker) MaxInt(v int) int {
	all := w.hub.exchange(w.rank, v)
	best := all[0].(int)
	for _, x := range all[1:] {
		if x.(int) > best {
			best = x.(int)
		}
	}
	return best
}

func (w *worker) SumInts(v []int) []int {
	out := make([]int, len(v))
	for _, x := range w.hub.exchange(w.rank, v) {
		other := x.([]int)
		if len(other) != len(out) {
			panic(fmt.Sprintf("parallel: SumInts length %d on rank %d, %d elsewhere", len(v), w.rank, len(other)))
		}
		for i := range other {
			out[i] += other[i]
		}
	}
	return out
}

func (w *worker) AllGatherInt(v int) []int {
	all := w.hub.exchange(w.rank, v)
	out := make([]int, len(all))
	for i, x := range all {
		out[i] = x.(int)
	}
	return out
}

func (w *worker) ConcatFloat64s(v []float64) []float64 {
	var out []float64
	for _, x := range w.hub.exchange(w.rank, v) {
		out = append(out, x.([]float64)...)
	}
	return out
}

func (w *worker) Barrier() {
	w.hub.exchange(w.rank, nil)
}

// Run starts size workers in goroutines, each with its own Context, and waits
// for all of them.
//
// # Description
//
// Workers share one reduction hub. When a worker returns an error or panics,
// the hub is broken so that peers blocked in a reduction abort instead of
// waiting forever. The first error is returned.
//
// # Inputs
//
//   - ctx: Passed through to every worker.
//   - size: Number of workers. Must be positive.
//   - fn: Worker body.
//
// # Outputs
//
//   - error: The first worker error, ErrGroupBroken for peers aborted by it.
func Run(ctx context.Context, size int, fn func(ctx context.Context, pc Context) error) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	h := newHub(size)
	var (
		causeMu sync.Mutex
		cause   error
	)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		w := &worker{rank: rank, hub: h}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					if e, ok := r.(error); ok && errors.Is(e, ErrGroupBroken) {
						err = ErrGroupBroken
					} else {
						err = fmt.Errorf("parallel: worker %d panicked: %v", w.rank, r)
					}
				}
				if err != nil {
					causeMu.Lock()
					if cause == nil && !errors.Is(err, ErrGroupBroken) {
						cause = err
					}
					causeMu.Unlock()
					h.breakGroup()
				}
			}()
			return fn(gctx, w)
		})
	}
	err := g.Wait()
	if cause != nil {
		return cause
	}
	return err
}
