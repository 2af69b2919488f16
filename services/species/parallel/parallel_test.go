// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	pc := Local()

	assert.Equal(t, 0, pc.Rank())
	assert.Equal(t, 1, pc.Size())
	assert.Equal(t, 2.5, pc.SumFloat64(2.5))
	assert.Equal(t, []int{4}, pc.AllGatherInt(4))
	assert.Equal(t, 0, Begin(pc, 10))
	assert.Equal(t, 10, End(pc, 10))
}

func TestPartition_CoversEveryIndexOnce(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7} {
		for _, total := range []int{0, 1, 5, 10, 13} {
			covered := make([]int, total)
			for rank := 0; rank < size; rank++ {
				begin := share(rank, size, total)
				end := share(rank+1, size, total)
				for i := begin; i < end; i++ {
					covered[i]++
				}
			}
			for i, c := range covered {
				if c != 1 {
					t.Errorf("size=%d total=%d: index %d covered %d times, want 1", size, total, i, c)
				}
			}
		}
	}
}

func TestRun_Reductions(t *testing.T) {
	const size = 4
	var failures atomic.Int32

	err := Run(context.Background(), size, func(ctx context.Context, pc Context) error {
		r := pc.Rank()
		if got := pc.SumFloat64(float64(r)); got != 6 {
			failures.Add(1)
		}
		if got := pc.SumInt(1); got != size {
			failures.Add(1)
		}
		if got := pc.MaxInt(r * 10); got != 30 {
			failures.Add(1)
		}
		if got := pc.AllGatherInt(r); len(got) != size || got[3] != 3 {
			failures.Add(1)
		}
		if got := pc.SumInts([]int{r, 1}); got[0] != 6 || got[1] != size {
			failures.Add(1)
		}
		vec := make([]float64, r)
		if got := pc.ConcatFloat64s(vec); len(got) != 0+1+2+3 {
			failures.Add(1)
		}
		pc.Barrier()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(0), failures.Load())
}

func TestRun_ManyRounds(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, pc Context) error {
		for i := 0; i < 1000; i++ {
			if got := pc.SumInt(i); got != 3*i {
				return errors.New("bad sum")
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRun_FailingWorkerDoesNotDeadlock(t *testing.T) {
	boom := errors.New("boom")

	err := Run(context.Background(), 3, func(ctx context.Context, pc Context) error {
		if pc.Rank() == 1 {
			return boom
		}
		pc.SumInt(1)
		pc.SumInt(1)
		return nil
	})

	assert.ErrorIs(t, err, boom)
}

func TestRun_PanicIsReported(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, pc Context) error {
		if pc.Rank() == 0 {
			panic("invariant")
		}
		pc.Barrier()
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariant")
}

func TestRun_InvalidSize(t *testing.T) {
	err := Run(context.Background(), 0, func(ctx context.Context, pc Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSize)
}
