// Copyright 2025 SQLBarber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func gridSpace(dims, width int) *Space {
	s := &Space{}
	for d := 0; d < dims; d++ {
		values := make([]string, width)
		for i := range values {
			values[i] = string(rune('a' + i))
		}
		s.Params = append(s.Params, Param{Values: values})
	}
	return s
}

func TestOptimizerCapsTrialsToSpaceSize(t *testing.T) {
	space := gridSpace(1, 4)
	evals := 0
	obj := func(c Config) (float64, float64) {
		evals++
		return float64(c[0]), float64(c[0])
	}
	opt := NewOptimizer(space, obj, Options{Trials: 50, InitialConfigs: 10, Seed: 1})
	trials := opt.Run()
	// A space smaller than the budget caps the run without error and never
	// revisits a configuration.
	require.Len(t, trials, 4)
	require.Equal(t, 4, evals)
	seen := map[uint64]struct{}{}
	for _, tr := range trials {
		fp := tr.Config.Fingerprint()
		_, dup := seen[fp]
		require.False(t, dup)
		seen[fp] = struct{}{}
	}
}

func TestOptimizerFindsMinimumOnSmallSpace(t *testing.T) {
	space := gridSpace(2, 8)
	target := Config{5, 2}
	obj := func(c Config) (float64, float64) {
		d := math.Abs(float64(c[0]-target[0])) + math.Abs(float64(c[1]-target[1]))
		return d / 16, d
	}
	opt := NewOptimizer(space, obj, Options{Trials: 64, InitialConfigs: 8, Seed: 7})
	trials := opt.Run()
	require.Len(t, trials, 64)
	best := math.Inf(1)
	for _, tr := range trials {
		if tr.Score < best {
			best = tr.Score
		}
	}
	// A budget covering the whole grid must locate the optimum exactly.
	require.Equal(t, 0.0, best)
}

func TestOptimizerProfilingModeIsSpaceFilling(t *testing.T) {
	space := gridSpace(1, 100)
	var seen []int
	obj := func(c Config) (float64, float64) {
		seen = append(seen, c[0])
		return 0.5, 1
	}
	opt := NewOptimizer(space, obj, Options{
		Trials:           10,
		InitialConfigs:   9,
		DisableSurrogate: true,
		Seed:             3,
	})
	trials := opt.Run()
	require.Len(t, trials, 10)

	// The Latin-hypercube design spreads samples over the whole domain.
	lowHalf, highHalf := 0, 0
	for _, v := range seen {
		if v < 50 {
			lowHalf++
		} else {
			highHalf++
		}
	}
	require.Greater(t, lowHalf, 0)
	require.Greater(t, highHalf, 0)
}

func TestOptimizerSeedTrialsNotReevaluated(t *testing.T) {
	space := gridSpace(1, 12)
	evaluated := map[int]int{}
	obj := func(c Config) (float64, float64) {
		evaluated[c[0]]++
		return float64(c[0]), float64(c[0])
	}
	seeds := []Trial{
		{Config: Config{0}, Score: 0, Cost: 0},
		{Config: Config{1}, Score: 0.2, Cost: 1},
	}
	// Trials counts new evaluations only: seeds warm-start the model without
	// consuming any of the budget, they are just never re-run.
	opt := NewOptimizer(space, obj, Options{Trials: 6, InitialConfigs: 0, SeedTrials: seeds, Seed: 5})
	trials := opt.Run()
	require.Len(t, trials, 6)
	require.Zero(t, evaluated[0])
	require.Zero(t, evaluated[1])

	// Against a space too small for the grown budget, the run caps at the
	// untried remainder instead of erroring.
	small := gridSpace(1, 4)
	evals := 0
	opt = NewOptimizer(small, func(c Config) (float64, float64) {
		evals++
		return float64(c[0]), float64(c[0])
	}, Options{Trials: 10, InitialConfigs: 0, SeedTrials: []Trial{{Config: Config{0}}}, Seed: 5})
	require.Len(t, opt.Run(), 3)
	require.Equal(t, 3, evals)
}
