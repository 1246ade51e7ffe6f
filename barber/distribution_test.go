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

package barber

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntervalsAndBucketOf(t *testing.T) {
	intervals := Intervals(0, 400, 4)
	require.Equal(t, []float64{0, 100, 200, 300, 400}, intervals)

	require.Equal(t, 0, BucketOf(intervals, 0))
	require.Equal(t, 0, BucketOf(intervals, 99.9))
	require.Equal(t, 1, BucketOf(intervals, 100))
	require.Equal(t, 3, BucketOf(intervals, 399))
	// The upper bound lands in the last bucket.
	require.Equal(t, 3, BucketOf(intervals, 400))
	require.Equal(t, -1, BucketOf(intervals, 401))
	require.Equal(t, -1, BucketOf(intervals, -1))
}

func TestTargetFromCounts(t *testing.T) {
	got, err := TargetFromCounts([]int{2, 0, 1}, 3)
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 1}, got)

	_, err = TargetFromCounts([]int{1, 2}, 3)
	require.Error(t, err)
	_, err = TargetFromCounts([]int{1, -1, 0}, 3)
	require.Error(t, err)
}

func TestTargetFromFamilySumsToTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, family := range []string{"uniform", "normal", "exponential"} {
		got, err := TargetFromFamily(family, 100, 0, 1000, 10, rng)
		require.NoError(t, err)
		sum := 0
		for _, c := range got {
			require.GreaterOrEqual(t, c, 0)
			sum += c
		}
		require.Equal(t, 100, sum, family)
	}
	_, err := TargetFromFamily("zipf", 100, 0, 1000, 10, rng)
	require.Error(t, err)
}

func TestTargetFromSampleLargestRemainder(t *testing.T) {
	// Sample proportions 50%/25%/25% over its own range, translated to 10
	// queries: largest-remainder keeps the sum exact.
	sample := []float64{0, 0, 0, 0, 5, 5, 10, 10}
	got, err := TargetFromSample(sample, 10, 3)
	require.NoError(t, err)
	sum := 0
	for _, c := range got {
		sum += c
	}
	require.Equal(t, 10, sum)

	_, err = TargetFromSample(nil, 10, 2)
	require.Error(t, err)
}

func TestClampToTarget(t *testing.T) {
	got := ClampToTarget([]int{5, 0, 3}, []int{2, 1, 3})
	require.Equal(t, []int{2, 0, 3}, got)
}

func TestMidpointSamples(t *testing.T) {
	intervals := Intervals(0, 40, 4)
	got := MidpointSamples([]int{2, 0, 1, 0}, intervals)
	require.Equal(t, []float64{5, 5, 25}, got)

	// An empty distribution still yields one sample so the distance stays
	// defined.
	require.Equal(t, []float64{0}, MidpointSamples([]int{0, 0}, Intervals(0, 2, 2)))
}

func TestWasserstein1D(t *testing.T) {
	// Identical samples have zero distance.
	require.Equal(t, 0.0, Wasserstein1D([]float64{1, 2, 3}, []float64{3, 2, 1}))

	// Shifting every sample by d moves the distance by d.
	require.InDelta(t, 10.0, Wasserstein1D([]float64{0, 0, 0}, []float64{10, 10, 10}), 1e-9)

	// Half the mass moved by 10 costs 5.
	require.InDelta(t, 5.0, Wasserstein1D([]float64{0, 0}, []float64{0, 10}), 1e-9)
}
