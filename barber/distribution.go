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

// Package barber is the distribution controller: it matches the workload's
// cost histogram to a target distribution by repeatedly picking the most
// underfilled bucket, choosing templates and invoking the predicate search.
package barber

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pingcap/errors"
)

// Intervals returns the n+1 equal-width bucket bounds of [minCost, maxCost].
func Intervals(minCost, maxCost float64, n int) []float64 {
	out := make([]float64, n+1)
	step := (maxCost - minCost) / float64(n)
	for i := 0; i <= n; i++ {
		out[i] = minCost + float64(i)*step
	}
	out[n] = maxCost
	return out
}

// BucketOf locates a cost in the half-open buckets [b_i, b_i+1); the last
// bucket also takes its upper bound. It returns -1 outside the range.
func BucketOf(intervals []float64, cost float64) int {
	n := len(intervals) - 1
	for i := 0; i < n; i++ {
		if intervals[i] <= cost && cost < intervals[i+1] {
			return i
		}
	}
	if cost == intervals[n] {
		return n - 1
	}
	return -1
}

// TargetFromCounts validates explicit per-bucket counts.
func TargetFromCounts(counts []int, n int) ([]int, error) {
	if len(counts) != n {
		return nil, errors.Errorf("distribution has %d buckets, expected %d", len(counts), n)
	}
	for i, c := range counts {
		if c < 0 {
			return nil, errors.Errorf("bucket %d has negative count %d", i, c)
		}
	}
	out := make([]int, n)
	copy(out, counts)
	return out, nil
}

// TargetFromFamily draws totalSQLs costs from a named family clipped to
// [minCost, maxCost] and bins them.
func TargetFromFamily(family string, totalSQLs int, minCost, maxCost float64, n int, rng *rand.Rand) ([]int, error) {
	samples := make([]float64, totalSQLs)
	switch family {
	case "uniform":
		for i := range samples {
			samples[i] = minCost + rng.Float64()*(maxCost-minCost)
		}
	case "normal":
		mean := (minCost + maxCost) / 2
		stddev := (maxCost - minCost) / 6
		for i := range samples {
			samples[i] = mean + rng.NormFloat64()*stddev
		}
	case "exponential":
		maxRaw := 0.0
		for i := range samples {
			samples[i] = rng.ExpFloat64()
			if samples[i] > maxRaw {
				maxRaw = samples[i]
			}
		}
		for i := range samples {
			samples[i] = minCost + samples[i]/maxRaw*(maxCost-minCost)
		}
	default:
		return nil, errors.Errorf("unknown distribution family %q", family)
	}
	intervals := Intervals(minCost, maxCost, n)
	out := make([]int, n)
	for _, s := range samples {
		s = math.Max(minCost, math.Min(maxCost, s))
		if b := BucketOf(intervals, s); b >= 0 {
			out[b]++
		}
	}
	return out, nil
}

// TargetFromSample bins a user-provided sample over the sample's own range,
// then translates the bin proportions to totalSQLs counts with a
// largest-remainder fill so the counts sum exactly.
func TargetFromSample(sample []float64, totalSQLs, n int) ([]int, error) {
	if len(sample) == 0 {
		return nil, errors.New("user sample is empty")
	}
	lo, hi := sample[0], sample[0]
	for _, v := range sample {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		hi = lo + 1
	}
	intervals := Intervals(lo, hi, n)
	counts := make([]int, n)
	total := 0
	for _, v := range sample {
		if b := BucketOf(intervals, v); b >= 0 {
			counts[b]++
			total++
		}
	}
	if total == 0 {
		return nil, errors.New("user sample contains no valid entries")
	}

	type share struct {
		idx       int
		remainder float64
	}
	out := make([]int, n)
	assigned := 0
	shares := make([]share, n)
	for i, c := range counts {
		exact := float64(c) / float64(total) * float64(totalSQLs)
		out[i] = int(exact)
		assigned += out[i]
		shares[i] = share{idx: i, remainder: exact - float64(out[i])}
	}
	sort.SliceStable(shares, func(i, j int) bool { return shares[i].remainder > shares[j].remainder })
	for i := 0; assigned < totalSQLs; i++ {
		out[shares[i%n].idx]++
		assigned++
	}
	return out, nil
}

// ClampToTarget caps each bucket of current at its target count, the form
// used for distance computation.
func ClampToTarget(current, target []int) []int {
	out := make([]int, len(current))
	for i := range current {
		out[i] = current[i]
		if out[i] > target[i] {
			out[i] = target[i]
		}
	}
	return out
}

// MidpointSamples repeats each bucket's midpoint count times. An all-zero
// distribution yields the single sample 0 so the distance stays defined.
func MidpointSamples(dist []int, intervals []float64) []float64 {
	var out []float64
	for i, count := range dist {
		mid := (intervals[i] + intervals[i+1]) / 2
		for j := 0; j < count; j++ {
			out = append(out, mid)
		}
	}
	if len(out) == 0 {
		out = append(out, 0)
	}
	return out
}

// Wasserstein1D computes the first Wasserstein distance between two empirical
// samples as the area between their generalized CDFs.
func Wasserstein1D(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	as := append([]float64(nil), a...)
	bs := append([]float64(nil), b...)
	sort.Float64s(as)
	sort.Float64s(bs)

	all := make([]float64, 0, len(as)+len(bs))
	all = append(all, as...)
	all = append(all, bs...)
	sort.Float64s(all)

	dist := 0.0
	ia, ib := 0, 0
	for i := 0; i < len(all)-1; i++ {
		x, next := all[i], all[i+1]
		for ia < len(as) && as[ia] <= x {
			ia++
		}
		for ib < len(bs) && bs[ib] <= x {
			ib++
		}
		cdfA := float64(ia) / float64(len(as))
		cdfB := float64(ib) / float64(len(bs))
		dist += math.Abs(cdfA-cdfB) * (next - x)
	}
	return dist
}
