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
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidLao/SQLBarber/search"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

const (
	// maxMainRefineIterations targets undercovered buckets.
	maxMainRefineIterations = 3
	// maxDifficultRefineIterations targets buckets below 10% of target.
	maxDifficultRefineIterations = 5
	// fewShotMemorySize bounds the per-bucket memory of few-shot examples.
	fewShotMemorySize = 3
)

type fewShotEntry struct {
	text  string
	costs []float64
}

// refinementPass asks the LLM to rewrite templates toward under-covered
// buckets: a main phase for buckets under 20% of target, then a longer phase
// for difficult buckets under 10%, with few-shot feedback from the second
// difficult iteration on. The LLM fan-out is parallel per bucket; profiling
// and state updates are applied serially. It returns the best distance seen,
// NaN when nothing was accepted.
func (r *Runner) refinementPass(ctx context.Context, numProfiling int) float64 {
	coverage := make([]int, r.opts.NumIntervals)
	for _, costs := range r.profiling {
		for _, c := range costs {
			if math.IsNaN(c) {
				continue
			}
			if b := BucketOf(r.intervals, c); b >= 0 {
				coverage[b]++
			}
		}
	}

	undercovered := func(threshold float64) []int {
		var out []int
		for i := range r.target {
			if coverage[i] == 0 || float64(coverage[i]) < float64(r.target[i])*threshold {
				out = append(out, i)
			}
		}
		return out
	}

	best := math.NaN()
	for iter := 0; iter < maxMainRefineIterations; iter++ {
		buckets := undercovered(0.2)
		if len(buckets) == 0 {
			logutil.BgLogger().Info("no undercovered buckets, main refinement done")
			break
		}
		logutil.BgLogger().Info("main refinement iteration",
			zap.Int("iteration", iter+1), zap.Ints("buckets", buckets))
		d := r.refineBuckets(ctx, buckets, 3, false, numProfiling, coverage)
		if !math.IsNaN(d) && (math.IsNaN(best) || d < best) {
			best = d
		}
	}

	for iter := 0; iter < maxDifficultRefineIterations; iter++ {
		buckets := undercovered(0.1)
		if len(buckets) == 0 {
			logutil.BgLogger().Info("no difficult buckets, additional refinement done")
			break
		}
		logutil.BgLogger().Info("difficult refinement iteration",
			zap.Int("iteration", iter+1), zap.Ints("buckets", buckets))
		d := r.refineBuckets(ctx, buckets, 5, iter > 0, numProfiling, coverage)
		if !math.IsNaN(d) && (math.IsNaN(best) || d < best) {
			best = d
		}
	}
	return best
}

// refineBuckets fans one refinement round out over the buckets and admits
// the returned templates that demonstrably help.
func (r *Runner) refineBuckets(ctx context.Context, buckets []int, numTemplates int, useFewShot bool, numProfiling int, coverage []int) float64 {
	type result struct {
		bucket    int
		templates []string
	}
	var mu sync.Mutex
	var results []result

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.client.MaxInFlight())
	for _, bucket := range buckets {
		bucket := bucket
		eg.Go(func() error {
			texts := r.refineOneBucket(gctx, bucket, numTemplates, useFewShot)
			if len(texts) > 0 {
				mu.Lock()
				results = append(results, result{bucket: bucket, templates: texts})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	best := math.NaN()
	for _, res := range results {
		for _, text := range res.templates {
			if d, ok := r.admitTemplate(ctx, res.bucket, text, numProfiling, coverage); ok {
				if math.IsNaN(best) || d < best {
					best = d
				}
			}
		}
	}
	return best
}

// refineOneBucket ranks the existing templates for the bucket, samples the
// top few by score and asks the LLM for rewrites, optionally with the
// bucket's few-shot memory as context.
func (r *Runner) refineOneBucket(ctx context.Context, bucket, numTemplates int, useFewShot bool) []string {
	lo, hi := r.intervals[bucket], r.intervals[bucket+1]
	ranked := r.rankTemplates(lo, hi)
	if len(ranked) <= 3 {
		return nil
	}
	sampled := r.weightedSample(ranked, numTemplates)

	var texts []string
	var costsList [][]float64
	if useFewShot {
		for _, entry := range r.fewShot[bucket] {
			texts = append(texts, entry.text)
			costsList = append(costsList, entry.costs)
		}
	}
	for _, c := range sampled {
		t := r.templateByID(c.id)
		if t == nil {
			continue
		}
		texts = append(texts, t.Text)
		costsList = append(costsList, r.profiling[c.id])
	}
	refined, err := r.adv.RefineTemplates(ctx, string(r.metric.Type()), texts, costsList, lo, hi)
	if err != nil {
		logutil.BgLogger().Warn("refinement call failed",
			zap.Int("bucket", bucket), zap.Error(err))
		return nil
	}
	return refined
}

// admitTemplate profiles a refined template and keeps it only if it covers a
// missing bucket or contributes to any bucket still below target. Accepted
// templates are persisted and join the live pool; the bucket's few-shot
// memory is updated either way.
func (r *Runner) admitTemplate(ctx context.Context, bucket int, text string, numProfiling int, coverage []int) (float64, bool) {
	id, err := r.store.NextID()
	if err != nil {
		logutil.BgLogger().Error("cannot allocate template id", zap.Error(err))
		return math.NaN(), false
	}
	t := &template.Template{ID: id, Text: text}

	enum := search.NewEnumerator(r.paths, id, text, r.cat, r.metric, search.SingleTarget(10), r.opts.Seed)
	costs, err := enum.Profile(ctx, numProfiling)
	if err != nil || costs == nil {
		logutil.BgLogger().Warn("refined template profiling failed",
			zap.Int("template", id), zap.Error(err))
		return math.NaN(), false
	}
	r.rememberFewShot(bucket, text, costs)

	if r.shouldPrune(costs) {
		logutil.BgLogger().Info("pruning refined template",
			zap.Int("template", id), zap.Int("bucket", bucket))
		return math.NaN(), false
	}

	if err := r.store.Add(t); err != nil {
		logutil.BgLogger().Error("cannot persist refined template",
			zap.Int("template", id), zap.Error(err))
		return math.NaN(), false
	}
	r.templates = append(r.templates, t)
	r.profiling[id] = costs
	r.recordQueries(enum.Queries, enum.Costs)
	r.updateDistribution(costs)
	for _, c := range costs {
		if math.IsNaN(c) {
			continue
		}
		if b := BucketOf(r.intervals, c); b >= 0 {
			coverage[b]++
		}
	}
	logutil.BgLogger().Info("accepted refined template",
		zap.Int("template", id), zap.Int("bucket", bucket))
	return r.distance(), true
}

// shouldPrune rejects a candidate that neither covers a zero-coverage bucket
// nor contributes to any bucket below target.
func (r *Runner) shouldPrune(costs []float64) bool {
	counts := make([]int, r.opts.NumIntervals)
	for _, c := range costs {
		if math.IsNaN(c) {
			continue
		}
		if b := BucketOf(r.intervals, c); b >= 0 {
			counts[b]++
		}
	}
	for i := range r.target {
		if counts[i] > 0 && r.target[i]-r.current[i] > 0 {
			return false
		}
	}
	return true
}

// rememberFewShot keeps at most fewShotMemorySize examples per bucket,
// replacing the entry whose average cost sits farthest from the bucket when
// the newcomer is closer.
func (r *Runner) rememberFewShot(bucket int, text string, costs []float64) {
	entries := r.fewShot[bucket]
	if len(entries) < fewShotMemorySize {
		r.fewShot[bucket] = append(entries, fewShotEntry{text: text, costs: costs})
		return
	}
	lo, hi := r.intervals[bucket], r.intervals[bucket+1]
	worstIdx, worstDistance := -1, -1.0
	for i, entry := range entries {
		d, ok := avgDistance(entry.costs, lo, hi)
		if !ok {
			worstIdx = i
			break
		}
		if d > worstDistance {
			worstDistance = d
			worstIdx = i
		}
	}
	newDistance, ok := avgDistance(costs, lo, hi)
	if !ok || worstIdx < 0 {
		return
	}
	if newDistance < worstDistance || worstDistance < 0 {
		entries[worstIdx] = fewShotEntry{text: text, costs: costs}
	}
}

// avgDistance is the distance of the mean valid cost to [lo, hi]; ok=false
// when no valid cost exists.
func avgDistance(costs []float64, lo, hi float64) (float64, bool) {
	sum, n := 0.0, 0
	for _, c := range costs {
		if !math.IsNaN(c) {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return rangeGap(sum/float64(n), lo, hi), true
}
