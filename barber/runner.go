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
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/cost"
	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/generator"
	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/search"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// candidatePoolSize bounds the templates tried per bucket per iteration.
const candidatePoolSize = 10

// Options parameterize one workload-synthesis run.
type Options struct {
	TaskName      string
	SummaryName   string
	TotalSQLs     int
	MinCost       float64
	MaxCost       float64
	NumIntervals  int
	NumIterations int
	ReuseHistory  bool
	GenerateNew   bool
	Seed          int64
}

type badKey struct {
	bucket     int
	templateID int
}

// Runner owns the overall distribution state and drives the main loop. It is
// single-threaded; parallel workers (LLM batches, refinement fan-out) return
// results that the runner applies serially.
type Runner struct {
	cfg    *config.Config
	opts   Options
	ctl    db.Controller
	client *llm.Client
	gen    generator.Generator
	adv    *generator.Advanced
	store  *template.Store
	cat    *catalog.Catalog
	metric *cost.Metric
	paths  search.Paths
	rng    *rand.Rand

	intervals      []float64
	target         []int
	current        []int
	bad            map[badKey]struct{}
	remainingSpace map[int]int
	selectedTimes  []int
	missing        map[int]struct{}

	templates []*template.Template
	profiling map[int][]float64

	queries  []string
	querySet map[string]struct{}
	costs    []float64

	fewShot map[int][]fewShotEntry
}

// NewRunner wires a runner. adv may be nil when the naive generator is used;
// refinement is then skipped.
func NewRunner(cfg *config.Config, opts Options, ctl db.Controller, client *llm.Client, gen generator.Generator, adv *generator.Advanced, store *template.Store, cat *catalog.Catalog, metric *cost.Metric) (*Runner, error) {
	if opts.MinCost >= opts.MaxCost {
		return nil, errors.New("min_cost must be less than max_cost")
	}
	if opts.NumIntervals <= 0 || opts.TotalSQLs <= 0 {
		return nil, errors.New("num_intervals and total_sqls must be positive")
	}
	return &Runner{
		cfg:    cfg,
		opts:   opts,
		ctl:    ctl,
		client: client,
		gen:    gen,
		adv:    adv,
		store:  store,
		cat:    cat,
		metric: metric,
		paths: search.Paths{
			Root:   cfg.OutputDir,
			Task:   opts.TaskName,
			Metric: string(metric.Type()),
		},
		rng:            rand.New(rand.NewSource(opts.Seed)),
		intervals:      Intervals(opts.MinCost, opts.MaxCost, opts.NumIntervals),
		current:        make([]int, opts.NumIntervals),
		bad:            make(map[badKey]struct{}),
		remainingSpace: make(map[int]int),
		selectedTimes:  make([]int, opts.NumIntervals),
		missing:        make(map[int]struct{}),
		profiling:      make(map[int][]float64),
		querySet:       make(map[string]struct{}),
		fewShot:        make(map[int][]fewShotEntry),
	}, nil
}

// SetTargetFromFamily initializes the target distribution from a named
// family.
func (r *Runner) SetTargetFromFamily(family string) error {
	target, err := TargetFromFamily(family, r.opts.TotalSQLs, r.opts.MinCost, r.opts.MaxCost, r.opts.NumIntervals, r.rng)
	if err != nil {
		return errors.Trace(err)
	}
	r.target = target
	return nil
}

// SetTargetFromSample initializes the target distribution from a user
// sample.
func (r *Runner) SetTargetFromSample(sample []float64) error {
	target, err := TargetFromSample(sample, r.opts.TotalSQLs, r.opts.NumIntervals)
	if err != nil {
		return errors.Trace(err)
	}
	r.target = target
	return nil
}

// SetTargetFromCounts initializes the target distribution from explicit
// per-bucket counts.
func (r *Runner) SetTargetFromCounts(counts []int) error {
	target, err := TargetFromCounts(counts, r.opts.NumIntervals)
	if err != nil {
		return errors.Trace(err)
	}
	r.target = target
	return nil
}

// distance is the Wasserstein distance between the target and the clamped
// current distribution, over bucket-midpoint samples.
func (r *Runner) distance() float64 {
	targetSamples := MidpointSamples(r.target, r.intervals)
	currentSamples := MidpointSamples(ClampToTarget(r.current, r.target), r.intervals)
	return Wasserstein1D(targetSamples, currentSamples)
}

// Run executes the main algorithm and writes workload and summary files.
func (r *Runner) Run(ctx context.Context, reqs []generator.SemanticRequirement) error {
	if r.target == nil {
		return errors.New("target distribution is not initialized")
	}
	start := time.Now()
	var distances []float64
	var timestamps []time.Time
	record := func() {
		distances = append(distances, r.distance())
		timestamps = append(timestamps, time.Now())
	}
	record()

	if r.opts.GenerateNew {
		if err := r.gen.Generate(ctx, reqs); err != nil {
			return errors.Trace(err)
		}
	}
	var err error
	r.templates, err = r.store.List()
	if err != nil {
		return errors.Trace(err)
	}
	logutil.BgLogger().Info("templates loaded", zap.Int("count", len(r.templates)))

	numProfiling := int(math.Ceil(0.15 * float64(r.opts.TotalSQLs)))
	for _, t := range r.templates {
		costs := r.profileTemplate(ctx, t, numProfiling)
		if costs != nil {
			r.profiling[t.ID] = costs
			r.updateDistribution(costs)
		}
	}
	record()

	if r.adv != nil {
		if dist := r.refinementPass(ctx, numProfiling); !math.IsNaN(dist) {
			record()
		}
	}

	r.missing = make(map[int]struct{})
	budget := time.Duration(r.cfg.Policy.WallClockBudgetSeconds) * time.Second
	var iterationDistances []float64
	for iter := 0; iter < r.opts.NumIterations; iter++ {
		logutil.BgLogger().Info("main loop iteration",
			zap.Int("iteration", iter+1),
			zap.Int("total", r.opts.NumIterations))

		gap := r.optimizeForInterval(ctx)
		record()
		iterationDistances = append(iterationDistances, distances[len(distances)-1])
		logutil.BgLogger().Info("distribution distance",
			zap.Float64("wasserstein", distances[len(distances)-1]))

		if gap <= 0 {
			logutil.BgLogger().Info("target distribution matched, stopping")
			break
		}
		if elapsed := time.Since(start); elapsed > budget {
			logutil.BgLogger().Info("wall-clock budget exceeded, stopping",
				zap.Duration("elapsed", elapsed))
			break
		}
		if n := len(iterationDistances); n >= 3 &&
			iterationDistances[n-1] == iterationDistances[n-2] &&
			iterationDistances[n-2] == iterationDistances[n-3] {
			logutil.BgLogger().Info("distance unchanged for three iterations, stopping",
				zap.Float64("distance", iterationDistances[n-1]))
			break
		}
	}

	if len(r.missing) > 0 {
		logutil.BgLogger().Info("buckets left unfilled",
			zap.Ints("missing", r.missingList()))
	}
	return errors.Trace(r.saveWorkloadAndSummary(distances, timestamps, start, time.Now()))
}

// profileTemplate runs (or reuses) a template's initial profiling and
// registers its queries. It returns nil when profiling yields no valid cost;
// such templates stay out of the candidate pool.
func (r *Runner) profileTemplate(ctx context.Context, t *template.Template, numProfiling int) []float64 {
	if _, err := os.Stat(r.paths.InitialSamplingFile(t.ID)); err == nil {
		costs, err := search.ReadScalarCosts(r.paths.InitialSamplingFile(t.ID), cost.ReducerFor(r.metric.Type()))
		if err == nil && costs != nil {
			logutil.BgLogger().Info("reusing initial profiling",
				zap.Int("template", t.ID))
			return costs
		}
	}
	logutil.BgLogger().Info("initial profiling", zap.Int("template", t.ID))
	enum := search.NewEnumerator(r.paths, t.ID, t.Text, r.cat, r.metric, search.SingleTarget(10), r.opts.Seed)
	costs, err := enum.Profile(ctx, numProfiling)
	if err != nil {
		logutil.BgLogger().Warn("initial profiling failed",
			zap.Int("template", t.ID), zap.Error(err))
		return nil
	}
	r.recordQueries(enum.Queries, enum.Costs)
	return costs
}

// recordQueries appends newly seen final SQL strings with their scalar
// costs; revisited strings are ignored.
func (r *Runner) recordQueries(queries []string, costs []float64) {
	for i, q := range queries {
		if _, seen := r.querySet[q]; seen {
			continue
		}
		r.querySet[q] = struct{}{}
		r.queries = append(r.queries, q)
		r.costs = append(r.costs, costs[i])
	}
}

// updateDistribution bins scalar costs into the current distribution.
func (r *Runner) updateDistribution(costs []float64) {
	for _, c := range costs {
		if math.IsNaN(c) {
			continue
		}
		if b := BucketOf(r.intervals, c); b >= 0 {
			r.current[b]++
		}
	}
}

// findLargestGap picks the most underfilled bucket, ignoring missing ones.
// It returns (-1, 0) when no bucket has a positive gap.
func (r *Runner) findLargestGap() (int, int) {
	best, bestGap := -1, 0
	for i := range r.target {
		if _, skip := r.missing[i]; skip {
			continue
		}
		gap := r.target[i] - r.current[i]
		if gap > bestGap {
			best, bestGap = i, gap
		}
	}
	return best, bestGap
}

// closenessScore combines a template's average out-of-range distance with
// its cost diversity; templates with no valid cost score zero.
func closenessScore(costs []float64, lo, hi float64) float64 {
	var valid []float64
	for _, c := range costs {
		if !math.IsNaN(c) {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return 0
	}
	totalDistance := 0.0
	distinct := make(map[float64]struct{})
	for _, c := range valid {
		totalDistance += rangeGap(c, lo, hi)
		distinct[c] = struct{}{}
	}
	avgDistance := totalDistance / float64(len(valid))
	base := 1.0 / (1.0 + avgDistance)
	variety := float64(len(distinct)) / float64(len(valid))
	return base * variety
}

func rangeGap(c, lo, hi float64) float64 {
	if c < lo {
		return lo - c
	}
	if c > hi {
		return c - hi
	}
	return 0
}

// limitedDiversity reports whether a template produced at most bound
// distinct costs, none of them inside [lo, hi).
func limitedDiversity(costs []float64, lo, hi float64, bound int) bool {
	distinct := make(map[float64]struct{})
	for _, c := range costs {
		if !math.IsNaN(c) {
			distinct[c] = struct{}{}
		}
	}
	if len(distinct) == 0 || len(distinct) > bound {
		return false
	}
	for c := range distinct {
		if lo <= c && c < hi {
			return false
		}
	}
	return true
}

type candidate struct {
	id    int
	score float64
}

// rankTemplates scores every profiled template for a bucket, descending.
// Templates whose profiling produced no valid cost are dropped.
func (r *Runner) rankTemplates(lo, hi float64) []candidate {
	var out []candidate
	for id, costs := range r.profiling {
		score := closenessScore(costs, lo, hi)
		if score == 0 {
			hasValid := false
			for _, c := range costs {
				if !math.IsNaN(c) {
					hasValid = true
					break
				}
			}
			if !hasValid {
				continue
			}
		}
		out = append(out, candidate{id: id, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// weightedSample draws k candidates in proportion to their scores, falling
// back to uniform sampling when every score is zero.
func (r *Runner) weightedSample(cs []candidate, k int) []candidate {
	if len(cs) <= k {
		return cs
	}
	total := 0.0
	for _, c := range cs {
		total += c.score
	}
	out := make([]candidate, 0, k)
	if total == 0 {
		for _, idx := range r.rng.Perm(len(cs))[:k] {
			out = append(out, cs[idx])
		}
		return out
	}
	for len(out) < k {
		x := r.rng.Float64() * total
		for _, c := range cs {
			x -= c.score
			if x <= 0 {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// optimizeForInterval runs one main-loop round: pick the most underfilled
// bucket, try the best-fit templates against it, update state and bad
// combinations. It returns the gap of the chosen bucket, zero when nothing
// remains to optimize.
func (r *Runner) optimizeForInterval(ctx context.Context) int {
	for {
		bucket, gap := r.findLargestGap()
		if bucket < 0 || gap <= 0 {
			logutil.BgLogger().Info("no more buckets to optimize")
			return 0
		}
		lo, hi := r.intervals[bucket], r.intervals[bucket+1]

		ranked := r.rankTemplates(lo, hi)
		var filtered []candidate
		for _, c := range ranked {
			if _, isBad := r.bad[badKey{bucket, c.id}]; isBad {
				continue
			}
			if space, ok := r.remainingSpace[c.id]; ok && space < 5*gap {
				continue
			}
			if limitedDiversity(r.profiling[c.id], lo, hi, r.cfg.Policy.DiversityBound) {
				logutil.BgLogger().Info("skipping template with limited cost diversity",
					zap.Int("template", c.id), zap.Int("bucket", bucket))
				continue
			}
			filtered = append(filtered, c)
		}
		if len(filtered) > candidatePoolSize {
			filtered = r.weightedSample(filtered, candidatePoolSize)
		}
		if len(filtered) == 0 {
			logutil.BgLogger().Info("no suitable template for bucket, marking missing",
				zap.Int("bucket", bucket))
			r.missing[bucket] = struct{}{}
			continue
		}

		oldGap := r.target[bucket] - r.current[bucket]
		improved := false
		for _, c := range filtered {
			t := r.templateByID(c.id)
			if t == nil {
				continue
			}
			before := append([]int(nil), r.current...)
			logutil.BgLogger().Info("optimizing bucket with template",
				zap.Int("bucket", bucket),
				zap.Int("template", c.id),
				zap.Float64("score", c.score))

			enum := search.NewEnumerator(r.paths, c.id, t.Text, r.cat, r.metric, search.RangeTarget(lo, hi), r.opts.Seed)
			rawCosts, remaining, err := enum.Optimize(ctx, 5*gap, gap/2, r.opts.ReuseHistory)
			if err != nil {
				logutil.BgLogger().Warn("predicate search failed",
					zap.Int("template", c.id), zap.Error(err))
				continue
			}
			r.remainingSpace[c.id] = remaining
			newCosts := search.ReduceAll(rawCosts, cost.ReducerFor(r.metric.Type()))
			r.recordQueries(enum.Queries, enum.Costs)
			r.updateDistribution(newCosts)
			r.profiling[c.id] = append(r.profiling[c.id], newCosts...)

			if r.target[bucket]-r.current[bucket] < oldGap {
				improved = true
			}
			useful := r.countUseful(before, newCosts)
			ratio := 0.0
			if len(newCosts) > 0 {
				ratio = float64(useful) / float64(len(newCosts))
			}
			if ratio < r.cfg.Policy.UsefulRatioThreshold {
				logutil.BgLogger().Info("marking bad combination",
					zap.Int("bucket", bucket),
					zap.Int("template", c.id),
					zap.Float64("useful-ratio", ratio))
				r.bad[badKey{bucket, c.id}] = struct{}{}
			}
		}

		if !improved {
			r.selectedTimes[bucket]++
			logutil.BgLogger().Info("no improvement for bucket",
				zap.Int("bucket", bucket),
				zap.Int("failures", r.selectedTimes[bucket]))
			if r.selectedTimes[bucket] >= r.cfg.Policy.MaxBucketFailures {
				logutil.BgLogger().Info("bucket declared missing",
					zap.Int("bucket", bucket))
				r.missing[bucket] = struct{}{}
			}
		}
		return gap
	}
}

// countUseful simulates adding the new costs onto a snapshot of the
// distribution and counts those that move an underfilled bucket strictly
// closer to target.
func (r *Runner) countUseful(before []int, newCosts []float64) int {
	dist := append([]int(nil), before...)
	useful := 0
	for _, c := range newCosts {
		if math.IsNaN(c) {
			continue
		}
		b := BucketOf(r.intervals, c)
		if b < 0 {
			continue
		}
		if dist[b] < r.target[b] {
			useful++
			dist[b]++
		}
	}
	return useful
}

func (r *Runner) templateByID(id int) *template.Template {
	for _, t := range r.templates {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (r *Runner) missingList() []int {
	out := make([]int, 0, len(r.missing))
	for i := range r.target {
		if _, ok := r.missing[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// DB returns the controller, for callers replaying the generated workload.
func (r *Runner) DB() db.Controller { return r.ctl }
