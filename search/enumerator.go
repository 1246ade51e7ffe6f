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
	"context"
	"math"
	"sort"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/cost"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// WorstScore is the objective value of a failed or hopeless evaluation.
const WorstScore = 1.0

// Target is the cost goal of one optimization run: either an interval
// [Low, High] or a single value.
type Target struct {
	Low     float64
	High    float64
	Single  float64
	IsRange bool
}

// RangeTarget aims for the interval [lo, hi].
func RangeTarget(lo, hi float64) Target {
	return Target{Low: lo, High: hi, IsRange: true}
}

// SingleTarget aims for one value.
func SingleTarget(t float64) Target {
	return Target{Single: t}
}

// Score maps a scalar cost to the minimized objective 1 − similarity. A cost
// inside the interval is perfect; outside, similarity is the closest bound
// ratio. ok=false marks a failed evaluation and scores worst.
func (t Target) Score(c float64, ok bool) float64 {
	if !ok || math.IsNaN(c) {
		return WorstScore
	}
	if t.IsRange {
		if t.Low <= c && c <= t.High {
			return 0
		}
		deltaL := math.Min(c/t.Low, t.Low/c)
		deltaR := math.Min(c/t.High, t.High/c)
		return 1 - math.Max(deltaL, deltaR)
	}
	return 1 - math.Min(t.Single, c)/math.Max(t.Single, c)
}

// Enumerator searches a template's predicate values for costs near a target.
// It is side-effect free except for its own history files.
type Enumerator struct {
	paths      Paths
	templateID int
	text       string
	space      *Space
	metric     *cost.Metric
	reducer    cost.Reducer
	target     Target
	seed       int64

	costHist *CostHistory
	records  []RunRecord

	// Queries and Costs accumulate the successfully evaluated final SQL
	// strings and their scalar costs, in evaluation order.
	Queries []string
	Costs   []float64
}

// NewEnumerator builds an enumerator for one template.
func NewEnumerator(paths Paths, templateID int, text string, cat *catalog.Catalog, metric *cost.Metric, target Target, seed int64) *Enumerator {
	return &Enumerator{
		paths:      paths,
		templateID: templateID,
		text:       text,
		space:      BuildSpace(text, cat),
		metric:     metric,
		reducer:    cost.ReducerFor(metric.Type()),
		target:     target,
		seed:       seed,
		costHist:   NewCostHistory(),
	}
}

// SpaceSize returns the joint configuration count of the template.
func (e *Enumerator) SpaceSize() int { return e.space.Size() }

// objective renders one configuration, evaluates its cost and returns the
// minimized score. DB errors never abort the run; they score worst and are
// recorded as failed trials.
func (e *Enumerator) objective(ctx context.Context) Objective {
	return func(c Config) (float64, float64) {
		sql := template.Render(e.text, e.space.RenderValues(c))
		record := RunRecord{Values: e.space.NamedValues(c)}
		raw, err := e.metric.Evaluate(ctx, sql)
		if err != nil {
			logutil.BgLogger().Warn("cost evaluation failed",
				zap.Int("template", e.templateID),
				zap.Error(err))
			e.records = append(e.records, record)
			return WorstScore, math.NaN()
		}
		scalar, ok := cost.Reduce(raw, e.reducer)
		if !ok {
			e.records = append(e.records, record)
			return WorstScore, math.NaN()
		}
		e.costHist.Set(sql, raw)
		e.Queries = append(e.Queries, sql)
		e.Costs = append(e.Costs, scalar)
		record.Cost = &scalar
		e.records = append(e.records, record)
		return e.target.Score(scalar, true), scalar
	}
}

// Profile runs initial profiling: pure space-filling with the surrogate
// disabled, trials = numSamplings capped to the space size. It returns every
// scalar cost in the template's (merged) initial-sampling history.
func (e *Enumerator) Profile(ctx context.Context, numSamplings int) ([]float64, error) {
	if e.space.Size() == 0 {
		return nil, errors.Errorf("template %d has no searchable placeholders", e.templateID)
	}
	trials := numSamplings
	if size := e.space.Size(); size < trials {
		trials = size
	}
	opt := NewOptimizer(e.space, e.objective(ctx), Options{
		Trials:           trials,
		InitialConfigs:   trials - 1,
		DisableSurrogate: true,
		Seed:             e.seed,
	})
	opt.Run()

	if _, err := MergeSave(e.paths.InitialSamplingFile(e.templateID), e.costHist); err != nil {
		return nil, errors.Trace(err)
	}
	if err := e.appendRunRecords(e.paths.InitialRunFile(e.templateID)); err != nil {
		return nil, errors.Trace(err)
	}
	return e.readScalarCosts(e.paths.InitialSamplingFile(e.templateID))
}

// Optimize runs targeted optimization toward the enumerator's target. It
// returns the raw cost vectors of queries new to the history file and the
// unexplored space size left after this run.
func (e *Enumerator) Optimize(ctx context.Context, trials, initialConfigs int, reuseHistory bool) (newCosts [][]float64, remaining int, err error) {
	size := e.space.Size()
	if size == 0 {
		return nil, 0, errors.Errorf("template %d has no searchable placeholders", e.templateID)
	}

	var seedTrials []Trial
	if reuseHistory {
		var historyLen int
		seedTrials, historyLen = e.loadSeedTrials()
		// The budget grows by the full re-scored history length; the seeded
		// quarter is already in the model and does not re-run, so the
		// remainder converts into additional new evaluations.
		trials += historyLen - len(seedTrials)
		initialConfigs = 0
	}
	if size < len(seedTrials)+trials {
		trials = size - len(seedTrials)
		if trials < 0 {
			trials = 0
		}
		if !reuseHistory {
			initialConfigs = int(0.2 * float64(trials))
		}
	}

	opt := NewOptimizer(e.space, e.objective(ctx), Options{
		Trials:         trials,
		InitialConfigs: initialConfigs,
		SeedTrials:     seedTrials,
		Seed:           e.seed,
	})
	executed := opt.Run()

	lo, hi := e.targetBounds()
	fresh, err := MergeSave(e.paths.TargetFile(e.templateID, lo, hi), e.costHist)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if err := e.appendRunRecords(e.paths.TargetRunFile(e.templateID, lo, hi)); err != nil {
		return nil, 0, errors.Trace(err)
	}
	remaining = size - len(seedTrials) - len(executed)
	if remaining < 0 {
		remaining = 0
	}
	return fresh, remaining, nil
}

func (e *Enumerator) targetBounds() (float64, float64) {
	if e.target.IsRange {
		return e.target.Low, e.target.High
	}
	return e.target.Single, e.target.Single
}

// loadSeedTrials re-scores every persisted trial of this (task, template,
// metric) under the current target and returns the best quarter, sorted by
// score, as warm-start seeds, along with the full history length. Histories
// shorter than four trials seed nothing but still count toward the budget.
func (e *Enumerator) loadSeedTrials() ([]Trial, int) {
	var all []Trial
	add := func(rh *RunHistory) {
		if rh == nil {
			return
		}
		for _, rec := range rh.Records {
			c, ok := e.space.ConfigByValues(rec.Values)
			if !ok {
				continue
			}
			t := Trial{Config: c, Cost: math.NaN(), Score: WorstScore}
			if rec.Cost != nil {
				t.Cost = *rec.Cost
				t.Score = e.target.Score(*rec.Cost, true)
			}
			all = append(all, t)
		}
	}
	add(LoadRunHistory(e.paths.InitialRunFile(e.templateID)))
	for _, path := range e.paths.ListTargetRunFiles(e.templateID) {
		add(LoadRunHistory(path))
	}
	if len(all) == 0 {
		return nil, 0
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score < all[j].Score })
	n := len(all) / 4
	// Dedup seeds by configuration, keeping the best score.
	seen := make(map[uint64]struct{})
	var out []Trial
	for _, t := range all {
		if len(out) >= n {
			break
		}
		fp := t.Config.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, t)
	}
	return out, len(all)
}

func (e *Enumerator) appendRunRecords(path string) error {
	rh := LoadRunHistory(path)
	if rh == nil {
		rh = &RunHistory{}
	}
	rh.Records = append(rh.Records, e.records...)
	return errors.Trace(SaveRunHistory(path, rh))
}

// readScalarCosts reduces every raw vector of a history file to its scalar
// cost. The result is nil when every entry failed to reduce.
func (e *Enumerator) readScalarCosts(path string) ([]float64, error) {
	return ReadScalarCosts(path, e.reducer)
}

// ReadScalarCosts loads a cost history file and reduces every raw vector to
// its scalar cost, NaN per failed entry. The result is nil when the file is
// missing, empty, or every entry failed.
func ReadScalarCosts(path string, r cost.Reducer) ([]float64, error) {
	h, err := LoadCostHistory(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []float64
	valid := false
	for _, key := range h.Keys() {
		raw, _ := h.Get(key)
		if scalar, ok := cost.Reduce(raw, r); ok {
			out = append(out, scalar)
			valid = true
		} else {
			out = append(out, math.NaN())
		}
	}
	if !valid {
		return nil, nil
	}
	return out, nil
}

// ReduceAll maps raw vectors to scalar costs under the metric's reducer,
// NaN for empty vectors.
func ReduceAll(raws [][]float64, r cost.Reducer) []float64 {
	out := make([]float64, len(raws))
	for i, raw := range raws {
		if scalar, ok := cost.Reduce(raw, r); ok {
			out[i] = scalar
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}
