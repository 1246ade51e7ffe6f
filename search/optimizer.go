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
	"math/rand"
)

const (
	// defaultRetrainInterval is how many evaluations pass between surrogate
	// refits in targeted optimization.
	defaultRetrainInterval = 20
	// proposalRetries bounds attempts to draw an untried configuration.
	proposalRetries = 50
	// acquisitionKappa weights the exploration term of the lower confidence
	// bound.
	acquisitionKappa = 1.0
)

// Trial is one evaluated configuration: the minimized score and the raw
// scalar cost the score was derived from. Cost is NaN when the evaluation
// failed.
type Trial struct {
	Config Config
	Score  float64
	Cost   float64
}

// Objective evaluates a configuration, returning the score to minimize and
// the scalar cost behind it.
type Objective func(Config) (score, cost float64)

// Options parameterize one optimizer run.
type Options struct {
	// Trials is the evaluation budget.
	Trials int
	// InitialConfigs is the Latin-hypercube initial design size.
	InitialConfigs int
	// DisableSurrogate turns the run into pure space-filling sampling
	// (initial profiling mode).
	DisableSurrogate bool
	// SeedTrials warm-start the model without consuming evaluations.
	SeedTrials []Trial
	// Seed seeds the run's RNG.
	Seed int64
}

// Optimizer is a single-objective minimizer over an ordinal space with a
// tree-ensemble surrogate.
type Optimizer struct {
	space *Space
	obj   Objective
	opts  Options
	rng   *rand.Rand

	tried    map[uint64]struct{}
	xs       []Config
	ys       []float64
	model    *forest
	sinceFit int
}

// NewOptimizer builds an optimizer over space.
func NewOptimizer(space *Space, obj Objective, opts Options) *Optimizer {
	o := &Optimizer{
		space: space,
		obj:   obj,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		tried: make(map[uint64]struct{}),
	}
	for _, t := range opts.SeedTrials {
		o.tried[t.Config.Fingerprint()] = struct{}{}
		o.xs = append(o.xs, t.Config)
		o.ys = append(o.ys, t.Score)
	}
	return o
}

// Run evaluates up to Trials new configurations and returns them in
// evaluation order.
func (o *Optimizer) Run() []Trial {
	var out []Trial
	size := o.space.Size()
	if size == 0 {
		return nil
	}
	budget := o.opts.Trials
	if budget > size-len(o.opts.SeedTrials) {
		budget = size - len(o.opts.SeedTrials)
	}
	if budget <= 0 {
		return nil
	}

	for _, c := range o.initialDesign(min(o.opts.InitialConfigs, budget)) {
		out = append(out, o.evaluate(c))
	}
	for len(out) < budget {
		c, ok := o.propose()
		if !ok {
			break
		}
		out = append(out, o.evaluate(c))
	}
	return out
}

func (o *Optimizer) evaluate(c Config) Trial {
	score, cost := o.obj(c)
	o.tried[c.Fingerprint()] = struct{}{}
	o.xs = append(o.xs, c)
	o.ys = append(o.ys, score)
	o.sinceFit++
	return Trial{Config: c, Score: score, Cost: cost}
}

// initialDesign draws an n-point Latin hypercube over the ordinal space. A
// point that collides with an already-tried one is replaced by a random
// untried point, and dropped only when none can be found.
func (o *Optimizer) initialDesign(n int) []Config {
	if n <= 0 {
		return nil
	}
	perms := make([][]int, len(o.space.Params))
	for d := range o.space.Params {
		perms[d] = o.rng.Perm(n)
	}
	var out []Config
	for i := 0; i < n; i++ {
		c := make(Config, len(o.space.Params))
		for d, p := range o.space.Params {
			// Stratify [0, 1) into n cells per dimension, one sample per cell.
			u := (float64(perms[d][i]) + o.rng.Float64()) / float64(n)
			idx := int(u * float64(len(p.Values)))
			if idx >= len(p.Values) {
				idx = len(p.Values) - 1
			}
			c[d] = idx
		}
		if _, dup := o.tried[c.Fingerprint()]; dup {
			if alt, ok := o.randomUntried(); ok {
				c = alt
			} else {
				continue
			}
		}
		out = append(out, c)
		o.tried[c.Fingerprint()] = struct{}{}
	}
	return out
}

// propose picks the next configuration: the best lower-confidence-bound
// candidate under the surrogate, or a random untried point while the model is
// disabled or still cold.
func (o *Optimizer) propose() (Config, bool) {
	if o.opts.DisableSurrogate || len(o.xs) < treeMinSamples {
		return o.randomUntried()
	}
	if o.model == nil || o.sinceFit >= defaultRetrainInterval {
		o.model = fitForest(o.xs, o.ys, o.rng)
		o.sinceFit = 0
	}
	best := Config(nil)
	bestAcq := math.Inf(1)
	for i := 0; i < proposalRetries; i++ {
		c := o.candidate()
		if _, dup := o.tried[c.Fingerprint()]; dup {
			continue
		}
		mu, sigma := o.model.predict(c)
		acq := mu - acquisitionKappa*sigma
		if acq < bestAcq {
			bestAcq = acq
			best = c
		}
	}
	if best == nil {
		return o.randomUntried()
	}
	return best, true
}

// candidate draws either a uniform random point or a mutation of the
// incumbent by a random ordinal step of 1 to max(1, span/4) along one
// dimension.
func (o *Optimizer) candidate() Config {
	if len(o.xs) > 0 && o.rng.Float64() < 0.5 {
		// Mutate the incumbent along one dimension.
		bestIdx := 0
		for i, y := range o.ys {
			if y < o.ys[bestIdx] {
				bestIdx = i
			}
		}
		c := make(Config, len(o.xs[bestIdx]))
		copy(c, o.xs[bestIdx])
		d := o.rng.Intn(len(o.space.Params))
		span := len(o.space.Params[d].Values)
		step := 1 + o.rng.Intn(max(1, span/4))
		if o.rng.Intn(2) == 0 {
			step = -step
		}
		c[d] = clamp(c[d]+step, 0, span-1)
		return c
	}
	return o.randomConfig()
}

func (o *Optimizer) randomConfig() Config {
	c := make(Config, len(o.space.Params))
	for d, p := range o.space.Params {
		c[d] = o.rng.Intn(len(p.Values))
	}
	return c
}

func (o *Optimizer) randomUntried() (Config, bool) {
	for i := 0; i < proposalRetries; i++ {
		c := o.randomConfig()
		if _, dup := o.tried[c.Fingerprint()]; !dup {
			return c, true
		}
	}
	// Small spaces exhaust random retries; enumerate as a last resort.
	if o.space.Size() <= 1<<16 {
		c := make(Config, len(o.space.Params))
		if found := o.enumerateUntried(c, 0); found != nil {
			return found, true
		}
	}
	return nil, false
}

func (o *Optimizer) enumerateUntried(c Config, dim int) Config {
	if dim == len(o.space.Params) {
		if _, dup := o.tried[c.Fingerprint()]; !dup {
			out := make(Config, len(c))
			copy(out, c)
			return out
		}
		return nil
	}
	for i := range o.space.Params[dim].Values {
		c[dim] = i
		if found := o.enumerateUntried(c, dim+1); found != nil {
			return found
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
