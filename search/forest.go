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
	"sort"
)

// The surrogate is a small random forest of regression trees over ordinal
// value indices. Ordinal splits compare an index against a threshold, so the
// model needs no one-hot encoding and stays valid for domains of any size.

const (
	forestTrees    = 10
	treeMaxDepth   = 12
	treeMinSamples = 4
)

type treeNode struct {
	leaf      bool
	mean      float64
	feature   int
	threshold int
	left      *treeNode
	right     *treeNode
}

type forest struct {
	trees []*treeNode
}

// fitForest trains the surrogate on observed (config, score) pairs using
// bootstrap resampling and random feature subsets.
func fitForest(xs []Config, ys []float64, rng *rand.Rand) *forest {
	if len(xs) == 0 {
		return nil
	}
	nFeatures := len(xs[0])
	mtry := int(math.Ceil(math.Sqrt(float64(nFeatures))))
	f := &forest{}
	for t := 0; t < forestTrees; t++ {
		bx := make([]Config, len(xs))
		by := make([]float64, len(ys))
		for i := range xs {
			j := rng.Intn(len(xs))
			bx[i], by[i] = xs[j], ys[j]
		}
		f.trees = append(f.trees, buildTree(bx, by, 0, mtry, rng))
	}
	return f
}

func buildTree(xs []Config, ys []float64, depth, mtry int, rng *rand.Rand) *treeNode {
	if len(ys) < treeMinSamples || depth >= treeMaxDepth || variance(ys) == 0 {
		return &treeNode{leaf: true, mean: mean(ys)}
	}
	nFeatures := len(xs[0])
	bestFeature, bestThreshold := -1, 0
	bestImpurity := math.Inf(1)
	for _, feature := range rng.Perm(nFeatures)[:mtry] {
		for _, threshold := range candidateThresholds(xs, feature) {
			var leftY, rightY []float64
			for i, x := range xs {
				if x[feature] <= threshold {
					leftY = append(leftY, ys[i])
				} else {
					rightY = append(rightY, ys[i])
				}
			}
			if len(leftY) == 0 || len(rightY) == 0 {
				continue
			}
			impurity := float64(len(leftY))*variance(leftY) + float64(len(rightY))*variance(rightY)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature, bestThreshold = feature, threshold
			}
		}
	}
	if bestFeature < 0 {
		return &treeNode{leaf: true, mean: mean(ys)}
	}
	var leftX, rightX []Config
	var leftY, rightY []float64
	for i, x := range xs {
		if x[bestFeature] <= bestThreshold {
			leftX, leftY = append(leftX, x), append(leftY, ys[i])
		} else {
			rightX, rightY = append(rightX, x), append(rightY, ys[i])
		}
	}
	return &treeNode{
		feature:   bestFeature,
		threshold: bestThreshold,
		left:      buildTree(leftX, leftY, depth+1, mtry, rng),
		right:     buildTree(rightX, rightY, depth+1, mtry, rng),
	}
}

// candidateThresholds returns the split points of a feature within a node:
// every distinct value index except the largest.
func candidateThresholds(xs []Config, feature int) []int {
	seen := make(map[int]struct{})
	for _, x := range xs {
		seen[x[feature]] = struct{}{}
	}
	vals := make([]int, 0, len(seen))
	for v := range seen {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	if len(vals) <= 1 {
		return nil
	}
	return vals[:len(vals)-1]
}

func (t *treeNode) predict(x Config) float64 {
	for !t.leaf {
		if x[t.feature] <= t.threshold {
			t = t.left
		} else {
			t = t.right
		}
	}
	return t.mean
}

// predict returns the forest mean and the spread across trees, the latter
// serving as the uncertainty estimate of the acquisition function.
func (f *forest) predict(x Config) (mu, sigma float64) {
	preds := make([]float64, len(f.trees))
	for i, t := range f.trees {
		preds[i] = t.predict(x)
	}
	return mean(preds), math.Sqrt(variance(preds))
}

func mean(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	sum := 0.0
	for _, y := range ys {
		sum += y
	}
	return sum / float64(len(ys))
}

func variance(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	m := mean(ys)
	sum := 0.0
	for _, y := range ys {
		d := y - m
		sum += d * d
	}
	return sum / float64(len(ys))
}
