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
	"fmt"
	"regexp"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/cost"
	"github.com/SolidLao/SQLBarber/db"
)

func TestTargetScore(t *testing.T) {
	r := RangeTarget(100, 200)
	// Inside the interval is perfect.
	require.Equal(t, 0.0, r.Score(150, true))
	require.Equal(t, 0.0, r.Score(100, true))
	require.Equal(t, 0.0, r.Score(200, true))
	// Outside, similarity is the closest bound ratio.
	require.InDelta(t, 1-0.5, r.Score(50, true), 1e-9)   // 50/100
	require.InDelta(t, 1-0.5, r.Score(400, true), 1e-9)  // 200/400
	require.InDelta(t, 1-0.25, r.Score(800, true), 1e-9) // 200/800
	// Failures score worst.
	require.Equal(t, WorstScore, r.Score(0, false))

	s := SingleTarget(100)
	require.Equal(t, 0.0, s.Score(100, true))
	require.InDelta(t, 1-0.5, s.Score(50, true), 1e-9)
	require.InDelta(t, 1-0.5, s.Score(200, true), 1e-9)
}

// identityController reports a plan whose total cost equals the substituted
// predicate value, so the cost metric is the identity of the chosen value.
type identityController struct{}

var valuePattern = regexp.MustCompile(`'(\d+)'`)

func (identityController) Name() string                                     { return "postgres" }
func (identityController) Connect(ctx context.Context, dbName string) error { return nil }
func (identityController) Close()                                           {}
func (identityController) Exec(ctx context.Context, sql string) error       { return nil }

func (identityController) Query(ctx context.Context, sql string) (*db.Result, error) {
	return nil, errors.New("not supported")
}

func (identityController) Explain(ctx context.Context, sql string) ([]string, error) {
	m := valuePattern.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.Errorf("no substituted value in %q", sql)
	}
	return []string{fmt.Sprintf("Seq Scan on orders  (cost=0.00..%s.00 rows=%s width=8)", m[1], m[1])}, nil
}

func (identityController) ExplainJSON(ctx context.Context, sql string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func identityCatalog(values ...float64) *catalog.Catalog {
	samples := make([]any, len(values))
	for i, v := range values {
		samples[i] = v
	}
	return &catalog.Catalog{Tables: map[string]map[string]*catalog.ColumnSample{
		"orders": {
			"o_totalprice": {
				Type:          "integer",
				DistinctCount: int64(len(values)),
				SampledValues: samples,
			},
		},
	}}
}

const identityTemplate = "-- Template ID: 1\nSELECT * FROM orders WHERE o_totalprice = '{{orders.o_totalprice}}'"

func TestProfilePersistsHistory(t *testing.T) {
	paths := Paths{Root: t.TempDir(), Task: "task", Metric: "cost"}
	metric, err := cost.NewMetric(context.Background(), cost.PlanCost, identityController{})
	require.NoError(t, err)

	enum := NewEnumerator(paths, 1, identityTemplate, identityCatalog(1, 9), metric, SingleTarget(10), 1)
	require.Equal(t, 2, enum.SpaceSize())

	costs, err := enum.Profile(context.Background(), 5)
	require.NoError(t, err)

	// Trials cap at the space size; the persisted history holds at least
	// min(trials, |space|) entries.
	require.Len(t, costs, 2)
	require.ElementsMatch(t, []float64{1, 9}, costs)

	h, err := LoadCostHistory(paths.InitialSamplingFile(1))
	require.NoError(t, err)
	require.Equal(t, 2, h.Len())

	require.Len(t, enum.Queries, 2)
	require.Len(t, enum.Costs, 2)
}

func TestOptimizeHitsTargetBucket(t *testing.T) {
	paths := Paths{Root: t.TempDir(), Task: "task", Metric: "cost"}
	metric, err := cost.NewMetric(context.Background(), cost.PlanCost, identityController{})
	require.NoError(t, err)

	enum := NewEnumerator(paths, 1, identityTemplate, identityCatalog(1, 9, 55, 120, 480), metric, RangeTarget(0, 100), 1)
	raws, remaining, err := enum.Optimize(context.Background(), 5, 2, false)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
	require.Len(t, raws, 5)

	inRange := 0
	for _, c := range enum.Costs {
		if c >= 0 && c <= 100 {
			inRange++
		}
	}
	require.Greater(t, inRange, 0)
}

func TestOptimizeReusesHistory(t *testing.T) {
	paths := Paths{Root: t.TempDir(), Task: "task", Metric: "cost"}
	metric, err := cost.NewMetric(context.Background(), cost.PlanCost, identityController{})
	require.NoError(t, err)
	cat := identityCatalog(1, 9, 55, 120, 480, 700, 950, 2000)

	first := NewEnumerator(paths, 1, identityTemplate, cat, metric, SingleTarget(10), 1)
	_, err = first.Profile(context.Background(), 4)
	require.NoError(t, err)

	// Reuse grows the budget by the full history length: the best quarter
	// (1 of 4 trials) seeds the model, the remaining three convert into
	// additional evaluations, so 3 requested trials run 3+3 = 6 new ones.
	second := NewEnumerator(paths, 1, identityTemplate, cat, metric, RangeTarget(0, 100), 1)
	_, remaining, err := second.Optimize(context.Background(), 3, 1, true)
	require.NoError(t, err)
	require.Len(t, second.Costs, 6)
	require.Equal(t, 8-1-6, remaining)
}

func TestOptimizeRejectsEmptySpace(t *testing.T) {
	paths := Paths{Root: t.TempDir(), Task: "task", Metric: "cost"}
	metric, err := cost.NewMetric(context.Background(), cost.PlanCost, identityController{})
	require.NoError(t, err)

	// A template with no searchable placeholders has an empty space.
	enum := NewEnumerator(paths, 2, "SELECT 1", identityCatalog(1), metric, RangeTarget(0, 10), 1)
	_, _, err = enum.Optimize(context.Background(), 5, 2, false)
	require.Error(t, err)
}
