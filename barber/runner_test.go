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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/cost"
	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/template"
)

// identityController reports a plan whose total cost equals the substituted
// predicate value.
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

func newTestRunner(t *testing.T, opts Options, values ...float64) *Runner {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.OutputDir = dir
	// The tiny test profiles leave at most one sample per template, which the
	// diversity filter would otherwise reject wholesale.
	cfg.Policy.DiversityBound = 0

	store, err := template.NewStore(filepath.Join(dir, "templates"))
	require.NoError(t, err)
	text := "-- SQL Template Metadata\n-- Template ID: 1\n\nSELECT * FROM orders WHERE o_totalprice = '{{orders.o_totalprice}}'"
	require.NoError(t, store.Add(&template.Template{ID: 1, Text: text}))

	metric, err := cost.NewMetric(context.Background(), cost.PlanCost, identityController{})
	require.NoError(t, err)

	runner, err := NewRunner(cfg, opts, identityController{}, nil, nil, nil, store, identityCatalog(values...), metric)
	require.NoError(t, err)
	return runner
}

func defaultOptions() Options {
	return Options{
		TaskName:      "postgres_test",
		SummaryName:   "test_run",
		TotalSQLs:     4,
		MinCost:       0,
		MaxCost:       400,
		NumIntervals:  4,
		NumIterations: 8,
		Seed:          1,
	}
}

func TestNewRunnerRejectsBadBounds(t *testing.T) {
	opts := defaultOptions()
	opts.MinCost, opts.MaxCost = 100, 100
	cfg := config.NewDefaultConfig()
	_, err := NewRunner(cfg, opts, identityController{}, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestRunMatchesTargetDistribution(t *testing.T) {
	runner := newTestRunner(t, defaultOptions(), 50, 150, 250, 350)
	require.NoError(t, runner.SetTargetFromCounts([]int{1, 1, 1, 1}))
	require.NoError(t, runner.Run(context.Background(), nil))

	// The final workload contains exactly the four achievable costs.
	data, err := os.ReadFile(filepath.Join(runner.cfg.OutputDir, "final", "postgres_test", "test_run", "workload.json"))
	require.NoError(t, err)
	var workload []WorkloadEntry
	require.NoError(t, json.Unmarshal(data, &workload))
	costs := make([]float64, len(workload))
	for i, entry := range workload {
		costs[i] = entry.Cost
		require.Equal(t, 1, entry.TemplateID)
	}
	require.Equal(t, []float64{50, 150, 250, 350}, costs)

	// Current distribution covers every bucket at target.
	require.Equal(t, []int{1, 1, 1, 1}, ClampToTarget(runner.current, runner.target))
}

func TestRunMarksUnreachableBucketMissing(t *testing.T) {
	opts := defaultOptions()
	opts.NumIntervals = 2
	opts.MaxCost = 20
	opts.TotalSQLs = 2
	runner := newTestRunner(t, opts, 1, 2)
	require.NoError(t, runner.SetTargetFromCounts([]int{1, 1}))
	require.NoError(t, runner.Run(context.Background(), nil))

	// Bucket 1 is unreachable (all costs land in bucket 0) and ends missing,
	// but the run still completes and reports it.
	require.Contains(t, runner.missingList(), 1)

	data, err := os.ReadFile(filepath.Join(runner.cfg.OutputDir, "final", "postgres_test", "test_run", "summary.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	missing, ok := summary["missing"].([]any)
	require.True(t, ok)
	require.Contains(t, missing, float64(1))
}

func TestClosenessScore(t *testing.T) {
	// All costs inside the interval with full diversity score 1.
	require.Equal(t, 1.0, closenessScore([]float64{110, 120, 130}, 100, 200))

	// Distance shrinks the base score; repeated values shrink variety.
	far := closenessScore([]float64{500, 500}, 100, 200)
	near := closenessScore([]float64{210, 220}, 100, 200)
	require.Greater(t, near, far)

	diverse := closenessScore([]float64{110, 120}, 100, 200)
	repeated := closenessScore([]float64{110, 110}, 100, 200)
	require.Greater(t, diverse, repeated)

	// No valid costs scores zero.
	require.Equal(t, 0.0, closenessScore(nil, 100, 200))
	require.Equal(t, 0.0, closenessScore([]float64{math.NaN()}, 100, 200))
}

func TestLimitedDiversity(t *testing.T) {
	// Few distinct costs, none in range: limited.
	require.True(t, limitedDiversity([]float64{5, 5, 7}, 100, 200, 3))
	// One cost in range rescues the template.
	require.False(t, limitedDiversity([]float64{5, 150}, 100, 200, 3))
	// Enough diversity is never limited.
	require.False(t, limitedDiversity([]float64{1, 2, 3, 4}, 100, 200, 3))
	// No data at all cannot be judged.
	require.False(t, limitedDiversity(nil, 100, 200, 3))
}

func TestCountUseful(t *testing.T) {
	runner := newTestRunner(t, defaultOptions(), 50)
	require.NoError(t, runner.SetTargetFromCounts([]int{1, 1, 0, 0}))

	before := []int{0, 0, 0, 0}
	// 50 fills bucket 0; the second 50 overfills it; 150 fills bucket 1;
	// 250 lands in a zero-target bucket.
	useful := runner.countUseful(before, []float64{50, 50, 150, 250})
	require.Equal(t, 2, useful)
}

func TestZeroTargetBucketNeverSelected(t *testing.T) {
	runner := newTestRunner(t, defaultOptions(), 50)
	require.NoError(t, runner.SetTargetFromCounts([]int{0, 2, 0, 0}))
	bucket, gap := runner.findLargestGap()
	require.Equal(t, 1, bucket)
	require.Equal(t, 2, gap)

	runner.current[1] = 2
	bucket, gap = runner.findLargestGap()
	require.Equal(t, -1, bucket)
	require.Equal(t, 0, gap)
}

func TestWeightedSampleFallsBackToUniform(t *testing.T) {
	runner := newTestRunner(t, defaultOptions(), 50)
	cs := []candidate{{1, 0}, {2, 0}, {3, 0}, {4, 0}}
	got := runner.weightedSample(cs, 2)
	require.Len(t, got, 2)
}
