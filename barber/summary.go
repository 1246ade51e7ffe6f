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
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// WorkloadEntry is one generated query of workload.json.
type WorkloadEntry struct {
	QueryID    int     `json:"query_id"`
	TemplateID int     `json:"template_id"`
	Query      string  `json:"query"`
	CostType   string  `json:"cost_type"`
	Cost       float64 `json:"cost"`
}

// bucketDetail describes one bucket in summary.json.
type bucketDetail struct {
	IntervalID  int     `json:"interval_id"`
	LowerBound  float64 `json:"lower_bound"`
	UpperBound  float64 `json:"upper_bound"`
	TargetCount int     `json:"target_count"`
	ActualCount int     `json:"actual_count"`
}

// saveWorkloadAndSummary writes workload.json (cost-ascending, filtered to
// the cost range) and summary.json.
func (r *Runner) saveWorkloadAndSummary(distances []float64, timestamps []time.Time, start, end time.Time) error {
	outDir := filepath.Join(r.cfg.OutputDir, "final", r.opts.TaskName, r.opts.SummaryName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Trace(err)
	}

	var workload []WorkloadEntry
	for i, query := range r.queries {
		c := r.costs[i]
		if math.IsNaN(c) || c < r.opts.MinCost || c > r.opts.MaxCost {
			continue
		}
		id, _ := template.ParseID(query)
		_, body := template.SplitHeader(query)
		workload = append(workload, WorkloadEntry{
			TemplateID: id,
			Query:      body,
			CostType:   string(r.metric.Type()),
			Cost:       c,
		})
	}
	sort.SliceStable(workload, func(i, j int) bool { return workload[i].Cost < workload[j].Cost })
	for i := range workload {
		workload[i].QueryID = i + 1
	}

	workloadPath := filepath.Join(outDir, "workload.json")
	if err := writeJSON(workloadPath, workload); err != nil {
		return errors.Trace(err)
	}

	actual := make([]int, r.opts.NumIntervals)
	perTemplate := make(map[string]int)
	for _, entry := range workload {
		if b := BucketOf(r.intervals, entry.Cost); b >= 0 {
			actual[b]++
		}
		perTemplate[strconv.Itoa(entry.TemplateID)]++
	}
	details := make([]bucketDetail, r.opts.NumIntervals)
	for i := range details {
		details[i] = bucketDetail{
			IntervalID:  i + 1,
			LowerBound:  r.intervals[i],
			UpperBound:  r.intervals[i+1],
			TargetCount: r.target[i],
			ActualCount: actual[i],
		}
	}
	epochs := make([]int64, len(timestamps))
	for i, ts := range timestamps {
		epochs[i] = ts.Unix()
	}

	summary := map[string]any{
		"task_name": r.opts.TaskName,
		"generation_parameters": map[string]any{
			"total_sqls_requested": r.opts.TotalSQLs,
			"total_sqls_generated": len(workload),
			"min_cost":             r.opts.MinCost,
			"max_cost":             r.opts.MaxCost,
			"num_intervals":        r.opts.NumIntervals,
			"target_type":          string(r.metric.Type()),
		},
		"performance_metrics": map[string]any{
			"target_distribution": r.target,
			"actual_distribution": actual,
			"distances":           distances,
			"timestamps":          epochs,
			"total_time_minutes":  end.Sub(start).Minutes(),
		},
		"llm_usage": r.llmUsage(),
		"template_statistics": map[string]any{
			"total_templates_used":      len(perTemplate),
			"queries_per_template":      perTemplate,
			"total_templates_generated": len(r.templates),
		},
		"cost_interval_details": details,
		"missing":               r.missingList(),
	}
	summaryPath := filepath.Join(outDir, "summary.json")
	if err := writeJSON(summaryPath, summary); err != nil {
		return errors.Trace(err)
	}
	logutil.BgLogger().Info("outputs written",
		zap.String("workload", workloadPath),
		zap.String("summary", summaryPath))
	return nil
}

func (r *Runner) llmUsage() llm.Usage {
	if r.client == nil {
		return llm.Usage{}
	}
	return r.client.Usage()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, data, 0o644))
}
