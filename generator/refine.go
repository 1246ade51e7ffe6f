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

package generator

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// maxFewShotExamples bounds the few-shot context of one refinement call.
const maxFewShotExamples = 3

// RefineTemplates asks the LLM to mutate the given templates (or invent new
// ones) so future instantiations land in [lo, hi]. oldCosts carries the
// observed scalar cost samples per template, aligned with oldTemplates; NaN
// entries mark failed evaluations and are ignored. It returns refined
// template texts with a refinement-metadata header prepended.
func (g *Advanced) RefineTemplates(ctx context.Context, costType string, oldTemplates []string, oldCosts [][]float64, lo, hi float64) ([]string, error) {
	examples := buildExamples(oldTemplates, oldCosts, g.joinPaths, lo, hi)
	if len(examples) == 0 {
		return nil, errors.New("no valid templates with costs for refinement")
	}

	prompt := buildRefinePrompt(costTypeName(costType), examples, g.filteredSchema(examples), lo, hi)
	obj, err := g.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var out []string
	appendRefined := func(entry map[string]any) {
		sql, _ := entry["sql_template"].(string)
		if strings.TrimSpace(sql) == "" {
			return
		}
		sql = template.SanitizePlaceholders(sql, g.schema.HasColumn)
		meta := refinementMetadata(entry["metadata"])
		out = append(out, template.FormatRefinementHeader(meta)+sql)
	}
	if list, ok := obj["templates"].([]any); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				appendRefined(entry)
			}
		}
	} else {
		appendRefined(obj)
	}
	if len(out) == 0 {
		logutil.BgLogger().Warn("llm returned no refined templates",
			zap.Float64("lo", lo), zap.Float64("hi", hi))
	}
	return out, nil
}

// buildExamples analyzes the candidate templates and keeps the few closest
// to the target range as few-shot context.
func buildExamples(texts []string, costsList [][]float64, joinPaths JoinPaths, lo, hi float64) []templateExample {
	type scored struct {
		ex       templateExample
		distance float64
	}
	var all []scored
	for i, text := range texts {
		if i >= len(costsList) {
			break
		}
		var valid []float64
		for _, c := range costsList[i] {
			if !math.IsNaN(c) {
				valid = append(valid, c)
			}
		}
		if len(valid) == 0 {
			continue
		}
		minC, maxC, sum := valid[0], valid[0], 0.0
		distinct := make(map[float64]struct{})
		for _, c := range valid {
			if c < minC {
				minC = c
			}
			if c > maxC {
				maxC = c
			}
			sum += c
			distinct[c] = struct{}{}
		}
		avg := sum / float64(len(valid))
		numJoins, _ := template.ParseNumJoins(text)
		ex := templateExample{
			Text:         text,
			MinCost:      minC,
			MaxCost:      maxC,
			AvgCost:      avg,
			DistinctCost: len(distinct),
			NumCosts:     len(valid),
			NumJoins:     numJoins,
			JoinPaths:    joinPaths.PathsFor(numJoins),
		}
		all = append(all, scored{ex: ex, distance: rangeDistance(avg, lo, hi)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].distance < all[j].distance })
	if len(all) > maxFewShotExamples {
		all = all[:maxFewShotExamples]
	}
	out := make([]templateExample, len(all))
	for i, s := range all {
		out[i] = s.ex
	}
	return out
}

// rangeDistance is the distance of a value to an interval, zero inside it.
func rangeDistance(v, lo, hi float64) float64 {
	if v < lo {
		return lo - v
	}
	if v > hi {
		return v - hi
	}
	return 0
}

// filteredSchema narrows the schema to the tables reachable through the
// examples' join paths, falling back to every table. Only size, row count and
// per-column unique-value counts are exposed to the prompt.
func (g *Advanced) filteredSchema(examples []templateExample) map[string]any {
	tables := make(map[string]struct{})
	for _, ex := range examples {
		for _, path := range ex.JoinPaths {
			for _, t := range path {
				tables[t] = struct{}{}
			}
		}
	}
	if len(tables) == 0 {
		for name := range g.schema.Tables {
			tables[name] = struct{}{}
		}
	}
	out := make(map[string]any, len(tables))
	for name := range tables {
		info, ok := g.schema.Tables[name]
		if !ok {
			continue
		}
		cols := make(map[string]int64, len(info.Columns))
		for col, ci := range info.Columns {
			cols[col] = ci.UniqueValues
		}
		out[name] = map[string]any{
			"size":      info.Size,
			"row_count": info.RowCount,
			"columns":   cols,
		}
	}
	return out
}

func refinementMetadata(v any) *template.RefinementMetadata {
	meta := &template.RefinementMetadata{}
	m, ok := v.(map[string]any)
	if !ok {
		return meta
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	meta.Operation = str("operation")
	meta.OldJoinPath = str("old_join_path")
	meta.NewJoinPath = str("new_join_path")
	meta.TableSizeChanges = str("table_size_changes")
	meta.StructuralChanges = str("structural_changes")
	meta.Reasoning = str("think_process")
	return meta
}
