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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

const (
	maxConstraintRetries = 5
	maxGrammarRetries    = 5
)

// VerifyAndRepair checks every stored template in parallel: first the
// structural constraints through the LLM with bounded rewrites, then the SQL
// grammar through an EXPLAIN with one real value substituted per placeholder,
// feeding DB errors back to the LLM for bounded repair.
func (g *Advanced) VerifyAndRepair(ctx context.Context) error {
	templates, err := g.store.List()
	if err != nil {
		return errors.Trace(err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.client.MaxInFlight())
	for _, t := range templates {
		t := t
		eg.Go(func() error {
			g.verifyOne(ctx, t)
			return nil
		})
	}
	return errors.Trace(eg.Wait())
}

// verifyOne runs the two repair loops for one template. Failures abandon the
// template without poisoning the run.
func (g *Advanced) verifyOne(ctx context.Context, t *template.Template) {
	header, sql := template.SplitHeader(t.Text)
	attempts := template.ParseRewriteAttempts(header)

	for attempts.Constraints < maxConstraintRetries {
		current := template.ComposeWithAttempts(header, attempts, sql)
		obj, err := g.client.CompleteJSON(ctx, buildConstraintCheckPrompt(current))
		if err != nil {
			logutil.BgLogger().Warn("constraint check call failed",
				zap.Int("template", t.ID), zap.Error(err))
			return
		}
		if result, _ := obj["result"].(string); result == "Satisfied" {
			t.Text = current
			if err := g.store.Add(t); err != nil {
				logutil.BgLogger().Error("cannot persist template", zap.Int("template", t.ID), zap.Error(err))
				return
			}
			g.grammarLoop(ctx, t, header, sql, attempts)
			return
		}
		attempts.Constraints++
		rewritten, _ := obj["sql_template"].(string)
		if strings.TrimSpace(rewritten) == "" {
			logutil.BgLogger().Warn("llm gave no rewritten template",
				zap.Int("template", t.ID))
			return
		}
		rewritten = template.SanitizePlaceholders(rewritten, g.schema.HasColumn)
		header, sql = template.SplitHeader(rewritten)
		t.Text = template.ComposeWithAttempts(header, attempts, sql)
		if err := g.store.Add(t); err != nil {
			logutil.BgLogger().Error("cannot persist template", zap.Int("template", t.ID), zap.Error(err))
			return
		}
	}
	logutil.BgLogger().Warn("template failed constraint check after retries",
		zap.Int("template", t.ID), zap.Int("retries", maxConstraintRetries))
}

func (g *Advanced) grammarLoop(ctx context.Context, t *template.Template, header []string, sql string, attempts template.RewriteAttempts) {
	for attempts.Grammar < maxGrammarRetries {
		current := template.ComposeWithAttempts(header, attempts, sql)
		samples := g.sampleValues(ctx, sql)
		executable := substituteSamples(sql, samples)
		if _, err := g.ctl.Explain(ctx, executable); err == nil {
			t.Text = current
			if err := g.store.Add(t); err != nil {
				logutil.BgLogger().Error("cannot persist template", zap.Int("template", t.ID), zap.Error(err))
			}
			return
		} else {
			logutil.BgLogger().Info("grammar check failed, asking llm for repair",
				zap.Int("template", t.ID), zap.Error(err))
			prompt := buildGrammarRepairPrompt(current, err.Error(), g.collectTableColumns(current))
			obj, cerr := g.client.CompleteJSON(ctx, prompt)
			if cerr != nil {
				logutil.BgLogger().Warn("grammar repair call failed",
					zap.Int("template", t.ID), zap.Error(cerr))
				return
			}
			corrected, _ := obj["sql_template"].(string)
			if strings.TrimSpace(corrected) == "" {
				logutil.BgLogger().Warn("llm gave no corrected template",
					zap.Int("template", t.ID))
				return
			}
			corrected = template.SanitizePlaceholders(corrected, g.schema.HasColumn)
			header, sql = template.SplitHeader(corrected)
			attempts.Grammar++
			t.Text = template.ComposeWithAttempts(header, attempts, sql)
			if err := g.store.Add(t); err != nil {
				logutil.BgLogger().Error("cannot persist template", zap.Int("template", t.ID), zap.Error(err))
				return
			}
		}
	}
	logutil.BgLogger().Warn("template failed grammar check after retries",
		zap.Int("template", t.ID), zap.Int("retries", maxGrammarRetries))
}

// sampleValues fetches one real value per base column referenced by the
// template's slots, with a literal 'test' fallback.
func (g *Advanced) sampleValues(ctx context.Context, sql string) map[string]string {
	out := make(map[string]string)
	for _, raw := range template.ExtractRaw(sql) {
		table, col, ok := strings.Cut(raw, ".")
		if !ok {
			out[raw] = "test"
			continue
		}
		col = strings.TrimSuffix(strings.TrimSuffix(col, template.SuffixStart), template.SuffixEnd)
		key := table + "." + col
		if _, done := out[key]; done {
			continue
		}
		res, err := g.ctl.Query(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s IS NOT NULL LIMIT 1", col, table, col))
		if err != nil || len(res.Rows) == 0 || len(res.Rows[0]) == 0 || res.Rows[0][0] == nil {
			out[key] = "test"
			continue
		}
		out[key] = strings.TrimSpace(fmt.Sprint(res.Rows[0][0]))
	}
	return out
}

var suffixPattern = regexp.MustCompile(`_(start|end)$`)

// substituteSamples renders every slot with its base column's sample value.
func substituteSamples(sql string, samples map[string]string) string {
	values := make(map[string]string)
	for _, raw := range template.ExtractRaw(sql) {
		base := suffixPattern.ReplaceAllString(raw, "")
		if v, ok := samples[base]; ok {
			values[raw] = v
		} else {
			values[raw] = "test"
		}
	}
	return template.Render(sql, values)
}

var tableRefPattern = regexp.MustCompile("(?i)\\b(?:FROM|JOIN)\\s+([A-Za-z0-9_.\"`]+)")

// collectTableColumns maps every schema table referenced after FROM/JOIN in
// the template to all of its columns, for the repair prompt.
func (g *Advanced) collectTableColumns(text string) map[string][]string {
	canon := make(map[string]string, len(g.schema.Tables))
	for name := range g.schema.Tables {
		canon[strings.ToLower(name)] = name
	}
	out := make(map[string][]string)
	for _, m := range tableRefPattern.FindAllStringSubmatch(text, -1) {
		raw := strings.Trim(strings.TrimSuffix(m[1], ","), "\"`")
		parts := strings.Split(raw, ".")
		name, ok := canon[strings.ToLower(parts[len(parts)-1])]
		if !ok {
			continue
		}
		if _, done := out[name]; done {
			continue
		}
		cols := make([]string, 0, len(g.schema.Tables[name].Columns))
		for col := range g.schema.Tables[name].Columns {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		out[name] = cols
	}
	return out
}
