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
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// StructuralTemplate is one structural constraint entry of a reference
// workload specification.
type StructuralTemplate struct {
	TemplateID      int   `json:"template_id"`
	NumJoins        int   `json:"num_joins"`
	NumAggregations int   `json:"num_aggregations"`
	ReadTableIDs    []int `json:"read_table_ids"`
}

// StructuralSpec is a reference workload's structural constraint catalog. The
// counts are rescaled by the ratio of target-schema size to NumTables.
type StructuralSpec struct {
	NumTables int                  `json:"num_tables"`
	Templates []StructuralTemplate `json:"templates"`
}

// LoadStructuralSpec reads a structural constraint catalog.
func LoadStructuralSpec(path string) (*StructuralSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	spec := &StructuralSpec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, errors.Trace(err)
	}
	if spec.NumTables <= 0 || len(spec.Templates) == 0 {
		return nil, errors.Errorf("structural spec %s is empty", path)
	}
	return spec, nil
}

// Advanced generates templates in two phases: a join-path catalog built by
// the LLM from the schema's foreign keys, then one constrained prompt per
// structural entry, followed by a parallel verify-and-repair pass.
type Advanced struct {
	ctl       db.Controller
	client    *llm.Client
	store     *template.Store
	schema    *Schema
	joinPaths JoinPaths
	spec      *StructuralSpec
	metaDir   string
	rng       *rand.Rand
}

// NewAdvanced fetches (or loads) the schema snapshot and join-path catalog
// and binds the structural spec.
func NewAdvanced(ctx context.Context, ctl db.Controller, client *llm.Client, store *template.Store, spec *StructuralSpec, metaDir string, seed int64) (*Advanced, error) {
	schema, err := FetchSchema(ctx, ctl, filepath.Join(metaDir, "schema.json"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	joinPaths, err := GenerateJoinPaths(ctx, client, schema, filepath.Join(metaDir, "joinable_path.json"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Advanced{
		ctl:       ctl,
		client:    client,
		store:     store,
		schema:    schema,
		joinPaths: joinPaths,
		spec:      spec,
		metaDir:   metaDir,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Schema exposes the snapshot for callers that build their own prompts.
func (g *Advanced) Schema() *Schema { return g.schema }

// JoinPaths exposes the join-path catalog.
func (g *Advanced) JoinPaths() JoinPaths { return g.joinPaths }

// SupportsRefinement implements Generator.
func (g *Advanced) SupportsRefinement() bool { return true }

// Generate implements Generator: it derives one constrained prompt per
// structural entry, fans the prompts out to the LLM, sanitizes and stores the
// results, then runs verify-and-repair over the stored templates.
func (g *Advanced) Generate(ctx context.Context, reqs []SemanticRequirement) error {
	assigned := assignRequirements(reqs, len(g.spec.Templates), g.rng)

	type pending struct {
		id          int
		constraints *template.Constraints
	}
	var prompts []string
	var metas []pending
	nextID, err := g.store.NextID()
	if err != nil {
		return errors.Trace(err)
	}
	for i, st := range g.spec.Templates {
		c := g.deriveConstraints(&st, assigned[i])
		tablesInfo := g.selectTables(c)
		c.TablesInvolved = tableNames(tablesInfo)
		prompts = append(prompts, buildConstrainedPrompt(c, tablesInfo))
		metas = append(metas, pending{id: nextID + i, constraints: c})
	}

	results, err := g.client.CompleteJSONBatch(ctx, prompts)
	if err != nil {
		return errors.Trace(err)
	}
	infos := make(map[string]*template.Constraints)
	for i, obj := range results {
		if obj == nil {
			continue
		}
		sql, _ := obj["sql_template"].(string)
		if strings.TrimSpace(sql) == "" {
			logutil.BgLogger().Warn("llm returned no sql_template",
				zap.Int("template", metas[i].id))
			continue
		}
		sql = template.SanitizePlaceholders(sql, g.schema.HasColumn)
		text := template.FormatHeader(metas[i].id, g.client.Model(), metas[i].constraints) + sql
		if err := g.store.Add(&template.Template{ID: metas[i].id, Text: text}); err != nil {
			return errors.Trace(err)
		}
		infos[strconv.Itoa(metas[i].id)] = metas[i].constraints
	}
	if err := g.saveTemplatesInfo(infos); err != nil {
		return errors.Trace(err)
	}
	return g.VerifyAndRepair(ctx)
}

// deriveConstraints rescales one structural entry by the schema-size ratio
// and resolves the self-join bookkeeping.
func (g *Advanced) deriveConstraints(st *StructuralTemplate, semanticRequirement string) *template.Constraints {
	numTablesAccessed := len(st.ReadTableIDs)
	selfJoin := numTablesAccessed != st.NumJoins+1

	ratio := float64(len(g.schema.Tables)) / float64(g.spec.NumTables)
	numJoins := int(math.Ceil(float64(st.NumJoins) * ratio))
	numAggregations := int(math.Ceil(float64(st.NumAggregations) * ratio))
	numTablesAccessed = int(math.Ceil(float64(numTablesAccessed) * ratio))

	if !selfJoin {
		if numJoins+1 > numTablesAccessed {
			numTablesAccessed = numJoins + 1
		}
		numJoins = numTablesAccessed - 1
	}
	return &template.Constraints{
		NumTablesAccessed:   numTablesAccessed,
		NumJoins:            numJoins,
		NumAggregations:     numAggregations,
		SemanticRequirement: semanticRequirement,
	}
}

// selectTables picks a joinable path matching the constraint's join count and
// filters the schema down to it. Without joins a random single table is used;
// without a matching path the whole schema is offered.
func (g *Advanced) selectTables(c *template.Constraints) map[string]TableInfo {
	if c.NumJoins == 0 {
		names := g.schema.TableNames()
		table := names[g.rng.Intn(len(names))]
		return map[string]TableInfo{table: g.schema.Tables[table]}
	}
	paths := g.joinPaths.PathsFor(c.NumJoins)
	if len(paths) == 0 {
		logutil.BgLogger().Info("no joinable path for join count, offering full schema",
			zap.Int("num-joins", c.NumJoins))
		return g.schema.Tables
	}
	path := paths[g.rng.Intn(len(paths))]
	out := make(map[string]TableInfo, len(path))
	for _, table := range path {
		if info, ok := g.schema.Tables[table]; ok {
			out[table] = info
		}
	}
	if len(out) == 0 {
		return g.schema.Tables
	}
	return out
}

// assignRequirements spreads the semantic requirements over total slots in
// proportion to their counts, fixing rounding drift, then shuffles.
func assignRequirements(reqs []SemanticRequirement, total int, rng *rand.Rand) []string {
	out := make([]string, total)
	if len(reqs) == 0 {
		return out
	}
	weightSum := 0
	for _, r := range reqs {
		weightSum += r.Count
	}
	if weightSum == 0 {
		return out
	}
	counts := make([]int, len(reqs))
	assigned := 0
	for i, r := range reqs {
		counts[i] = r.Count * total / weightSum
		assigned += counts[i]
	}
	for i := 0; assigned < total; i++ {
		counts[i%len(counts)]++
		assigned++
	}
	for i := 0; assigned > total; i++ {
		if counts[i%len(counts)] > 0 {
			counts[i%len(counts)]--
			assigned--
		}
	}
	idx := 0
	for i, n := range counts {
		for j := 0; j < n && idx < total; j++ {
			out[idx] = reqs[i].Text
			idx++
		}
	}
	rng.Shuffle(total, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func tableNames(tables map[string]TableInfo) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	return names
}

func (g *Advanced) templatesInfoPath() string {
	return filepath.Join(g.store.Dir(), "templates_info.json")
}

func (g *Advanced) saveTemplatesInfo(infos map[string]*template.Constraints) error {
	existing := g.loadTemplatesInfo()
	for id, c := range infos {
		existing[id] = c
	}
	data, err := json.MarshalIndent(existing, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(g.templatesInfoPath(), data, 0o644))
}

func (g *Advanced) loadTemplatesInfo() map[string]*template.Constraints {
	out := make(map[string]*template.Constraints)
	data, err := os.ReadFile(g.templatesInfoPath())
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}
