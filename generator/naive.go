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
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// SemanticRequirement pairs a template count with a natural-language
// requirement the templates must satisfy.
type SemanticRequirement struct {
	Count int
	Text  string
}

// Generator produces SQL templates into a store.
type Generator interface {
	// Generate creates templates satisfying the semantic requirements and
	// persists them.
	Generate(ctx context.Context, reqs []SemanticRequirement) error
	// SupportsRefinement reports whether RefineTemplates is available.
	SupportsRefinement() bool
}

// Naive generates templates with one schema-only LLM call per semantic
// requirement. It cannot refine.
type Naive struct {
	client *llm.Client
	store  *template.Store
	schema *Schema
}

// NewNaive builds a naive generator over an already-fetched schema snapshot.
func NewNaive(client *llm.Client, store *template.Store, schema *Schema) *Naive {
	return &Naive{client: client, store: store, schema: schema}
}

// SupportsRefinement implements Generator.
func (g *Naive) SupportsRefinement() bool { return false }

// Generate implements Generator.
func (g *Naive) Generate(ctx context.Context, reqs []SemanticRequirement) error {
	dbInfo := schemaText(g.schema)
	for _, req := range reqs {
		prompt := buildNaivePrompt(dbInfo, req.Count, req.Text)
		obj, err := g.client.CompleteJSON(ctx, prompt)
		if err != nil {
			logutil.BgLogger().Warn("naive generation call failed", zap.Error(err))
			continue
		}
		// Responses arrive keyed query1, query2, ...; keep a stable order.
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			sql, ok := obj[key].(string)
			if !ok || strings.TrimSpace(sql) == "" {
				continue
			}
			sql = template.SanitizePlaceholders(sql, g.schema.HasColumn)
			id, err := g.store.NextID()
			if err != nil {
				return errors.Trace(err)
			}
			text := template.FormatHeader(id, g.client.Model(), &template.Constraints{
				SemanticRequirement: req.Text,
			}) + sql
			if err := g.store.Add(&template.Template{ID: id, Text: text}); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// schemaText flattens the schema snapshot into the tabular text block used by
// schema-only prompts.
func schemaText(s *Schema) string {
	var b strings.Builder
	b.WriteString("Database Information:\n")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, table := range s.TableNames() {
		info := s.Tables[table]
		fmt.Fprintf(&b, "Table: %s, Size: %s, Row Count: %d\n", table, info.Size, info.RowCount)
		fmt.Fprintf(&b, "%-30s %-20s %-15s %-10s\n", "Column Name", "Data Type", "Unique Values", "NOT NULL")
		b.WriteString(strings.Repeat("-", 80) + "\n")
		cols := make([]string, 0, len(info.Columns))
		for col := range info.Columns {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			ci := info.Columns[col]
			notNull := "No"
			if !ci.IsNullable {
				notNull = "Yes"
			}
			fmt.Fprintf(&b, "%-30s %-20s %-15d %-10s\n", col, ci.DataType, ci.UniqueValues, notNull)
		}
		if len(info.PrimaryKeys) > 0 {
			fmt.Fprintf(&b, "Primary Key: %s\n", strings.Join(info.PrimaryKeys, ", "))
		} else {
			b.WriteString("Primary Key: None\n")
		}
		if len(info.ForeignKeys) > 0 {
			for _, fk := range info.ForeignKeys {
				fmt.Fprintf(&b, "Foreign Key: %s -> %s(%s)\n",
					fk.Column, fk.References.Table, fk.References.Column)
			}
		} else {
			b.WriteString("Foreign Key: None\n")
		}
		if len(info.Indexes) > 0 {
			b.WriteString("Indexes:\n")
			for _, idx := range info.Indexes {
				fmt.Fprintf(&b, "%s: %s\n", idx.Name, idx.Definition)
			}
		} else {
			b.WriteString("Indexes: None\n")
		}
		b.WriteString("\n" + strings.Repeat("-", 80) + "\n")
	}
	return b.String()
}
