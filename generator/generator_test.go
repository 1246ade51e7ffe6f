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
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SolidLao/SQLBarber/template"
)

func testSchema() *Schema {
	return &Schema{Tables: map[string]TableInfo{
		"orders": {
			Size:     "120 MB",
			RowCount: 150000,
			Columns: map[string]ColumnInfo{
				"o_orderkey":   {DataType: "integer", UniqueValues: 150000},
				"o_custkey":    {DataType: "integer", UniqueValues: 10000},
				"o_totalprice": {DataType: "numeric", UniqueValues: 140000},
			},
		},
		"customer": {
			Size:     "24 MB",
			RowCount: 10000,
			Columns: map[string]ColumnInfo{
				"c_custkey": {DataType: "integer", UniqueValues: 10000},
				"c_name":    {DataType: "text", UniqueValues: 10000},
			},
		},
	}}
}

func TestAssignRequirementsProportions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	reqs := []SemanticRequirement{
		{Count: 3, Text: "agg"},
		{Count: 1, Text: "groupby"},
	}
	got := assignRequirements(reqs, 8, rng)
	require.Len(t, got, 8)
	counts := map[string]int{}
	for _, s := range got {
		counts[s]++
	}
	require.Equal(t, 6, counts["agg"])
	require.Equal(t, 2, counts["groupby"])

	// No requirements leaves every slot empty.
	empty := assignRequirements(nil, 4, rng)
	require.Equal(t, []string{"", "", "", ""}, empty)
}

func TestDeriveConstraintsRescales(t *testing.T) {
	g := &Advanced{
		schema: testSchema(), // 2 tables
		spec:   &StructuralSpec{NumTables: 4},
	}
	// Non-self-join entry: 2 tables, 1 join, rescaled by 2/4.
	c := g.deriveConstraints(&StructuralTemplate{
		NumJoins:        1,
		NumAggregations: 2,
		ReadTableIDs:    []int{10, 11},
	}, "req")
	// ceil(1*0.5)=1 join, so tables = joins+1 = 2.
	require.Equal(t, 1, c.NumJoins)
	require.Equal(t, 2, c.NumTablesAccessed)
	require.Equal(t, 1, c.NumAggregations)
	require.Equal(t, "req", c.SemanticRequirement)

	// Self-join entry (tables != joins+1) keeps its scaled counts as-is.
	c = g.deriveConstraints(&StructuralTemplate{
		NumJoins:        2,
		NumAggregations: 0,
		ReadTableIDs:    []int{10},
	}, "")
	require.Equal(t, 1, c.NumJoins)
	require.Equal(t, 1, c.NumTablesAccessed)
}

func TestSelectTables(t *testing.T) {
	g := &Advanced{
		schema:    testSchema(),
		joinPaths: JoinPaths{"1": {{"orders", "customer"}}},
		rng:       rand.New(rand.NewSource(1)),
	}
	// A matching path filters the schema to its tables.
	got := g.selectTables(&template.Constraints{NumJoins: 1})
	require.Len(t, got, 2)
	require.Contains(t, got, "orders")
	require.Contains(t, got, "customer")

	// No joins picks a single table.
	got = g.selectTables(&template.Constraints{NumJoins: 0})
	require.Len(t, got, 1)

	// No matching path offers the full schema.
	got = g.selectTables(&template.Constraints{NumJoins: 3})
	require.Len(t, got, 2)
}

func TestSubstituteSamples(t *testing.T) {
	sql := "SELECT * FROM orders WHERE o_totalprice >= '{{orders.o_totalprice_start}}' AND o_totalprice <= '{{orders.o_totalprice_end}}' AND o_custkey = '{{orders.o_custkey}}'"
	samples := map[string]string{
		"orders.o_totalprice": "99.5",
		"orders.o_custkey":    "7",
	}
	got := substituteSamples(sql, samples)
	require.NotContains(t, got, "{{")
	require.Contains(t, got, ">= '99.5'")
	require.Contains(t, got, "<= '99.5'")
	require.Contains(t, got, "= '7'")
}

func TestCollectTableColumns(t *testing.T) {
	g := &Advanced{schema: testSchema()}
	text := "SELECT * FROM orders o JOIN Customer c ON o.o_custkey = c.c_custkey"
	got := g.collectTableColumns(text)
	require.Len(t, got, 2)
	require.Equal(t, []string{"c_custkey", "c_name"}, got["customer"])
	require.Equal(t, []string{"o_custkey", "o_orderkey", "o_totalprice"}, got["orders"])
}

func TestBuildExamplesKeepsClosest(t *testing.T) {
	texts := []string{
		"-- Template ID: 1\n--   Number of Joins: 0\nSELECT 1",
		"-- Template ID: 2\n--   Number of Joins: 1\nSELECT 2",
		"-- Template ID: 3\n--   Number of Joins: 0\nSELECT 3",
		"-- Template ID: 4\n--   Number of Joins: 2\nSELECT 4",
	}
	costs := [][]float64{
		{5000, 6000},          // far above
		{150, 160},            // inside
		{math.NaN()},          // no valid cost, dropped
		{90, 95},              // just below
	}
	examples := buildExamples(texts, costs, JoinPaths{}, 100, 200)
	// The NaN-only entry drops; the three survivors fit the few-shot cap,
	// ordered by distance to the target range.
	require.Len(t, examples, 3)
	require.Equal(t, texts[1], examples[0].Text)
	require.Equal(t, 155.0, examples[0].AvgCost)
	require.Equal(t, texts[3], examples[1].Text)
	require.Equal(t, texts[0], examples[2].Text)
}

func TestSchemaHasColumn(t *testing.T) {
	s := testSchema()
	require.True(t, s.HasColumn("orders", "o_custkey"))
	require.False(t, s.HasColumn("orders", "nope"))
	require.False(t, s.HasColumn("nope", "o_custkey"))
}
