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

package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreAddListGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.NextID()
	require.NoError(t, err)
	require.Equal(t, 1, id)

	text := FormatHeader(id, "o3-mini", &Constraints{
		NumTablesAccessed: 2,
		NumJoins:          1,
		NumAggregations:   0,
		TablesInvolved:    []string{"orders", "customer"},
	}) + "SELECT * FROM orders JOIN customer ON o_custkey = c_custkey WHERE o_totalprice > '{{orders.o_totalprice}}'"
	require.NoError(t, store.Add(&Template{ID: id, Text: text}))

	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, text, got.Text)

	parsed, ok := ParseID(got.Text)
	require.True(t, ok)
	require.Equal(t, id, parsed)

	joins, ok := ParseNumJoins(got.Text)
	require.True(t, ok)
	require.Equal(t, 1, joins)

	// IDs are monotonic from the max observed.
	require.NoError(t, store.Add(&Template{ID: 7, Text: "-- Template ID: 7\nSELECT 1"}))
	next, err := store.NextID()
	require.NoError(t, err)
	require.Equal(t, 8, next)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, 1, list[0].ID)
	require.Equal(t, 7, list[1].ID)
}

func TestRewriteAttemptsRoundTrip(t *testing.T) {
	header, sql := SplitHeader("-- SQL Template Metadata\n-- Template ID: 3\nSELECT 1")
	require.Equal(t, "SELECT 1", sql)

	composed := ComposeWithAttempts(header, RewriteAttempts{Constraints: 2, Grammar: 1}, sql)
	header2, sql2 := SplitHeader(composed)
	require.Equal(t, sql, sql2)
	attempts := ParseRewriteAttempts(header2)
	require.Equal(t, 2, attempts.Constraints)
	require.Equal(t, 1, attempts.Grammar)

	// Re-composing replaces the counter lines instead of stacking them.
	composed2 := ComposeWithAttempts(header2, RewriteAttempts{Constraints: 3, Grammar: 1}, sql2)
	header3, _ := SplitHeader(composed2)
	attempts = ParseRewriteAttempts(header3)
	require.Equal(t, 3, attempts.Constraints)
	count := 0
	for _, line := range header3 {
		if len(line) >= len(headerConstraintsRetries) && line[:len(headerConstraintsRetries)] == headerConstraintsRetries {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestSplitHeaderKeepsBody(t *testing.T) {
	text := "-- a\n-- b\n\nSELECT *\nFROM t\nWHERE x = '{{t.x}}'"
	header, sql := SplitHeader(text)
	require.Len(t, header, 3)
	require.Equal(t, "SELECT *\nFROM t\nWHERE x = '{{t.x}}'", sql)
}
