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

func knownColumns(cols map[string][]string) ColumnChecker {
	return func(table, column string) bool {
		for _, c := range cols[table] {
			if c == column {
				return true
			}
		}
		return false
	}
}

var testChecker = knownColumns(map[string][]string{
	"orders":   {"o_totalprice", "o_custkey", "o_orderdate"},
	"customer": {"c_name"},
})

func TestResolvePlaceholder(t *testing.T) {
	cases := []struct {
		raw    string
		want   string
		suffix string
		ok     bool
	}{
		{"orders.o_totalprice", "orders.o_totalprice", "", true},
		{"orders.o_totalprice_start", "orders.o_totalprice_start", SuffixStart, true},
		{"orders.o_totalprice_end", "orders.o_totalprice_end", SuffixEnd, true},
		// Foreign suffixes strip one trailing block at a time.
		{"orders.o_totalprice_min", "orders.o_totalprice", "", true},
		{"orders.o_totalprice_min_max", "orders.o_totalprice", "", true},
		{"orders.o_custkey_foo", "orders.o_custkey", "", true},
		// _start on a nonexistent base column fails outright.
		{"orders.nope_start", "", "", false},
		{"missing.o_totalprice", "", "", false},
		{"noperiod", "", "", false},
	}
	for _, tc := range cases {
		p, ok := ResolvePlaceholder(tc.raw, testChecker)
		require.Equal(t, tc.ok, ok, tc.raw)
		if ok {
			require.Equal(t, tc.want, p.Name(), tc.raw)
			require.Equal(t, tc.suffix, p.Suffix, tc.raw)
		}
	}
}

func TestRangePartner(t *testing.T) {
	p, ok := ResolvePlaceholder("orders.o_custkey_start", testChecker)
	require.True(t, ok)
	require.True(t, p.IsRange())
	require.Equal(t, "orders.o_custkey_end", p.Partner())

	q, ok := ResolvePlaceholder("orders.o_custkey", testChecker)
	require.True(t, ok)
	require.False(t, q.IsRange())
	require.Equal(t, "", q.Partner())
}

func TestExtractPlaceholders(t *testing.T) {
	sql := `SELECT * FROM orders WHERE o_totalprice >= '{{orders.o_totalprice_start}}'
AND o_totalprice <= '{{orders.o_totalprice_end}}'
AND o_custkey = '{{orders.o_custkey}}'
AND o_custkey = '{{orders.o_custkey}}'
AND bogus = '{{orders.bogus_col}}'`
	got := ExtractPlaceholders(sql, testChecker)
	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name()
	}
	require.Equal(t, []string{
		"orders.o_totalprice_start",
		"orders.o_totalprice_end",
		"orders.o_custkey",
	}, names)
}

func TestSanitizePlaceholders(t *testing.T) {
	sql := "SELECT * FROM orders WHERE a = '{{orders.o_totalprice_min_max}}' AND b = '{{orders.unknown_thing}}'"
	got := SanitizePlaceholders(sql, testChecker)
	require.Contains(t, got, "'{{orders.o_totalprice}}'")
	// Unresolvable slots stay textually unchanged.
	require.Contains(t, got, "'{{orders.unknown_thing}}'")
}

func TestRenderPreservesUnsubstitutedSlots(t *testing.T) {
	sql := "SELECT * FROM orders WHERE a = '{{orders.o_totalprice}}' AND b = '{{orders.o_custkey}}'"
	// Rendering a subset substitutes only that subset; the remaining slot set
	// is unchanged.
	got := Render(sql, map[string]string{"orders.o_totalprice": "42"})
	require.Contains(t, got, "'42'")
	require.Equal(t, []string{"orders.o_custkey"}, ExtractRaw(got))

	// The original slot set is the substituted slot followed by the slots
	// left in the rendered text.
	require.Equal(t, ExtractRaw(sql), append([]string{"orders.o_totalprice"}, ExtractRaw(got)...))
}
