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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SolidLao/SQLBarber/catalog"
)

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{Tables: map[string]map[string]*catalog.ColumnSample{
		"orders": {
			"o_totalprice": {
				Type:          "numeric",
				DistinctCount: 4,
				SampledValues: []any{float64(9), float64(1), float64(100), float64(9)},
			},
			"o_clerk": {
				Type:          "text",
				DistinctCount: 3,
				SampledValues: []any{"zack", "amy", "zack"},
			},
			"o_empty": {
				Type:          "integer",
				SampledValues: []any{},
			},
		},
	}}
}

func TestBuildSpaceOrderingAndDedup(t *testing.T) {
	sql := `SELECT * FROM orders
WHERE o_totalprice > '{{orders.o_totalprice}}'
AND o_clerk = '{{orders.o_clerk}}'
AND o_empty = '{{orders.o_empty}}'`
	space := BuildSpace(sql, testCatalog())

	// The empty-sample column is skipped.
	require.Len(t, space.Params, 2)

	// Numeric domains sort ascending with duplicates dropped.
	require.Equal(t, "orders.o_totalprice", space.Params[0].Slot.Name())
	require.Equal(t, []string{"1", "9", "100"}, space.Params[0].Values)

	// Non-numeric domains keep sample insertion order.
	require.Equal(t, []string{"zack", "amy"}, space.Params[1].Values)

	require.Equal(t, 6, space.Size())
}

func TestRangePairSwap(t *testing.T) {
	sql := `SELECT * FROM orders
WHERE o_totalprice >= '{{orders.o_totalprice_start}}'
AND o_totalprice <= '{{orders.o_totalprice_end}}'`
	space := BuildSpace(sql, testCatalog())
	require.Len(t, space.Params, 2)

	// Sample start=9, end=1: the rendered pair must not invert.
	cfg := make(Config, 2)
	for i, p := range space.Params {
		switch p.Slot.Suffix {
		case "_start":
			cfg[i] = 1 // value "9"
		case "_end":
			cfg[i] = 0 // value "1"
		}
	}
	values := space.RenderValues(cfg)
	require.Equal(t, "1", values["orders.o_totalprice_start"])
	require.Equal(t, "9", values["orders.o_totalprice_end"])
}

func TestConfigByValuesRoundTrip(t *testing.T) {
	sql := `SELECT * FROM orders WHERE o_totalprice = '{{orders.o_totalprice}}' AND o_clerk = '{{orders.o_clerk}}'`
	space := BuildSpace(sql, testCatalog())

	cfg := Config{2, 1}
	named := space.NamedValues(cfg)
	back, ok := space.ConfigByValues(named)
	require.True(t, ok)
	require.Equal(t, cfg, back)

	_, ok = space.ConfigByValues(map[string]string{"orders.o_totalprice": "nope"})
	require.False(t, ok)
}

func TestFingerprintDistinguishesConfigs(t *testing.T) {
	a := Config{0, 1, 2}
	b := Config{0, 1, 3}
	c := Config{0, 1, 2}
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	require.Equal(t, a.Fingerprint(), c.Fingerprint())
}
