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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostHistoryOrderAndDedup(t *testing.T) {
	h := NewCostHistory()
	h.Set("SELECT a", []float64{1})
	h.Set("SELECT b", []float64{2})
	h.Set("SELECT c", []float64{3})
	// Revisiting an existing key updates its vector without duplicating the
	// entry or moving it.
	h.Set("SELECT b", []float64{20})

	require.Equal(t, []string{"SELECT a", "SELECT b", "SELECT c"}, h.Keys())
	v, ok := h.Get("SELECT b")
	require.True(t, ok)
	require.Equal(t, []float64{20}, v)
	require.Equal(t, 3, h.Len())
}

func TestCostHistoryJSONRoundTripPreservesOrder(t *testing.T) {
	h := NewCostHistory()
	h.Set("z query", []float64{9, 8})
	h.Set("a query", []float64{1})
	h.Set("m query", []float64{5})

	data, err := h.MarshalJSON()
	require.NoError(t, err)

	back := NewCostHistory()
	require.NoError(t, back.UnmarshalJSON(data))
	require.Equal(t, []string{"z query", "a query", "m query"}, back.Keys())
	v, _ := back.Get("z query")
	require.Equal(t, []float64{9, 8}, v)
}

func TestMergeSaveReturnsOnlyFreshEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hist", "h.json")

	first := NewCostHistory()
	first.Set("q1", []float64{1})
	first.Set("q2", []float64{2})
	fresh, err := MergeSave(path, first)
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	second := NewCostHistory()
	second.Set("q2", []float64{22}) // revisit: updated, not fresh
	second.Set("q3", []float64{3})
	fresh, err = MergeSave(path, second)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{3}}, fresh)

	merged, err := LoadCostHistory(path)
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2", "q3"}, merged.Keys())
	v, _ := merged.Get("q2")
	require.Equal(t, []float64{22}, v)

	// No temp file left behind by the atomic write.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestLoadCostHistoryMissingFile(t *testing.T) {
	h, err := LoadCostHistory(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, 0, h.Len())
}

func TestRunHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rh", "run.json")
	c := 42.0
	rh := &RunHistory{Records: []RunRecord{
		{Values: map[string]string{"orders.o_custkey": "7"}, Cost: &c},
		{Values: map[string]string{"orders.o_custkey": "9"}},
	}}
	require.NoError(t, SaveRunHistory(path, rh))

	back := LoadRunHistory(path)
	require.NotNil(t, back)
	require.Len(t, back.Records, 2)
	require.Equal(t, 42.0, *back.Records[0].Cost)
	require.Nil(t, back.Records[1].Cost)

	require.Nil(t, LoadRunHistory(filepath.Join(t.TempDir(), "absent.json")))
}

func TestPathsLayout(t *testing.T) {
	p := Paths{Root: "/out", Task: "postgres_tpch", Metric: "cost"}
	require.Equal(t, "/out/intermediate/cost_history/cost/postgres_tpch/initial_sampling_3.json",
		p.InitialSamplingFile(3))
	require.Equal(t, "/out/intermediate/cost_history/cost/postgres_tpch/3_100_to_200.json",
		p.TargetFile(3, 100, 200))
}
