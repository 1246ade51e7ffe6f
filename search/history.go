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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingcap/errors"
)

// CostHistory is an insertion-ordered mapping from a final SQL string to its
// raw per-node cost vector. Insertion order is the canonical identity used
// for dedup: revisiting a SQL string updates its vector in place without
// creating a duplicate entry.
type CostHistory struct {
	keys    []string
	entries map[string][]float64
}

// NewCostHistory returns an empty history.
func NewCostHistory() *CostHistory {
	return &CostHistory{entries: make(map[string][]float64)}
}

// Len returns the number of distinct SQL strings.
func (h *CostHistory) Len() int { return len(h.keys) }

// Keys returns the SQL strings in insertion order.
func (h *CostHistory) Keys() []string { return h.keys }

// Get returns the raw vector of a SQL string.
func (h *CostHistory) Get(sql string) ([]float64, bool) {
	v, ok := h.entries[sql]
	return v, ok
}

// Set inserts or updates an entry, preserving first-insertion order.
func (h *CostHistory) Set(sql string, costs []float64) {
	if _, ok := h.entries[sql]; !ok {
		h.keys = append(h.keys, sql)
	}
	h.entries[sql] = costs
}

// MarshalJSON writes the entries as a JSON object in insertion order.
func (h *CostHistory) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range h.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(h.entries[key])
		if err != nil {
			return nil, errors.Trace(err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object token by token so the on-disk key order
// survives the round trip.
func (h *CostHistory) UnmarshalJSON(data []byte) error {
	h.keys = nil
	h.entries = make(map[string][]float64)
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Trace(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("cost history must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return errors.Trace(err)
		}
		key := keyTok.(string)
		var costs []float64
		if err := dec.Decode(&costs); err != nil {
			return errors.Trace(err)
		}
		h.Set(key, costs)
	}
	return nil
}

// LoadCostHistory reads a history file; a missing file yields an empty
// history.
func LoadCostHistory(path string) (*CostHistory, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewCostHistory(), nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	h := NewCostHistory()
	if err := json.Unmarshal(data, h); err != nil {
		// A corrupt file starts over rather than poisoning the run.
		return NewCostHistory(), nil
	}
	return h, nil
}

// MergeSave merges mem into the file at path with a read-modify-write: keys
// already on disk keep their position with updated vectors, new keys append
// in mem order. The whole file is replaced atomically. It returns the raw
// vectors of keys that were new to the file.
func MergeSave(path string, mem *CostHistory) ([][]float64, error) {
	existing, err := LoadCostHistory(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var fresh [][]float64
	for _, key := range mem.Keys() {
		costs, _ := mem.Get(key)
		if _, ok := existing.Get(key); !ok {
			fresh = append(fresh, costs)
		}
		existing.Set(key, costs)
	}
	if err := writeFileAtomic(path, existing); err != nil {
		return nil, errors.Trace(err)
	}
	return fresh, nil
}

func writeFileAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, path))
}

// RunRecord is one persisted optimizer trial: the value assignment per slot
// name and the scalar cost it produced. Cost is nil for failed evaluations.
type RunRecord struct {
	Values map[string]string `json:"config"`
	Cost   *float64          `json:"cost"`
}

// RunHistory is the persisted trial log of one optimizer run, used to
// warm-start later runs of the same (task, template, metric).
type RunHistory struct {
	Records []RunRecord `json:"records"`
}

// SaveRunHistory writes rh atomically.
func SaveRunHistory(path string, rh *RunHistory) error {
	return errors.Trace(writeFileAtomic(path, rh))
}

// LoadRunHistory reads a run history; missing or corrupt files yield nil.
func LoadRunHistory(path string) *RunHistory {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	rh := &RunHistory{}
	if err := json.Unmarshal(data, rh); err != nil {
		return nil
	}
	return rh
}

// Paths resolves the on-disk layout of histories for one (task, metric).
type Paths struct {
	Root   string
	Task   string
	Metric string
}

// CostHistoryDir is where the per-template cost histories live.
func (p Paths) CostHistoryDir() string {
	return filepath.Join(p.Root, "intermediate", "cost_history", p.Metric, p.Task)
}

// InitialSamplingFile is the cost history of a template's initial profiling.
func (p Paths) InitialSamplingFile(templateID int) string {
	return filepath.Join(p.CostHistoryDir(), fmt.Sprintf("initial_sampling_%d.json", templateID))
}

// TargetFile is the cost history of targeted optimization toward [lo, hi].
func (p Paths) TargetFile(templateID int, lo, hi float64) string {
	return filepath.Join(p.CostHistoryDir(), fmt.Sprintf("%d_%g_to_%g.json", templateID, lo, hi))
}

// RunHistoryDir is where optimizer trial logs live.
func (p Paths) RunHistoryDir() string {
	return filepath.Join(p.Root, "intermediate", "runhistory", p.Task)
}

// InitialRunFile is the trial log of a template's initial profiling.
func (p Paths) InitialRunFile(templateID int) string {
	return filepath.Join(p.RunHistoryDir(),
		fmt.Sprintf("%s_%s_initial_sampling_%d.json", p.Task, p.Metric, templateID))
}

// TargetRunFile is the trial log of one targeted run.
func (p Paths) TargetRunFile(templateID int, lo, hi float64) string {
	return filepath.Join(p.RunHistoryDir(),
		fmt.Sprintf("%s%g_to_%g.json", p.targetRunPrefix(templateID), lo, hi))
}

// targetRunPrefix groups every targeted trial log of (task, template, metric).
func (p Paths) targetRunPrefix(templateID int) string {
	return fmt.Sprintf("%s_%d_%s_", p.Task, templateID, p.Metric)
}

// ListTargetRunFiles returns every targeted trial log of the template.
func (p Paths) ListTargetRunFiles(templateID int) []string {
	entries, err := os.ReadDir(p.RunHistoryDir())
	if err != nil {
		return nil
	}
	prefix := p.targetRunPrefix(templateID)
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(p.RunHistoryDir(), e.Name()))
		}
	}
	return out
}
