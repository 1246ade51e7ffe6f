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

// Package search drives a template's instantiated cost toward a target cost
// interval by Bayesian optimization over ordinal hyperparameters drawn from
// sampled column values.
package search

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/template"
)

// Param is one ordinal hyperparameter: a placeholder slot with the ordered
// domain of its column's sampled values. Values holds the rendered string
// forms; numeric columns are ordered ascending, all others keep sample
// insertion order. Duplicate string forms are dropped.
type Param struct {
	Slot   template.Placeholder
	Values []string
}

// Space is the joint ordinal search space of one template.
type Space struct {
	Params []Param
}

// BuildSpace extracts the valid placeholder slots of the template body and
// turns each into an ordinal hyperparameter. Slots whose column has no
// sampled values are skipped.
func BuildSpace(sql string, cat *catalog.Catalog) *Space {
	s := &Space{}
	for _, slot := range template.ExtractPlaceholders(sql, cat.HasColumn) {
		sample, ok := cat.Lookup(slot.Table, slot.Column)
		if !ok || len(sample.SampledValues) == 0 {
			continue
		}
		values := orderValues(sample)
		if len(values) == 0 {
			continue
		}
		s.Params = append(s.Params, Param{Slot: slot, Values: values})
	}
	return s
}

// orderValues renders and orders a column's sampled values for use as an
// ordinal domain.
func orderValues(sample *catalog.ColumnSample) []string {
	type entry struct {
		str string
		num float64
	}
	numeric := sample.Class() == catalog.ClassNumeric
	var entries []entry
	seen := make(map[string]struct{})
	for _, v := range sample.SampledValues {
		str := valueString(v)
		if _, dup := seen[str]; dup {
			continue
		}
		seen[str] = struct{}{}
		e := entry{str: str}
		if numeric {
			n, ok := catalog.NumericValue(v)
			if !ok {
				continue
			}
			e.num = n
		}
		entries = append(entries, e)
	}
	if numeric {
		sort.Slice(entries, func(i, j int) bool { return entries[i].num < entries[j].num })
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.str
	}
	return out
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Size returns the joint configuration count, saturating at MaxInt to keep
// products of large domains safe.
func (s *Space) Size() int {
	if len(s.Params) == 0 {
		return 0
	}
	size := 1
	for _, p := range s.Params {
		if size > math.MaxInt/len(p.Values) {
			return math.MaxInt
		}
		size *= len(p.Values)
	}
	return size
}

// Config is one point of the space: a value index per parameter, aligned with
// Space.Params.
type Config []int

// Fingerprint hashes a config for dedup bookkeeping.
func (c Config) Fingerprint() uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, idx := range c {
		buf[0] = byte(idx)
		buf[1] = byte(idx >> 8)
		buf[2] = byte(idx >> 16)
		buf[3] = byte(idx >> 24)
		buf[4] = byte(idx >> 32)
		buf[5] = byte(idx >> 40)
		buf[6] = byte(idx >> 48)
		buf[7] = byte(idx >> 56)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Values resolves a config to the rendered value per slot name.
func (s *Space) Values(c Config) map[string]string {
	out := make(map[string]string, len(s.Params))
	for i, p := range s.Params {
		out[p.Slot.Raw] = p.Values[c[i]]
	}
	return out
}

// ConfigByValues maps a value-per-slot-name assignment back to a config.
// Unknown slots or values make it fail.
func (s *Space) ConfigByValues(values map[string]string) (Config, bool) {
	c := make(Config, len(s.Params))
	for i, p := range s.Params {
		v, ok := values[p.Slot.Name()]
		if !ok {
			return nil, false
		}
		idx := -1
		for j, candidate := range p.Values {
			if candidate == v {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		c[i] = idx
	}
	return c, true
}

// NamedValues resolves a config to the value per canonical slot name, the
// form persisted in run histories.
func (s *Space) NamedValues(c Config) map[string]string {
	out := make(map[string]string, len(s.Params))
	for i, p := range s.Params {
		out[p.Slot.Name()] = p.Values[c[i]]
	}
	return out
}

// RenderValues produces the substitution map of a config with the range-pair
// invariant applied: when both ends of a pair are present the two sampled
// values are reordered so start ≤ end under the column ordering.
func (s *Space) RenderValues(c Config) map[string]string {
	byName := make(map[string]int, len(s.Params))
	for i := range s.Params {
		byName[s.Params[i].Slot.Name()] = i
	}
	out := make(map[string]string, len(s.Params))
	for i, p := range s.Params {
		v := p.Values[c[i]]
		if p.Slot.IsRange() {
			if j, ok := byName[p.Slot.Partner()]; ok {
				other := s.Params[j].Values[c[j]]
				lo, hi := orderPair(v, other)
				if p.Slot.Suffix == template.SuffixStart {
					v = lo
				} else {
					v = hi
				}
			}
		}
		out[p.Slot.Raw] = v
	}
	return out
}

// orderPair orders two rendered values, numerically when both parse as
// numbers, lexicographically otherwise (ISO dates order correctly as text).
func orderPair(a, b string) (lo, hi string) {
	fa, oka := catalog.NumericValue(a)
	fb, okb := catalog.NumericValue(b)
	if oka && okb {
		if fa <= fb {
			return a, b
		}
		return b, a
	}
	if a <= b {
		return a, b
	}
	return b, a
}
