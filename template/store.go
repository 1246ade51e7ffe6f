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

// Package template holds the SQL template model: placeholder slots, the
// metadata header format, and the disk-backed template store.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// Constraints are the structural requirements a template was generated under.
type Constraints struct {
	NumTablesAccessed   int      `json:"num_tables_accessed"`
	NumJoins            int      `json:"num_joins"`
	NumAggregations     int      `json:"num_aggregations"`
	SemanticRequirement string   `json:"semantic_requirement"`
	TablesInvolved      []string `json:"tables_involved"`
}

// Template is one SQL template. Text is the full file content: the --
// metadata header followed by the SQL body with placeholder slots. The header
// travels with the rendered queries so the originating template can be
// recovered from any final SQL string.
type Template struct {
	ID   int
	Text string
}

// Metadata header line prefixes.
const (
	headerTemplateID         = "-- Template ID:"
	headerConstraintsRetries = "-- Rewrite Attempts Number for Constraints Check:"
	headerGrammarRetries     = "-- Rewrite Attempts Number for Grammar Check:"
	headerNumJoins           = "--   Number of Joins:"
)

var templateFilePattern = regexp.MustCompile(`^template_(\d+)\.sql$`)

// FormatHeader renders the metadata header of a freshly generated template.
func FormatHeader(id int, model string, c *Constraints) string {
	var b strings.Builder
	b.WriteString("-- SQL Template Metadata\n")
	fmt.Fprintf(&b, "%s %d\n", headerTemplateID, id)
	fmt.Fprintf(&b, "-- Creation Time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "-- LLM Model: %s\n", model)
	if c != nil {
		b.WriteString("-- Constraints:\n")
		fmt.Fprintf(&b, "--   Number of unique Tables Accessed: %d\n", c.NumTablesAccessed)
		fmt.Fprintf(&b, "%s %d\n", headerNumJoins, c.NumJoins)
		fmt.Fprintf(&b, "--   Number of Aggregations: %d\n", c.NumAggregations)
		fmt.Fprintf(&b, "--   Semantic Requirement: %s\n", c.SemanticRequirement)
		fmt.Fprintf(&b, "--   Tables Involved: %s\n", strings.Join(c.TablesInvolved, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

// SplitHeader separates the leading -- comment block from the SQL body.
func SplitHeader(text string) (header []string, sql string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			header = append(header, line)
			continue
		}
		return header, strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}
	return header, ""
}

// ParseID extracts the template id from a header or a rendered query carrying
// one. The second result is false when no id line is present.
func ParseID(text string) (int, bool) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(trimmed, headerTemplateID); found {
			id, err := strconv.Atoi(strings.TrimSpace(rest))
			if err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// ParseNumJoins reads the joins count from the header, counting JOIN keywords
// in the body as a fallback. The second result is false when neither yields a
// count.
func ParseNumJoins(text string) (int, bool) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--") {
			continue
		}
		if idx := strings.Index(trimmed, "Number of Joins:"); idx >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(trimmed[idx+len("Number of Joins:"):]))
			if err == nil {
				return n, true
			}
		}
	}
	_, body := SplitHeader(text)
	n := strings.Count(strings.ToUpper(body), "JOIN")
	if n > 0 {
		return n, true
	}
	return 0, false
}

// RewriteAttempts are the verify-and-repair counters carried in the header.
type RewriteAttempts struct {
	Constraints int
	Grammar     int
}

// ParseRewriteAttempts reads the counters from a header, zero when absent.
func ParseRewriteAttempts(header []string) RewriteAttempts {
	var a RewriteAttempts
	for _, line := range header {
		trimmed := strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(trimmed, headerConstraintsRetries); found {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				a.Constraints = n
			}
		}
		if rest, found := strings.CutPrefix(trimmed, headerGrammarRetries); found {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				a.Grammar = n
			}
		}
	}
	return a
}

// ComposeWithAttempts rebuilds the template text from a header (with any old
// counter lines dropped), the current counters and the SQL body.
func ComposeWithAttempts(header []string, attempts RewriteAttempts, sql string) string {
	var kept []string
	for _, line := range header {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, headerConstraintsRetries) ||
			strings.HasPrefix(trimmed, headerGrammarRetries) {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept,
		fmt.Sprintf("%s %d", headerConstraintsRetries, attempts.Constraints),
		fmt.Sprintf("%s %d", headerGrammarRetries, attempts.Grammar))
	return strings.Join(kept, "\n") + "\n" + sql
}

// RefinementMetadata describes one refinement step of a template.
type RefinementMetadata struct {
	Operation         string
	OldJoinPath       string
	NewJoinPath       string
	TableSizeChanges  string
	StructuralChanges string
	Reasoning         string
}

// FormatRefinementHeader renders the refinement metadata block prepended to a
// refined template.
func FormatRefinementHeader(m *RefinementMetadata) string {
	var b strings.Builder
	b.WriteString("-- Refined SQL Template Metadata\n")
	fmt.Fprintf(&b, "-- Refinement Time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "-- Operation: %s\n", orUnknown(m.Operation))
	fmt.Fprintf(&b, "-- Old Join Path: %s\n", orUnknown(m.OldJoinPath))
	fmt.Fprintf(&b, "-- New Join Path: %s\n", orUnknown(m.NewJoinPath))
	fmt.Fprintf(&b, "-- Table Size Changes: %s\n", orNA(m.TableSizeChanges))
	fmt.Fprintf(&b, "-- Structural Changes: %s\n", orNA(m.StructuralChanges))
	fmt.Fprintf(&b, "-- LLM Reasoning: %s\n", orNA(m.Reasoning))
	b.WriteString("\n")
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Store is the disk-backed template store. One file per template,
// template_<id>.sql. The distribution controller serializes writes; no
// concurrent-writer guarantees are made.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// List loads every stored template, sorted by id.
func (s *Store) List() ([]*Template, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []*Template
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := templateFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, &Template{ID: id, Text: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one template by id.
func (s *Store) Get(id int) (*Template, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Template{ID: id, Text: string(data)}, nil
}

// Add writes t to disk, overwriting any previous content of the same id.
func (s *Store) Add(t *Template) error {
	return errors.Trace(os.WriteFile(s.path(t.ID), []byte(t.Text), 0o644))
}

// NextID returns one past the highest stored id, starting at 1.
func (s *Store) NextID() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Trace(err)
	}
	max := 0
	for _, e := range entries {
		if m := templateFilePattern.FindStringSubmatch(e.Name()); m != nil {
			id, _ := strconv.Atoi(m[1])
			if id > max {
				max = id
			}
		}
	}
	return max + 1, nil
}

func (s *Store) path(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("template_%d.sql", id))
}
