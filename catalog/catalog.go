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

// Package catalog extracts and serves per-column metadata of the working
// schema: type class, value range, distinct count and a bounded sample of
// distinct values. The catalog is built once per database and is immutable
// during a run.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// MaxSampledValues bounds the number of distinct values kept per column.
const MaxSampledValues = 500

// TypeClass partitions column types into the four classes the predicate
// search cares about.
type TypeClass string

// Type classes.
const (
	ClassNumeric TypeClass = "NUMERIC"
	ClassString  TypeClass = "STRING"
	ClassDate    TypeClass = "DATE"
	ClassBool    TypeClass = "BOOL"
)

// ColumnSample is the metadata of one column.
type ColumnSample struct {
	// Type is the declared SQL type as reported by information_schema.
	Type string `json:"type"`
	// MinValue and MaxValue hold the column range, already normalized for JSON
	// (decimals as float64, dates as ISO-8601 strings).
	MinValue any `json:"min_value"`
	MaxValue any `json:"max_value"`
	// DistinctCount is the total COUNT(DISTINCT) of the column.
	DistinctCount int64 `json:"distinct_count"`
	// SampledValues is an ordered sample of at most MaxSampledValues distinct
	// non-null values.
	SampledValues []any `json:"sampled_distinct_values"`
}

// Class maps the declared type to its class.
func (c *ColumnSample) Class() TypeClass {
	return classify(c.Type)
}

func classify(declared string) TypeClass {
	switch strings.ToLower(declared) {
	case "integer", "bigint", "smallint", "int", "tinyint", "mediumint",
		"float", "double precision", "double", "numeric", "decimal", "real":
		return ClassNumeric
	case "boolean", "bool":
		return ClassBool
	case "date", "timestamp", "timestamp without time zone",
		"timestamp with time zone", "datetime":
		return ClassDate
	default:
		return ClassString
	}
}

// Catalog maps table name to column name to sample.
type Catalog struct {
	Tables map[string]map[string]*ColumnSample
}

// Lookup returns the sample of (table, column). The second result is false
// when the column is unknown; callers must skip such placeholders.
func (c *Catalog) Lookup(table, column string) (*ColumnSample, bool) {
	cols, ok := c.Tables[table]
	if !ok {
		return nil, false
	}
	s, ok := cols[column]
	return s, ok
}

// HasColumn reports whether (table, column) is known.
func (c *Catalog) HasColumn(table, column string) bool {
	_, ok := c.Lookup(table, column)
	return ok
}

// MarshalJSON serializes the table map directly, matching the on-disk layout
// {table: {column: sample}}.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Tables)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.Tables)
}

// Save writes the catalog to path, creating parent directories.
func (c *Catalog) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, data, 0o644))
}

// Load reads a catalog previously written by Save.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Catalog{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// NormalizeValue converts a driver value into its JSON-stable form: integers
// and decimals become float64, dates become ISO-8601 strings, byte slices
// become strings. Unknown driver types fall back to their string form.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string, float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// NumericValue reports v as a float64 when it carries a number, including
// numeric strings returned by drivers that stringify decimals.
func NumericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Extract builds the catalog for every table in the working schema of ctl.
// Min/max/distinct-count statistics are batched into one multi-aggregate
// query per table, falling back to per-column queries on failure.
func Extract(ctx context.Context, ctl db.Controller) (*Catalog, error) {
	cat := &Catalog{Tables: make(map[string]map[string]*ColumnSample)}

	tables, err := listTables(ctx, ctl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, table := range tables {
		cols, err := listColumns(ctx, ctl, table)
		if err != nil {
			logutil.BgLogger().Warn("skip table, cannot list columns",
				zap.String("table", table), zap.Error(err))
			continue
		}
		samples := make(map[string]*ColumnSample, len(cols))
		for _, col := range cols {
			samples[col.name] = &ColumnSample{Type: col.declaredType}
		}
		cat.Tables[table] = samples

		if err := fetchStatsBatched(ctx, ctl, table, cols, samples); err != nil {
			logutil.BgLogger().Warn("batched stats failed, falling back to per-column",
				zap.String("table", table), zap.Error(err))
			fetchStatsPerColumn(ctx, ctl, table, cols, samples)
		}
		for _, col := range cols {
			s := samples[col.name]
			vals, err := fetchDistinctValues(ctx, ctl, table, col.name, s.DistinctCount)
			if err != nil {
				logutil.BgLogger().Warn("cannot sample distinct values",
					zap.String("table", table),
					zap.String("column", col.name),
					zap.Error(err))
				continue
			}
			s.SampledValues = vals
		}
	}
	return cat, nil
}

type columnDef struct {
	name         string
	declaredType string
}

func listTables(ctx context.Context, ctl db.Controller) ([]string, error) {
	query := "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'"
	if ctl.Name() == "mysql" {
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE()"
	}
	res, err := ctl.Query(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tables []string
	for _, row := range res.Rows {
		if len(row) > 0 && row[0] != nil {
			tables = append(tables, fmt.Sprint(row[0]))
		}
	}
	return tables, nil
}

func listColumns(ctx context.Context, ctl db.Controller, table string) ([]columnDef, error) {
	query := fmt.Sprintf(
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = '%s' ORDER BY ordinal_position",
		table)
	res, err := ctl.Query(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var cols []columnDef
	for _, row := range res.Rows {
		if len(row) >= 2 && row[0] != nil {
			cols = append(cols, columnDef{name: fmt.Sprint(row[0]), declaredType: fmt.Sprint(row[1])})
		}
	}
	return cols, nil
}

// fetchStatsBatched issues one SELECT with MIN/MAX/COUNT(DISTINCT) for every
// column of the table.
func fetchStatsBatched(ctx context.Context, ctl db.Controller, table string, cols []columnDef, samples map[string]*ColumnSample) error {
	if len(cols) == 0 {
		return nil
	}
	parts := make([]string, 0, len(cols)*3)
	for _, col := range cols {
		parts = append(parts,
			fmt.Sprintf("MIN(%s)", col.name),
			fmt.Sprintf("MAX(%s)", col.name),
			fmt.Sprintf("COUNT(DISTINCT %s)", col.name))
	}
	res, err := ctl.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), table))
	if err != nil {
		return errors.Trace(err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) != len(cols)*3 {
		return errors.Errorf("unexpected batched stats shape for table %s", table)
	}
	row := res.Rows[0]
	for i, col := range cols {
		s := samples[col.name]
		s.MinValue = NormalizeValue(row[i*3])
		s.MaxValue = NormalizeValue(row[i*3+1])
		if n, ok := NumericValue(NormalizeValue(row[i*3+2])); ok {
			s.DistinctCount = int64(n)
		}
	}
	return nil
}

func fetchStatsPerColumn(ctx context.Context, ctl db.Controller, table string, cols []columnDef, samples map[string]*ColumnSample) {
	for _, col := range cols {
		res, err := ctl.Query(ctx, fmt.Sprintf(
			"SELECT MIN(%s), MAX(%s), COUNT(DISTINCT %s) FROM %s", col.name, col.name, col.name, table))
		if err != nil || len(res.Rows) == 0 || len(res.Rows[0]) < 3 {
			logutil.BgLogger().Warn("cannot fetch column stats",
				zap.String("table", table),
				zap.String("column", col.name),
				zap.Error(err))
			continue
		}
		s := samples[col.name]
		row := res.Rows[0]
		s.MinValue = NormalizeValue(row[0])
		s.MaxValue = NormalizeValue(row[1])
		if n, ok := NumericValue(NormalizeValue(row[2])); ok {
			s.DistinctCount = int64(n)
		}
	}
}

// fetchDistinctValues returns all distinct non-null values when the column
// holds at most MaxSampledValues of them, a LIMIT-bounded sample otherwise.
func fetchDistinctValues(ctx context.Context, ctl db.Controller, table, column string, distinctCount int64) ([]any, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL", column, table, column)
	if distinctCount > MaxSampledValues {
		query += fmt.Sprintf(" LIMIT %d", MaxSampledValues)
	}
	res, err := ctl.Query(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	vals := make([]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 && row[0] != nil {
			vals = append(vals, NormalizeValue(row[0]))
		}
	}
	return vals, nil
}

// BuildIfMissing loads the catalog from path, extracting and saving it first
// when the file does not exist yet.
func BuildIfMissing(ctx context.Context, ctl db.Controller, path string) (*Catalog, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	logutil.BgLogger().Info("column metadata missing, extracting from database",
		zap.String("path", path))
	cat, err := Extract(ctx, ctl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := cat.Save(path); err != nil {
		return nil, errors.Trace(err)
	}
	return cat, nil
}
