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

// Package generator builds SQL templates through an LLM: a naive schema-only
// mode and an advanced mode constrained by a join-path catalog and structural
// constraints, with a verify-and-repair loop against the database.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// ColumnInfo is schema metadata of one column.
type ColumnInfo struct {
	DataType     string `json:"data_type"`
	IsNullable   bool   `json:"is_nullable"`
	UniqueValues int64  `json:"unique_values"`
}

// ForeignKey is one outgoing foreign-key edge.
type ForeignKey struct {
	Column     string `json:"column"`
	References struct {
		Table  string `json:"table"`
		Column string `json:"column"`
	} `json:"references"`
}

// Index is one index definition.
type Index struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TableInfo is the snapshot of one table.
type TableInfo struct {
	Size        string                `json:"size"`
	RowCount    int64                 `json:"row_count"`
	Columns     map[string]ColumnInfo `json:"columns"`
	PrimaryKeys []string              `json:"primary_keys"`
	ForeignKeys []ForeignKey          `json:"foreign_keys"`
	Indexes     []Index               `json:"indexes"`
}

// Schema is the structured snapshot of the working schema, persisted to
// schema.json and reused across runs.
type Schema struct {
	Tables map[string]TableInfo `json:"tables"`
}

// TableNames returns the table names sorted for deterministic prompts.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasColumn reports whether (table, column) exists in the snapshot.
func (s *Schema) HasColumn(table, column string) bool {
	t, ok := s.Tables[table]
	if !ok {
		return false
	}
	_, ok = t.Columns[column]
	return ok
}

// FetchSchema loads the snapshot from path, extracting it from the database
// and saving it first when the file is absent.
func FetchSchema(ctx context.Context, ctl db.Controller, path string) (*Schema, error) {
	if data, err := os.ReadFile(path); err == nil {
		s := &Schema{}
		if err := json.Unmarshal(data, s); err == nil && len(s.Tables) > 0 {
			return s, nil
		}
	}
	s, err := extractSchema(ctx, ctl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.Trace(err)
	}
	logutil.BgLogger().Info("database schema snapshot saved", zap.String("path", path))
	return s, nil
}

func extractSchema(ctx context.Context, ctl db.Controller) (*Schema, error) {
	s := &Schema{Tables: make(map[string]TableInfo)}

	tableQuery := "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'"
	if ctl.Name() == "mysql" {
		tableQuery = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE()"
	}
	res, err := ctl.Query(ctx, tableQuery)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, row := range res.Rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		table := fmt.Sprint(row[0])
		info, err := extractTable(ctx, ctl, table)
		if err != nil {
			logutil.BgLogger().Warn("skip table in schema snapshot",
				zap.String("table", table), zap.Error(err))
			continue
		}
		s.Tables[table] = info
	}
	return s, nil
}

func extractTable(ctx context.Context, ctl db.Controller, table string) (TableInfo, error) {
	info := TableInfo{Columns: make(map[string]ColumnInfo)}

	if ctl.Name() == "postgres" {
		if v, err := queryScalar(ctx, ctl, fmt.Sprintf(
			"SELECT pg_size_pretty(pg_total_relation_size('%s'))", table)); err == nil {
			info.Size = v
		}
	} else {
		if v, err := queryScalar(ctx, ctl, fmt.Sprintf(
			"SELECT CONCAT(ROUND((data_length + index_length) / 1048576, 1), ' MB') FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = '%s'", table)); err == nil {
			info.Size = v
		}
	}
	if v, err := queryScalar(ctx, ctl, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err == nil {
		fmt.Sscan(v, &info.RowCount)
	}

	res, err := ctl.Query(ctx, fmt.Sprintf(
		"SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_name = '%s'", table))
	if err != nil {
		return info, errors.Trace(err)
	}
	for _, row := range res.Rows {
		if len(row) < 3 {
			continue
		}
		name := fmt.Sprint(row[0])
		ci := ColumnInfo{
			DataType:   fmt.Sprint(row[1]),
			IsNullable: strings.EqualFold(fmt.Sprint(row[2]), "YES"),
		}
		if v, err := queryScalar(ctx, ctl, fmt.Sprintf(
			"SELECT COUNT(DISTINCT %s) FROM %s", name, table)); err == nil {
			fmt.Sscan(v, &ci.UniqueValues)
		}
		info.Columns[name] = ci
	}

	pkRes, err := ctl.Query(ctx, fmt.Sprintf(`SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
WHERE tc.table_name = '%s' AND tc.constraint_type = 'PRIMARY KEY'`, table))
	if err == nil {
		for _, row := range pkRes.Rows {
			if len(row) > 0 {
				info.PrimaryKeys = append(info.PrimaryKeys, fmt.Sprint(row[0]))
			}
		}
	}

	fkRes, err := ctl.Query(ctx, fmt.Sprintf(`SELECT kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
JOIN information_schema.constraint_column_usage ccu ON ccu.constraint_name = tc.constraint_name
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = '%s'`, table))
	if err == nil {
		for _, row := range fkRes.Rows {
			if len(row) < 3 {
				continue
			}
			fk := ForeignKey{Column: fmt.Sprint(row[0])}
			fk.References.Table = fmt.Sprint(row[1])
			fk.References.Column = fmt.Sprint(row[2])
			info.ForeignKeys = append(info.ForeignKeys, fk)
		}
	}

	if ctl.Name() == "postgres" {
		idxRes, err := ctl.Query(ctx, fmt.Sprintf(
			"SELECT indexname, indexdef FROM pg_indexes WHERE tablename = '%s'", table))
		if err == nil {
			for _, row := range idxRes.Rows {
				if len(row) >= 2 {
					info.Indexes = append(info.Indexes, Index{
						Name:       fmt.Sprint(row[0]),
						Definition: fmt.Sprint(row[1]),
					})
				}
			}
		}
	}
	return info, nil
}

func queryScalar(ctx context.Context, ctl db.Controller, query string) (string, error) {
	res, err := ctl.Query(ctx, query)
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 || res.Rows[0][0] == nil {
		return "", errors.Errorf("no scalar result for %s", query)
	}
	return fmt.Sprint(res.Rows[0][0]), nil
}

// JoinPaths maps a join count (as a decimal string) to the list of table
// paths joinable with that many joins.
type JoinPaths map[string][][]string

// PathsFor returns the paths of a join count.
func (jp JoinPaths) PathsFor(numJoins int) [][]string {
	return jp[fmt.Sprintf("%d", numJoins)]
}

// GenerateJoinPaths asks the LLM for all join paths of length one and two
// over the schema's foreign-key edges, caching the result at path.
func GenerateJoinPaths(ctx context.Context, client *llm.Client, schema *Schema, path string) (JoinPaths, error) {
	if data, err := os.ReadFile(path); err == nil {
		jp := JoinPaths{}
		if err := json.Unmarshal(data, &jp); err == nil && len(jp) > 0 {
			return jp, nil
		}
	}

	prompt := buildJoinPathPrompt(schema)
	obj, err := client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	jp := JoinPaths{}
	for key, v := range obj {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var paths [][]string
		if err := json.Unmarshal(raw, &paths); err != nil {
			continue
		}
		jp[key] = paths
	}
	if len(jp) == 0 {
		return nil, errors.New("llm produced no joinable paths")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	data, err := json.MarshalIndent(jp, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.Trace(err)
	}
	logutil.BgLogger().Info("joinable paths saved", zap.String("path", path))
	return jp, nil
}
