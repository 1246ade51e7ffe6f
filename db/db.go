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

package db

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// Result is the outcome of one statement round-trip. Values keep the driver
// types so callers can apply their own encodings.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Controller is the narrow surface the rest of the system needs from a DBMS.
// Implementations keep one pooled connection and open short-lived cursors per
// statement.
type Controller interface {
	// Name reports the engine, "postgres" or "mysql".
	Name() string
	// Connect switches the controller to the given database, reconnecting the
	// underlying pool.
	Connect(ctx context.Context, database string) error
	// Close releases the pool.
	Close()
	// Query runs a statement and fetches all rows.
	Query(ctx context.Context, sql string) (*Result, error)
	// Exec runs a statement discarding any rows.
	Exec(ctx context.Context, sql string) error
	// Explain returns the textual plan of the statement, one line per row.
	Explain(ctx context.Context, sql string) ([]string, error)
	// ExplainJSON returns the plan of the statement in the engine's JSON format.
	ExplainJSON(ctx context.Context, sql string) ([]byte, error)
}

// recoverer wraps the reconnect-with-recover fallback shared by the engine
// controllers. After maxRetries consecutive connection failures the recover
// script runs once through the shell.
type recoverer struct {
	script     string
	maxRetries int
	failed     int
}

func newRecoverer(cfg *config.DBConfig) *recoverer {
	max := cfg.MaxConnectRetries
	if max <= 0 {
		max = 4
	}
	return &recoverer{script: cfg.RecoverScript, maxRetries: max}
}

// onFailure records one failed attempt. Below maxRetries failures it waits
// and returns true so the caller retries; on the maxRetries-th failure it runs
// the recover script and returns false.
func (r *recoverer) onFailure(err error) bool {
	r.failed++
	logutil.BgLogger().Warn("database connection failed",
		zap.Int("attempt", r.failed),
		zap.Error(err))
	if r.failed < r.maxRetries {
		time.Sleep(3 * time.Second)
		return true
	}
	r.recover()
	return false
}

func (r *recoverer) reset() { r.failed = 0 }

func (r *recoverer) recover() {
	if r.script == "" {
		return
	}
	logutil.BgLogger().Info("running dbms recover script", zap.String("script", r.script))
	cmd := exec.Command("sh", r.script)
	if err := cmd.Run(); err != nil {
		logutil.BgLogger().Error("recover script failed", zap.Error(err))
	}
}

// stripLeadingComments drops -- comment lines preceding a statement.
func stripLeadingComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		return strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}
	return ""
}

// NewController builds the engine-specific controller selected by cfg.
func NewController(ctx context.Context, cfg *config.DBConfig) (Controller, error) {
	switch cfg.Engine {
	case "postgres":
		return NewPostgresController(ctx, cfg)
	case "mysql":
		return NewMySQLController(ctx, cfg)
	}
	return nil, errors.Errorf("unsupported database engine %q", cfg.Engine)
}

// ExecuteWorkloadDir executes every .sql file under dir, in file-name order,
// splitting files on semicolons. Used to replay a previously generated
// workload against the controller's database.
func ExecuteWorkloadDir(ctx context.Context, ctl Controller, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Trace(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return errors.Errorf("no .sql files under %s", dir)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return errors.Trace(err)
		}
		for _, stmt := range strings.Split(string(data), ";") {
			stmt = stripLeadingComments(stmt)
			if stmt == "" {
				continue
			}
			if err := ctl.Exec(ctx, stmt); err != nil {
				return errors.Annotatef(err, "executing %s", name)
			}
		}
	}
	return nil
}
