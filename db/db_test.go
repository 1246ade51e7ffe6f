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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingController struct {
	executed []string
}

func (r *recordingController) Name() string { return "postgres" }
func (r *recordingController) Connect(ctx context.Context, database string) error {
	return nil
}
func (r *recordingController) Close() {}
func (r *recordingController) Query(ctx context.Context, sql string) (*Result, error) {
	return &Result{}, nil
}
func (r *recordingController) Exec(ctx context.Context, sql string) error {
	r.executed = append(r.executed, sql)
	return nil
}
func (r *recordingController) Explain(ctx context.Context, sql string) ([]string, error) {
	return nil, nil
}
func (r *recordingController) ExplainJSON(ctx context.Context, sql string) ([]byte, error) {
	return nil, nil
}

func TestStripLeadingComments(t *testing.T) {
	require.Equal(t, "SELECT 1", stripLeadingComments("-- header\n-- more\nSELECT 1"))
	require.Equal(t, "SELECT 1", stripLeadingComments("\n\nSELECT 1"))
	require.Equal(t, "", stripLeadingComments("-- only comments\n-- here"))
	require.Equal(t, "SELECT 2\nFROM t", stripLeadingComments("SELECT 2\nFROM t"))
}

func TestExecuteWorkloadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_second.sql"),
		[]byte("SELECT 2;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_first.sql"),
		[]byte("-- Template ID: 1\nSELECT 1;\n\n-- trailer\nSELECT 10;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"),
		[]byte("not sql"), 0o644))

	ctl := &recordingController{}
	require.NoError(t, ExecuteWorkloadDir(context.Background(), ctl, dir))
	// Files execute in name order; comment headers are stripped per statement.
	require.Equal(t, []string{"SELECT 1", "SELECT 10", "SELECT 2"}, ctl.executed)
}

func TestExecuteWorkloadDirEmpty(t *testing.T) {
	require.Error(t, ExecuteWorkloadDir(context.Background(), &recordingController{}, t.TempDir()))
}
