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
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// PostgresController drives a PostgreSQL server through a pgx pool.
type PostgresController struct {
	cfg     *config.DBConfig
	pool    *pgxpool.Pool
	rec     *recoverer
	current string
}

// NewPostgresController connects to the database named in cfg.
func NewPostgresController(ctx context.Context, cfg *config.DBConfig) (*PostgresController, error) {
	c := &PostgresController{cfg: cfg, rec: newRecoverer(cfg)}
	if err := c.Connect(ctx, cfg.Database); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Name implements Controller.
func (c *PostgresController) Name() string { return "postgres" }

// Connect implements Controller. It retries with backoff and falls back to the
// recover script when the server stays unreachable.
func (c *PostgresController) Connect(ctx context.Context, database string) error {
	if database == "" {
		database = c.cfg.Database
	}
	c.Close()
	c.rec.reset()
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, database)
	for {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				logutil.BgLogger().Info("connected to postgres",
					zap.String("database", database),
					zap.String("user", c.cfg.User))
				c.pool = pool
				c.current = database
				return nil
			}
			pool.Close()
		}
		if !c.rec.onFailure(err) {
			return errors.Annotatef(err, "connecting to postgres database %s", database)
		}
	}
}

// Close implements Controller.
func (c *PostgresController) Close() {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

// Query implements Controller.
func (c *PostgresController) Query(ctx context.Context, sql string) (*Result, error) {
	if c.pool == nil {
		if err := c.Connect(ctx, c.current); err != nil {
			return nil, errors.Trace(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	rows, err := c.pool.Query(ctx, sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	res := &Result{}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errors.Trace(err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return res, nil
}

// Exec implements Controller.
func (c *PostgresController) Exec(ctx context.Context, sql string) error {
	if c.pool == nil {
		if err := c.Connect(ctx, c.current); err != nil {
			return errors.Trace(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()
	_, err := c.pool.Exec(ctx, sql)
	return errors.Trace(err)
}

// Explain implements Controller.
func (c *PostgresController) Explain(ctx context.Context, sql string) ([]string, error) {
	res, err := c.Query(ctx, "EXPLAIN "+sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lines := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			lines = append(lines, fmt.Sprint(row[0]))
		}
	}
	return lines, nil
}

// ExplainJSON implements Controller.
func (c *PostgresController) ExplainJSON(ctx context.Context, sql string) ([]byte, error) {
	res, err := c.Query(ctx, "EXPLAIN (FORMAT JSON) "+sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return nil, errors.New("empty EXPLAIN (FORMAT JSON) result")
	}
	switch v := res.Rows[0][0].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		// pgx may have decoded the json column already.
		data, err := json.Marshal(v)
		return data, errors.Trace(err)
	}
}
