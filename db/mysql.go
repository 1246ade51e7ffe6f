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
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// MySQLController drives a MySQL server through database/sql.
type MySQLController struct {
	cfg     *config.DBConfig
	db      *sql.DB
	rec     *recoverer
	current string
}

// NewMySQLController connects to the database named in cfg.
func NewMySQLController(ctx context.Context, cfg *config.DBConfig) (*MySQLController, error) {
	c := &MySQLController{cfg: cfg, rec: newRecoverer(cfg)}
	if err := c.Connect(ctx, cfg.Database); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Name implements Controller.
func (c *MySQLController) Name() string { return "mysql" }

// Connect implements Controller.
func (c *MySQLController) Connect(ctx context.Context, database string) error {
	if database == "" {
		database = c.cfg.Database
	}
	c.Close()
	c.rec.reset()
	mc := mysql.NewConfig()
	mc.User = c.cfg.User
	mc.Passwd = c.cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	mc.DBName = database
	for {
		pool, err := sql.Open("mysql", mc.FormatDSN())
		if err == nil {
			err = pool.PingContext(ctx)
			if err == nil {
				logutil.BgLogger().Info("connected to mysql",
					zap.String("database", database),
					zap.String("user", c.cfg.User))
				c.db = pool
				c.current = database
				return nil
			}
			_ = pool.Close()
		}
		if !c.rec.onFailure(err) {
			return errors.Annotatef(err, "connecting to mysql database %s", database)
		}
	}
}

// Close implements Controller.
func (c *MySQLController) Close() {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
}

// Query implements Controller.
func (c *MySQLController) Query(ctx context.Context, query string) (*Result, error) {
	if c.db == nil {
		if err := c.Connect(ctx, c.current); err != nil {
			return nil, errors.Trace(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Trace(err)
		}
		vals := make([]any, len(cols))
		for i, b := range raw {
			if b == nil {
				vals[i] = nil
			} else {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return res, nil
}

// Exec implements Controller.
func (c *MySQLController) Exec(ctx context.Context, query string) error {
	if c.db == nil {
		if err := c.Connect(ctx, c.current); err != nil {
			return errors.Trace(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()
	_, err := c.db.ExecContext(ctx, query)
	return errors.Trace(err)
}

// Explain implements Controller. MySQL's tabular EXPLAIN is flattened to one
// tab-separated line per row so the same row-oriented parsers apply.
func (c *MySQLController) Explain(ctx context.Context, query string) ([]string, error) {
	res, err := c.Query(ctx, "EXPLAIN "+query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lines := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		line := ""
		for i, v := range row {
			if i > 0 {
				line += "\t"
			}
			line += fmt.Sprint(v)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ExplainJSON implements Controller.
func (c *MySQLController) ExplainJSON(ctx context.Context, query string) ([]byte, error) {
	res, err := c.Query(ctx, "EXPLAIN FORMAT=JSON "+query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return nil, errors.New("empty EXPLAIN FORMAT=JSON result")
	}
	return []byte(fmt.Sprint(res.Rows[0][0])), nil
}
