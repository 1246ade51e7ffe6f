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

package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLogMaxSize is the default max size of a log file in MB before rotation.
	DefaultLogMaxSize = 300
	// DefaultLogMaxDays is the default number of days a rotated log file is kept.
	DefaultLogMaxDays = 7
)

// LogConfig carries the logging configuration of a run.
type LogConfig struct {
	// Level is the log level, one of debug/info/warn/error/fatal.
	Level string `toml:"level" json:"level"`
	// Format is the log format, "text" or "json".
	Format string `toml:"format" json:"format"`
	// File is the log file path. Empty means stderr only.
	File string `toml:"file" json:"file"`
	// MaxSize is the max size of the log file in MB before rotation.
	MaxSize int `toml:"max-size" json:"max-size"`
	// MaxDays is the number of days rotated files are kept.
	MaxDays int `toml:"max-days" json:"max-days"`
}

// NewLogConfig returns a LogConfig with defaults filled in.
func NewLogConfig(level, file string) *LogConfig {
	return &LogConfig{
		Level:   level,
		Format:  "text",
		File:    file,
		MaxSize: DefaultLogMaxSize,
		MaxDays: DefaultLogMaxDays,
	}
}

// InitLogger initializes the process-wide logger from cfg and replaces the
// globals used by BgLogger.
func InitLogger(cfg *LogConfig) error {
	pc := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
	}
	if cfg.File != "" {
		pc.File = log.FileLogConfig{
			Filename: cfg.File,
			MaxSize:  cfg.MaxSize,
			MaxDays:  cfg.MaxDays,
		}
	}
	lg, props, err := log.InitLogger(pc)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

// BgLogger returns the global background logger.
func BgLogger() *zap.Logger {
	return log.L()
}

// NewRotatingWriter builds a size-capped rotating file writer for auxiliary
// plain-text logs (per-run process logs) outside the structured logger.
func NewRotatingWriter(filename string, maxSizeMB int) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:  filename,
		MaxSize:   maxSizeMB,
		MaxAge:    DefaultLogMaxDays,
		LocalTime: true,
	}
}
