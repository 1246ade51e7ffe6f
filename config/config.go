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

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/SolidLao/SQLBarber/util/logutil"
)

// DBConfig is the connection configuration of the target DBMS.
type DBConfig struct {
	// Engine selects the controller implementation, "postgres" or "mysql".
	Engine   string `toml:"engine" json:"engine"`
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	User     string `toml:"user" json:"user"`
	Password string `toml:"password" json:"password"`
	Database string `toml:"database" json:"database"`
	// TimeoutSeconds bounds every statement round-trip.
	TimeoutSeconds int `toml:"timeout-seconds" json:"timeout-seconds"`
	// RecoverScript is invoked through the shell when reconnection keeps failing.
	RecoverScript string `toml:"recover-script" json:"recover-script"`
	// MaxConnectRetries caps reconnect attempts before the recover script runs.
	MaxConnectRetries int `toml:"max-connect-retries" json:"max-connect-retries"`
}

// Timeout returns the statement timeout as a duration.
func (c *DBConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LLMConfig configures the chat-completion endpoint used for template
// generation and refinement. The API key is read from the environment, never
// from this file.
type LLMConfig struct {
	Model   string `toml:"model" json:"model"`
	BaseURL string `toml:"base-url" json:"base-url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `toml:"api-key-env" json:"api-key-env"`
	// MaxInFlight bounds concurrent requests in prompt batches.
	MaxInFlight int `toml:"max-in-flight" json:"max-in-flight"`
	// MaxRetries bounds retries of a rate-limited request.
	MaxRetries int `toml:"max-retries" json:"max-retries"`
}

// PolicyConfig exposes the tunable policy constants of the distribution
// controller.
type PolicyConfig struct {
	// UsefulRatioThreshold marks a (bucket, template) combination bad when the
	// share of useful new queries falls below it.
	UsefulRatioThreshold float64 `toml:"useful-ratio-threshold" json:"useful-ratio-threshold"`
	// DiversityBound is the distinct-cost count at or under which a template
	// with no cost inside the target bucket is skipped.
	DiversityBound int `toml:"diversity-bound" json:"diversity-bound"`
	// MaxBucketFailures moves a bucket to missing after this many fruitless rounds.
	MaxBucketFailures int `toml:"max-bucket-failures" json:"max-bucket-failures"`
	// WallClockBudgetSeconds is the hard budget of the main loop.
	WallClockBudgetSeconds int `toml:"wall-clock-budget-seconds" json:"wall-clock-budget-seconds"`
}

// Config is the root configuration of a sqlbarber run.
type Config struct {
	OutputDir string             `toml:"output-dir" json:"output-dir"`
	DB        DBConfig           `toml:"database" json:"database"`
	LLM       LLMConfig          `toml:"llm" json:"llm"`
	Policy    PolicyConfig       `toml:"policy" json:"policy"`
	Log       *logutil.LogConfig `toml:"log" json:"log"`
}

// NewDefaultConfig returns the default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		OutputDir: "outputs",
		DB: DBConfig{
			Engine:            "postgres",
			Host:              "localhost",
			Port:              5432,
			User:              "postgres",
			TimeoutSeconds:    120,
			MaxConnectRetries: 4,
		},
		LLM: LLMConfig{
			Model:       "o3-mini",
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxInFlight: 8,
			MaxRetries:  5,
		},
		Policy: PolicyConfig{
			UsefulRatioThreshold:   0.05,
			DiversityBound:         3,
			MaxBucketFailures:      5,
			WallClockBudgetSeconds: 3600,
		},
		Log: logutil.NewLogConfig("info", ""),
	}
}

// Load reads cfg from a TOML file, applied on top of defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config file %s contains unknown item %v", path, undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch c.DB.Engine {
	case "postgres", "mysql":
	default:
		return errors.Errorf("unsupported database engine %q", c.DB.Engine)
	}
	if c.DB.TimeoutSeconds <= 0 {
		return errors.New("database timeout-seconds must be positive")
	}
	if c.LLM.MaxInFlight <= 0 {
		return errors.New("llm max-in-flight must be positive")
	}
	if c.Policy.UsefulRatioThreshold < 0 || c.Policy.UsefulRatioThreshold > 1 {
		return errors.New("policy useful-ratio-threshold must be within [0, 1]")
	}
	return nil
}
