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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/barber"
	"github.com/SolidLao/SQLBarber/catalog"
	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/cost"
	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/generator"
	"github.com/SolidLao/SQLBarber/llm"
	"github.com/SolidLao/SQLBarber/template"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

var (
	configPath        string
	distributionsPath string
	structuralPath    string
	generatorMode     string
	seed              int64
)

func main() {
	cmd := &cobra.Command{
		Use:   "sqlbarber <cost_type> <distribution> <total_sqls> <min_cost> <max_cost> <num_intervals> <num_iterations> <db_name>",
		Short: "Synthesize a SQL workload matching a target cost distribution",
		Args:  cobra.ExactArgs(8),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	cmd.Flags().StringVar(&distributionsPath, "distributions", "benchmark/query_cost_distribution/cost_distributions.json", "path to the distributions catalog")
	cmd.Flags().StringVar(&structuralPath, "spec", "benchmark/template_specification/redset_cluster_0_warehouse_132_database_7_data.json", "path to the structural constraint catalog (advanced generator)")
	cmd.Flags().StringVar(&generatorMode, "generator", "advanced", "template generator, naive or advanced")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	costType, err := cost.ParseType(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	distribution := args[1]
	totalSQLs, err := strconv.Atoi(args[2])
	if err != nil {
		return errors.Annotate(err, "parsing total_sqls")
	}
	minCost, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return errors.Annotate(err, "parsing min_cost")
	}
	maxCost, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return errors.Annotate(err, "parsing max_cost")
	}
	numIntervals, err := strconv.Atoi(args[5])
	if err != nil {
		return errors.Annotate(err, "parsing num_intervals")
	}
	numIterations, err := strconv.Atoi(args[6])
	if err != nil {
		return errors.Annotate(err, "parsing num_iterations")
	}
	dbName := args[7]

	cfg := config.NewDefaultConfig()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return errors.Trace(err)
		}
	}
	cfg.DB.Database = dbName
	if err := logutil.InitLogger(cfg.Log); err != nil {
		return errors.Trace(err)
	}

	taskName := fmt.Sprintf("%s_%s", cfg.DB.Engine, dbName)
	summaryName := fmt.Sprintf("%s_%s_%g_%g_%d_%s",
		dbName, costType, minCost, maxCost, numIntervals, distribution)
	logutil.BgLogger().Info("starting workload synthesis",
		zap.String("task", taskName),
		zap.String("run-id", uuid.NewString()),
		zap.String("cost-type", string(costType)),
		zap.String("distribution", distribution))

	ctl, err := db.NewController(ctx, &cfg.DB)
	if err != nil {
		return errors.Trace(err)
	}
	defer ctl.Close()

	metaDir := filepath.Join(cfg.OutputDir, "intermediate", "db_meta_info", taskName)
	cat, err := catalog.BuildIfMissing(ctx, ctl, filepath.Join(metaDir, "column_info.json"))
	if err != nil {
		return errors.Trace(err)
	}

	client, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		return errors.Trace(err)
	}

	store, err := template.NewStore(filepath.Join(cfg.OutputDir, "final", "sql_template", taskName))
	if err != nil {
		return errors.Trace(err)
	}

	var gen generator.Generator
	var adv *generator.Advanced
	switch generatorMode {
	case "naive":
		schema, err := generator.FetchSchema(ctx, ctl, filepath.Join(metaDir, "schema.json"))
		if err != nil {
			return errors.Trace(err)
		}
		gen = generator.NewNaive(client, store, schema)
	case "advanced":
		spec, err := generator.LoadStructuralSpec(structuralPath)
		if err != nil {
			return errors.Trace(err)
		}
		adv, err = generator.NewAdvanced(ctx, ctl, client, store, spec, metaDir, seed)
		if err != nil {
			return errors.Trace(err)
		}
		gen = adv
	default:
		return errors.Errorf("unknown generator mode %q", generatorMode)
	}

	metric, err := cost.NewMetric(ctx, costType, ctl)
	if err != nil {
		return errors.Trace(err)
	}

	runner, err := barber.NewRunner(cfg, barber.Options{
		TaskName:      taskName,
		SummaryName:   summaryName,
		TotalSQLs:     totalSQLs,
		MinCost:       minCost,
		MaxCost:       maxCost,
		NumIntervals:  numIntervals,
		NumIterations: numIterations,
		ReuseHistory:  true,
		GenerateNew:   true,
		Seed:          seed,
	}, ctl, client, gen, adv, store, cat, metric)
	if err != nil {
		return errors.Trace(err)
	}

	if err := setTarget(runner, distribution); err != nil {
		return errors.Trace(err)
	}

	reqs := []generator.SemanticRequirement{
		{Count: 3, Text: "The query should have a nested query with aggregation, at least two predicate values to fill."},
		{Count: 3, Text: "The query should use aggregation, and have at least three predicate values to fill."},
		{Count: 3, Text: "The query should use group-by, and have at least two predicate values to fill."},
	}
	return errors.Trace(runner.Run(ctx, reqs))
}

// setTarget resolves the distribution argument: a preset of the catalog file
// (explicit per-bucket counts or a sample) first, a named family otherwise.
func setTarget(runner *barber.Runner, distribution string) error {
	if data, err := os.ReadFile(distributionsPath); err == nil {
		var presets map[string]json.RawMessage
		if err := json.Unmarshal(data, &presets); err != nil {
			return errors.Annotatef(err, "parsing distributions catalog %s", distributionsPath)
		}
		if raw, ok := presets[distribution]; ok {
			var counts []int
			if err := json.Unmarshal(raw, &counts); err == nil {
				return errors.Trace(runner.SetTargetFromCounts(counts))
			}
			var sample []float64
			if err := json.Unmarshal(raw, &sample); err == nil {
				return errors.Trace(runner.SetTargetFromSample(sample))
			}
			return errors.Errorf("preset %q is neither counts nor a sample", distribution)
		}
	}
	return errors.Trace(runner.SetTargetFromFamily(distribution))
}
