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

// Package cost evaluates the cost of a concrete SQL string under one of four
// metrics: plan cardinality sum, planner cost, wall-clock execution time, or
// an emulated CPU-only plan cost.
package cost

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/pingcap/errors"

	"github.com/SolidLao/SQLBarber/db"
)

// Type selects the cost metric.
type Type string

// Metric types. The CLI spellings are the canonical ones.
const (
	Card        Type = "card"
	PlanCost    Type = "cost"
	ExecTime    Type = "time"
	CPUPlanCost Type = "cpu"
)

// ParseType validates a CLI metric name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Card, PlanCost, ExecTime, CPUPlanCost:
		return Type(s), nil
	}
	return "", errors.Errorf("invalid cost type %q, must be one of card/cost/time/cpu", s)
}

// Reducer folds a raw per-node cost vector into the scalar cost.
type Reducer string

// Reducers.
const (
	// ReduceOutput keeps the first (root) value.
	ReduceOutput Reducer = "output"
	// ReduceSum sums the vector.
	ReduceSum Reducer = "sum"
)

// ReducerFor returns the conventional reducer of a metric type: cardinality
// sums all plan nodes, the other metrics keep the root value.
func ReducerFor(t Type) Reducer {
	if t == Card {
		return ReduceSum
	}
	return ReduceOutput
}

// Reduce applies r to costs. The second result is false for an empty vector.
func Reduce(costs []float64, r Reducer) (float64, bool) {
	if len(costs) == 0 {
		return 0, false
	}
	switch r {
	case ReduceSum:
		sum := 0.0
		for _, c := range costs {
			sum += c
		}
		return sum, true
	default:
		return costs[0], true
	}
}

var (
	rowsPattern = regexp.MustCompile(`rows=(\d+)`)
	costPattern = regexp.MustCompile(`cost=\d+\.\d+\.\.(\d+\.\d+)`)
)

// Metric evaluates SQL strings against a controller under one metric type.
type Metric struct {
	typ Type
	ctl db.Controller
	cpu *CPUCostModel
}

// NewMetric builds a metric. For CPUPlanCost the planner cost constants are
// fetched from the server up front.
func NewMetric(ctx context.Context, typ Type, ctl db.Controller) (*Metric, error) {
	m := &Metric{typ: typ, ctl: ctl}
	if typ == CPUPlanCost {
		m.cpu = NewCPUCostModel(ctx, ctl)
	}
	return m, nil
}

// Type returns the metric type.
func (m *Metric) Type() Type { return m.typ }

// Evaluate returns the raw cost vector of sql. Any failure is returned as an
// error; callers map it to the worst score.
func (m *Metric) Evaluate(ctx context.Context, sql string) ([]float64, error) {
	switch m.typ {
	case Card:
		return m.evaluateCard(ctx, sql)
	case PlanCost:
		return m.evaluatePlanCost(ctx, sql)
	case ExecTime:
		return m.evaluateExecTime(ctx, sql)
	case CPUPlanCost:
		total, err := m.cpu.Calculate(ctx, sql)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return []float64{total}, nil
	}
	return nil, errors.Errorf("unknown cost type %q", m.typ)
}

// evaluateCard extracts every rows= estimate from the textual plan.
func (m *Metric) evaluateCard(ctx context.Context, sql string) ([]float64, error) {
	lines, err := m.ctl.Explain(ctx, sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var costs []float64
	for _, line := range lines {
		for _, match := range rowsPattern.FindAllStringSubmatch(line, -1) {
			n, err := strconv.ParseInt(match[1], 10, 64)
			if err == nil {
				costs = append(costs, float64(n))
			}
		}
	}
	if len(costs) == 0 {
		return nil, errors.New("no rows= estimates in plan")
	}
	return costs, nil
}

// evaluatePlanCost extracts the total cost of every plan node, root first.
func (m *Metric) evaluatePlanCost(ctx context.Context, sql string) ([]float64, error) {
	lines, err := m.ctl.Explain(ctx, sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var costs []float64
	for _, line := range lines {
		for _, match := range costPattern.FindAllStringSubmatch(line, -1) {
			f, err := strconv.ParseFloat(match[1], 64)
			if err == nil {
				costs = append(costs, f)
			}
		}
	}
	if len(costs) == 0 {
		return nil, errors.New("no cost= estimates in plan")
	}
	return costs, nil
}

// evaluateExecTime runs the query and measures wall-clock seconds.
func (m *Metric) evaluateExecTime(ctx context.Context, sql string) ([]float64, error) {
	start := time.Now()
	if err := m.ctl.Exec(ctx, sql); err != nil {
		return nil, errors.Trace(err)
	}
	return []float64{time.Since(start).Seconds()}, nil
}
