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

package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/SolidLao/SQLBarber/db"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

// Planner cost constants, keyed by their server-side GUC names.
const (
	gucCPUTupleCost      = "cpu_tuple_cost"
	gucCPUIndexTupleCost = "cpu_index_tuple_cost"
	gucCPUOperatorCost   = "cpu_operator_cost"
)

var gucDefaults = map[string]float64{
	gucCPUTupleCost:      0.01,
	gucCPUIndexTupleCost: 0.005,
	gucCPUOperatorCost:   0.0025,
}

// opTokens matches the comparison and containment operators counted per
// qualification clause.
var opTokens = regexp.MustCompile(`(?i)(=|<>|<=|>=|<|>|\bLIKE\b|\bILIKE\b|\bBETWEEN\b|\bIS\s+NOT\b|\bIS\s+NULL\b|\bIN\s*\(|@>|<@|&&)`)

// countOps counts operator tokens in a qualification expression, floored at
// one for a non-empty expression.
func countOps(expr string) int {
	if expr == "" {
		return 0
	}
	n := len(opTokens.FindAllString(expr, -1))
	if n < 1 {
		return 1
	}
	return n
}

func log2Safe(n float64) float64 {
	return math.Log2(math.Max(2.0, n))
}

// planNode mirrors the subset of the EXPLAIN (FORMAT JSON) node layout the
// emulator reads. Qualification fields may arrive as a string or a list.
type planNode struct {
	NodeType    string          `json:"Node Type"`
	PlanRows    float64         `json:"Plan Rows"`
	Plans       []planNode      `json:"Plans"`
	Filter      json.RawMessage `json:"Filter"`
	IndexCond   json.RawMessage `json:"Index Cond"`
	RecheckCond json.RawMessage `json:"Recheck Cond"`
	JoinFilter  json.RawMessage `json:"Join Filter"`
	HashCond    json.RawMessage `json:"Hash Cond"`
	MergeCond   json.RawMessage `json:"Merge Cond"`
	SortKey     []string        `json:"Sort Key"`
	GroupKey    []string        `json:"Group Key"`
}

// qualString flattens a raw qualification field into one expression string.
func qualString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, " AND ")
	}
	return ""
}

// qualsOpsCount counts operator tokens across all qualification clauses of a
// node.
func (n *planNode) qualsOpsCount() int {
	total := 0
	for _, raw := range []json.RawMessage{n.Filter, n.IndexCond, n.RecheckCond, n.JoinFilter, n.HashCond, n.MergeCond} {
		total += countOps(qualString(raw))
	}
	return total
}

func (n *planNode) childRows() []float64 {
	rows := make([]float64, 0, len(n.Plans))
	for i := range n.Plans {
		rows = append(rows, n.Plans[i].PlanRows)
	}
	return rows
}

// NodeCost is one entry of the per-node breakdown.
type NodeCost struct {
	NodeType string
	SelfCPU  float64
}

// CPUCostModel mirrors the planner's CPU-only cost equations on top of
// EXPLAIN (FORMAT JSON) plans.
type CPUCostModel struct {
	ctl  db.Controller
	gucs map[string]float64
}

// NewCPUCostModel fetches the cost constants from the server, falling back to
// the planner defaults per constant.
func NewCPUCostModel(ctx context.Context, ctl db.Controller) *CPUCostModel {
	m := &CPUCostModel{ctl: ctl, gucs: make(map[string]float64, len(gucDefaults))}
	for name, def := range gucDefaults {
		m.gucs[name] = def
		res, err := ctl.Query(ctx, "SHOW "+name)
		if err != nil || len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
			logutil.BgLogger().Warn("cannot fetch planner constant, using default",
				zap.String("guc", name), zap.Error(err))
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(fmt.Sprint(res.Rows[0][0]), "%g", &v); err == nil && v > 0 {
			m.gucs[name] = v
		}
	}
	return m
}

// Calculate returns the total inclusive CPU cost of sql.
func (m *CPUCostModel) Calculate(ctx context.Context, sql string) (float64, error) {
	total, _, err := m.CalculateWithBreakdown(ctx, sql)
	return total, err
}

// CalculateWithBreakdown also returns the per-node self CPU, children first.
func (m *CPUCostModel) CalculateWithBreakdown(ctx context.Context, sql string) (float64, []NodeCost, error) {
	data, err := m.ctl.ExplainJSON(ctx, sql)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	root, err := parsePlanJSON(data)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	total, breakdown := m.nodeCost(root)
	return total, breakdown, nil
}

func parsePlanJSON(data []byte) (*planNode, error) {
	// Postgres wraps the plan in a one-element array of {"Plan": {...}}.
	var wrapped []struct {
		Plan planNode `json:"Plan"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped) > 0 {
		return &wrapped[0].Plan, nil
	}
	var single struct {
		Plan planNode `json:"Plan"`
	}
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.Annotate(err, "parsing EXPLAIN (FORMAT JSON) output")
	}
	return &single.Plan, nil
}

// nodeCost computes the inclusive CPU cost of a node and the per-node
// breakdown, children first.
func (m *CPUCostModel) nodeCost(n *planNode) (float64, []NodeCost) {
	cpuT := m.gucs[gucCPUTupleCost]
	cpuI := m.gucs[gucCPUIndexTupleCost]
	cpuOp := m.gucs[gucCPUOperatorCost]

	totalChildren := 0.0
	var breakdown []NodeCost
	for i := range n.Plans {
		c, br := m.nodeCost(&n.Plans[i])
		totalChildren += c
		breakdown = append(breakdown, br...)
	}

	rows := n.PlanRows
	ops := float64(n.qualsOpsCount())
	selfCPU := 0.0

	switch n.NodeType {
	case "Seq Scan":
		selfCPU = (cpuT + ops*cpuOp) * rows
	case "Index Scan", "Index Only Scan":
		selfCPU = (cpuI + cpuT + ops*cpuOp) * math.Max(rows, 0)
	case "Bitmap Index Scan":
		selfCPU = ops * cpuOp * math.Max(rows, 0)
	case "Bitmap Heap Scan":
		candidates := math.Max(rows, 0)
		selfCPU = cpuT*candidates + ops*cpuOp*candidates
	case "Sort":
		keys := float64(len(n.SortKey))
		count := math.Max(rows, 1)
		comparison := 2.0 * cpuOp * math.Max(1, keys)
		selfCPU = comparison * count * log2Safe(count)
	case "Hash":
		in := rows
		if cr := n.childRows(); len(cr) > 0 {
			in = cr[0]
		}
		selfCPU = cpuT * math.Max(in, 0)
	case "Hash Join":
		outer, inner := m.hashJoinSides(n)
		hashClauses := float64(countOps(qualString(n.HashCond)))
		selfCPU = cpuOp*hashClauses + cpuOp*hashClauses*outer + (outer+inner)*cpuT
	case "Merge Join":
		totalIn := sumOr(n.childRows(), rows)
		mergeClauses := math.Max(1, float64(countOps(qualString(n.MergeCond))))
		selfCPU = totalIn*cpuOp*mergeClauses + totalIn*cpuT
	case "Nested Loop":
		totalIn := sumOr(n.childRows(), rows)
		selfCPU = totalIn*cpuT + totalIn*ops*cpuOp
	case "Aggregate", "Group Aggregate", "HashAggregate":
		in := rows
		if cr := n.childRows(); len(cr) > 0 {
			in = cr[0]
		}
		groups := rows
		if groups <= 0 {
			groups = 1
		}
		groupCols := math.Max(1, float64(len(n.GroupKey)))
		selfCPU = cpuT*in + cpuOp*groupCols*groups
	default:
		selfCPU = cpuT*rows + ops*cpuOp*rows
	}

	breakdown = append(breakdown, NodeCost{NodeType: n.NodeType, SelfCPU: selfCPU})
	return totalChildren + selfCPU, breakdown
}

// hashJoinSides identifies the probe (outer) and build (inner) row counts of
// a hash join; the Hash child is the build side, with a smaller-child
// fallback when no Hash node is present.
func (m *CPUCostModel) hashJoinSides(n *planNode) (outer, inner float64) {
	cr := n.childRows()
	foundHash := false
	for i := range n.Plans {
		if n.Plans[i].NodeType == "Hash" {
			inner = cr[i]
			foundHash = true
		} else {
			outer = cr[i]
		}
	}
	if !foundHash && len(cr) == 2 {
		a, b := cr[0], cr[1]
		if a <= b {
			inner, outer = a, b
		} else {
			inner, outer = b, a
		}
	}
	return outer, inner
}

func sumOr(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum
}
