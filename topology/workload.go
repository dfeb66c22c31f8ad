/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package topology

import (
	"fmt"
	"sort"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
)

// RowRange is a half-open range of circuit rows [Start, End)
type RowRange struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end" validate:"gtfield=Start"`
}

// Len returns the number of rows in the range
func (r RowRange) Len() uint64 {
	return r.End - r.Start
}

func (r RowRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Assignment is the slice of the workload a single node computes
type Assignment struct {
	Index  int        `json:"index" yaml:"index" validate:"min=0"`
	Ranges []RowRange `json:"ranges" yaml:"ranges" validate:"required,min=1,dive"`
}

// Rows returns the number of rows assigned to the node
func (a *Assignment) Rows() uint64 {
	var rows uint64
	for _, r := range a.Ranges {
		rows += r.Len()
	}
	return rows
}

// Workload partitions a circuit's rows across node indices
type Workload struct {
	Circuit     string        `json:"circuit" yaml:"circuit" validate:"required"`
	TotalRows   uint64        `json:"total_rows" yaml:"total_rows" validate:"required,gt=0"`
	Assignments []*Assignment `json:"assignments" yaml:"assignments" validate:"required,min=1,dive,required"`
}

// For returns the assignment for the given node index
func (w *Workload) For(index int) (*Assignment, bool) {
	for _, a := range w.Assignments {
		if a.Index == index {
			return a, true
		}
	}
	return nil, false
}

// EvenPartition splits the circuit's rows into one contiguous range per node;
// the first total%nodes nodes receive one extra row
func EvenPartition(c *circuit.Circuit, nodes int) (*Workload, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("failed to partition %s workload; at least one node required", c.ID)
	}
	total := c.Rows()
	if uint64(nodes) > total {
		return nil, fmt.Errorf("failed to partition %s workload; %d nodes exceed %d rows", c.ID, nodes, total)
	}

	size := total / uint64(nodes)
	remainder := total % uint64(nodes)

	w := &Workload{
		Circuit:     string(c.ID),
		TotalRows:   total,
		Assignments: make([]*Assignment, 0, nodes),
	}

	var start uint64
	for i := 0; i < nodes; i++ {
		end := start + size
		if uint64(i) < remainder {
			end++
		}
		w.Assignments = append(w.Assignments, &Assignment{
			Index:  i,
			Ranges: []RowRange{{Start: start, End: end}},
		})
		start = end
	}

	return w, nil
}

// checkConsistency enforces the partition-completeness invariant against the circuit and network
func (w *Workload) checkConsistency(c *circuit.Circuit, network *Network) error {
	if w.Circuit != string(c.ID) {
		return common.NewError(common.ErrConfigInconsistent, w.Circuit, "workload describes circuit %s, expected %s", w.Circuit, c.ID)
	}
	if w.TotalRows != c.Rows() {
		return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("%d", w.TotalRows), "workload total_rows must equal the %s circuit size %d", c.ID, c.Rows())
	}

	seen := map[int]bool{}
	for _, a := range w.Assignments {
		if seen[a.Index] {
			return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("assignments[%d]", a.Index), "duplicate assignment for node index %d", a.Index)
		}
		seen[a.Index] = true
		if _, ok := network.Node(a.Index); !ok {
			return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("assignments[%d]", a.Index), "assignment references node index %d which is not in the topology", a.Index)
		}
	}
	for _, node := range network.Nodes {
		if !seen[node.Index] {
			return common.NewError(common.ErrConfigInconsistent, fmt.Sprintf("nodes[%d]", node.Index), "node index %d has no workload assignment", node.Index)
		}
	}

	return w.checkCoverage()
}

type ownedRange struct {
	RowRange
	owner int
}

// checkCoverage verifies the union of all ranges is [0, TotalRows) with no gap and no overlap
func (w *Workload) checkCoverage() error {
	ranges := make([]ownedRange, 0)
	for _, a := range w.Assignments {
		for _, r := range a.Ranges {
			ranges = append(ranges, ownedRange{RowRange: r, owner: a.Index})
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start == ranges[j].Start {
			return ranges[i].End < ranges[j].End
		}
		return ranges[i].Start < ranges[j].Start
	})

	var cursor uint64
	lastOwner := -1
	for _, r := range ranges {
		if r.End > w.TotalRows {
			return common.NewError(common.ErrConfigInconsistent, r.String(), "partition row range %s of node %d exceeds total rows %d", r, r.owner, w.TotalRows)
		}
		if r.Start > cursor {
			gap := RowRange{Start: cursor, End: r.Start}
			return common.NewError(common.ErrConfigInconsistent, gap.String(), "partition coverage gap at row range %s", gap)
		}
		if r.Start < cursor {
			end := cursor
			if r.End < end {
				end = r.End
			}
			overlap := RowRange{Start: r.Start, End: end}
			return common.NewError(common.ErrConfigInconsistent, overlap.String(), "partition overlap at row range %s between nodes %d and %d", overlap, lastOwner, r.owner)
		}
		cursor = r.End
		lastOwner = r.owner
	}

	if cursor < w.TotalRows {
		gap := RowRange{Start: cursor, End: w.TotalRows}
		return common.NewError(common.ErrConfigInconsistent, gap.String(), "partition coverage gap at row range %s", gap)
	}

	return nil
}
