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
	"math/rand"
	"sort"
	"testing"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func networkOf(size int) *Network {
	n := &Network{}
	for i := 0; i < size; i++ {
		n.Nodes = append(n.Nodes, &Node{Index: i, Address: fmt.Sprintf("127.0.0.1:%d", 9000+i)})
	}
	return n
}

// randomPartition cuts [0,total) at random points and deals the pieces to random nodes,
// making sure every node receives at least one piece
func randomPartition(rng *rand.Rand, c *circuit.Circuit, nodes int) *Workload {
	total := c.Rows()
	pieces := nodes + rng.Intn(4*nodes)
	cuts := map[uint64]bool{}
	for len(cuts) < pieces-1 {
		cuts[1+uint64(rng.Int63n(int64(total-1)))] = true
	}
	points := []uint64{0}
	for p := range cuts {
		points = append(points, p)
	}
	points = append(points, total)
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	w := &Workload{Circuit: string(c.ID), TotalRows: total}
	for i := 0; i < nodes; i++ {
		w.Assignments = append(w.Assignments, &Assignment{Index: i})
	}
	for i := 0; i+1 < len(points); i++ {
		owner := i
		if owner >= nodes {
			owner = rng.Intn(nodes)
		}
		a := w.Assignments[owner]
		a.Ranges = append(a.Ranges, RowRange{Start: points[i], End: points[i+1]})
	}
	return w
}

func TestEvenPartitionCoversCircuit(t *testing.T) {
	for _, c := range circuit.All() {
		for nodes := 1; nodes <= 33; nodes++ {
			w, err := EvenPartition(c, nodes)
			require.NoError(t, err)
			require.Len(t, w.Assignments, nodes)
			require.NoError(t, w.checkConsistency(c, networkOf(nodes)), "%s across %d nodes", c.ID, nodes)

			var rows uint64
			for _, a := range w.Assignments {
				rows += a.Rows()
			}
			assert.Equal(t, c.Rows(), rows)
		}
	}
}

func TestEvenPartitionRejectsTooManyNodes(t *testing.T) {
	c, _ := circuit.Lookup("keccak")
	_, err := EvenPartition(c, 0)
	assert.Error(t, err)
	_, err = EvenPartition(c, int(c.Rows())+1)
	assert.Error(t, err)
}

func TestRandomPartitionsSatisfyCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c, _ := circuit.Lookup("keccak")

	for i := 0; i < 200; i++ {
		nodes := 1 + rng.Intn(8)
		w := randomPartition(rng, c, nodes)
		require.NoError(t, w.checkConsistency(c, networkOf(nodes)))
	}
}

func TestPerturbedPartitionsAreRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c, _ := circuit.Lookup("keccak")

	for i := 0; i < 200; i++ {
		nodes := 2 + rng.Intn(6)
		w := randomPartition(rng, c, nodes)

		// drop a range from a node holding more than one
		gapped := randomPartition(rand.New(rand.NewSource(int64(i))), c, nodes)
		for _, a := range gapped.Assignments {
			if len(a.Ranges) > 1 {
				a.Ranges = a.Ranges[1:]
				err := gapped.checkConsistency(c, networkOf(nodes))
				require.ErrorIs(t, err, common.ErrConfigInconsistent)
				assert.Contains(t, err.Error(), "coverage gap")
				break
			}
		}

		// duplicate a range onto another node
		donor := w.Assignments[rng.Intn(nodes)]
		recipient := w.Assignments[(donor.Index+1)%nodes]
		recipient.Ranges = append(recipient.Ranges, donor.Ranges[0])
		err := w.checkConsistency(c, networkOf(nodes))
		require.ErrorIs(t, err, common.ErrConfigInconsistent)
		assert.Contains(t, err.Error(), "overlap")
	}
}
