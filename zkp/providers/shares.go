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

package providers

import (
	"fmt"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/provideplatform/distprover/circuit"
)

// Share is a node's evaluation of its slice of the workload
type Share struct {
	Circuit   circuit.ID
	Indices   []int
	Rows      uint64
	Aggregate fr.Element
}

// ParseShare reconstructs a share received from a peer
func ParseShare(c circuit.ID, index int, rows uint64, aggregate string) (*Share, error) {
	s := &Share{
		Circuit: c,
		Indices: []int{index},
		Rows:    rows,
	}
	if err := decodeElement(aggregate, &s.Aggregate); err != nil {
		return nil, fmt.Errorf("failed to parse share aggregate; %s", err.Error())
	}
	return s, nil
}

// AggregateHex returns the canonical hex encoding of the share aggregate
func (s *Share) AggregateHex() string {
	return encodeElement(&s.Aggregate)
}

func combineShares(shares ...*Share) (*Share, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("failed to combine shares; no shares given")
	}

	combined := &Share{
		Circuit: shares[0].Circuit,
		Indices: make([]int, 0, len(shares)),
	}
	seen := map[int]bool{}
	for _, s := range shares {
		if s.Circuit != combined.Circuit {
			return nil, fmt.Errorf("failed to combine shares; %s share cannot be combined with %s shares", s.Circuit, combined.Circuit)
		}
		for _, idx := range s.Indices {
			if seen[idx] {
				return nil, fmt.Errorf("failed to combine shares; node %d contributed more than once", idx)
			}
			seen[idx] = true
			combined.Indices = append(combined.Indices, idx)
		}
		combined.Rows += s.Rows
		combined.Aggregate.Add(&combined.Aggregate, &s.Aggregate)
	}
	sort.Ints(combined.Indices)

	return combined, nil
}
