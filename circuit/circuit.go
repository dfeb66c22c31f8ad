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

package circuit

import (
	"fmt"
	"sort"
	"strings"
)

// ID identifies a circuit in the catalog
type ID string

const (
	// EVM is the zkevm execution circuit
	EVM ID = "evm"

	// Keccak is the keccak permutation circuit
	Keccak ID = "keccak"
)

// Circuit describes a fixed proof circuit; its workload is 2^Degree rows
type Circuit struct {
	ID     ID
	Degree uint32
	Seed   [16]byte
}

var catalog = map[ID]*Circuit{
	EVM: {
		ID:     EVM,
		Degree: 18,
		Seed:   [16]byte{0xe4, 0x1a, 0x07, 0x9c, 0x2b, 0x55, 0x61, 0xd3, 0x8f, 0x0e, 0x4c, 0x92, 0x3a, 0x77, 0xb1, 0x06},
	},
	Keccak: {
		ID:     Keccak,
		Degree: 11,
		Seed:   [16]byte{0x59, 0x62, 0xbe, 0x5d, 0x76, 0x3d, 0x31, 0x8d, 0x17, 0xdb, 0x37, 0x32, 0x54, 0x06, 0xbc, 0xe5},
	},
}

// Lookup resolves a circuit by its case-insensitive name
func Lookup(name string) (*Circuit, error) {
	c, ok := catalog[ID(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, fmt.Errorf("unknown circuit: %s", name)
	}
	return c, nil
}

// All returns the catalog ordered by id
func All() []*Circuit {
	circuits := make([]*Circuit, 0, len(catalog))
	for _, c := range catalog {
		circuits = append(circuits, c)
	}
	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].ID < circuits[j].ID
	})
	return circuits
}

// Rows returns the total number of workload rows
func (c *Circuit) Rows() uint64 {
	return uint64(1) << c.Degree
}

func (c *Circuit) String() string {
	return string(c.ID)
}
