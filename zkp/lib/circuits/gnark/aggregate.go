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

package gnark

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// AggregateCircuit proves knowledge of the workload aggregate whose MiMC hash is the public digest
type AggregateCircuit struct {
	Aggregate frontend.Variable
	Digest    frontend.Variable `gnark:",public"`
}

// Define declares the circuit's constraints
// Digest = mimc(Aggregate)
func (circuit *AggregateCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	h.Write(circuit.Aggregate)
	api.AssertIsEqual(circuit.Digest, h.Sum())

	return nil
}
