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
	"context"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/resources"
	"github.com/provideplatform/distprover/topology"
)

// ProverProviderCPU gnark groth16 on the host CPU
const ProverProviderCPU = "cpu"

// ProverProviderGPU gnark groth16 with icicle acceleration
const ProverProviderGPU = "gpu"

// ProverProvider is the opaque compute backend; shares combine commutatively,
// so the final proof does not depend on share arrival order
type ProverProvider interface {
	// Setup produces the proving and verifying keys for the circuit
	Setup(ctx context.Context, c *circuit.Circuit, budget *resources.Budget) (*ProvingKey, *VerifyingKey, error)

	// ProveShare evaluates the given row ranges of the circuit workload
	ProveShare(ctx context.Context, pk *ProvingKey, index int, ranges []topology.RowRange, budget *resources.Budget) (*Share, error)

	// Combine folds shares into a single share covering their union
	Combine(shares ...*Share) (*Share, error)

	// Finalize proves the complete aggregate and returns the serialized proof
	Finalize(ctx context.Context, pk *ProvingKey, aggregate *Share, budget *resources.Budget) ([]byte, error)

	// Verify returns nil if the proof is accepted
	Verify(ctx context.Context, vk *VerifyingKey, proof []byte) error
}

// ProverProviderFactory returns the provider for the allocated budget
func ProverProviderFactory(budget *resources.Budget, probe resources.DeviceProbe) (ProverProvider, error) {
	if budget.GPU {
		provider, err := InitGPUProverProvider(probe)
		if err != nil {
			return nil, err
		}
		return provider, nil
	}
	return InitGnarkProverProvider(), nil
}

func wrapProveErr(input string, err error) error {
	if common.ErrorCode(err) != "" {
		return err
	}
	return common.Wrap(common.ErrProveFailed, input, err)
}
