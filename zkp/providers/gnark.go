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
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/resources"
	"github.com/provideplatform/distprover/topology"
	libgnark "github.com/provideplatform/distprover/zkp/lib/circuits/gnark"
	"golang.org/x/sync/errgroup"
)

// shareChunkRows is the number of rows evaluated per scheduled task
const shareChunkRows = 256

var compileAggregateCircuit = sync.OnceValues(func() (constraint.ConstraintSystem, error) {
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &libgnark.AggregateCircuit{})
})

// GnarkProverProvider evaluates workload shares on the host CPU and proves the aggregate with gnark groth16
type GnarkProverProvider struct {
	proverOpts []backend.ProverOption
}

// InitGnarkProverProvider initializes a new CPU-bound GnarkProverProvider instance
func InitGnarkProverProvider() *GnarkProverProvider {
	return &GnarkProverProvider{}
}

// Setup evaluates the full workload, fixes its MiMC digest as the public input and runs the groth16 setup
func (p *GnarkProverProvider) Setup(ctx context.Context, c *circuit.Circuit, budget *resources.Budget) (*ProvingKey, *VerifyingKey, error) {
	timer := common.StartTimer("Evaluate full workload")
	aggregate, err := evaluate(ctx, c, []topology.RowRange{{Start: 0, End: c.Rows()}}, budget.Threads)
	timer.Done()
	if err != nil {
		return nil, nil, common.Wrap(common.ErrSetupFailed, string(c.ID), err)
	}
	digest := mimcDigest(&aggregate)

	timer = common.StartTimer("Compile aggregate circuit")
	ccs, err := compileAggregateCircuit()
	timer.Done()
	if err != nil {
		return nil, nil, common.NewError(common.ErrSetupFailed, string(c.ID), "failed to compile aggregate circuit; %s", err.Error())
	}

	timer = common.StartTimer("Generate proving and verifying keys")
	gpk, gvk, err := groth16.Setup(ccs)
	timer.Done()
	if err != nil {
		return nil, nil, common.NewError(common.ErrSetupFailed, string(c.ID), "failed to run groth16 setup; %s", err.Error())
	}

	pk, err := newProvingKey(c, gpk, digest)
	if err != nil {
		return nil, nil, common.Wrap(common.ErrSetupFailed, string(c.ID), err)
	}
	vk, err := newVerifyingKey(c, gvk, digest)
	if err != nil {
		return nil, nil, common.Wrap(common.ErrSetupFailed, string(c.ID), err)
	}

	common.Log.Debugf("setup complete for %s circuit; %d constraints", c.ID, ccs.GetNbConstraints())
	return pk, vk, nil
}

// ProveShare evaluates the node's row ranges using at most budget.Threads concurrent tasks
func (p *GnarkProverProvider) ProveShare(ctx context.Context, pk *ProvingKey, index int, ranges []topology.RowRange, budget *resources.Budget) (*Share, error) {
	c, err := circuit.Lookup(string(pk.Circuit))
	if err != nil {
		return nil, common.Wrap(common.ErrProveFailed, string(pk.Circuit), err)
	}

	var rows uint64
	for _, r := range ranges {
		if r.End <= r.Start || r.End > c.Rows() {
			return nil, common.NewError(common.ErrProveFailed, r.String(), "row range outside the %d-row %s workload", c.Rows(), c.ID)
		}
		rows += r.Len()
	}

	aggregate, err := evaluate(ctx, c, ranges, budget.Threads)
	if err != nil {
		return nil, wrapProveErr(fmt.Sprintf("prover %d", index), err)
	}

	return &Share{
		Circuit:   c.ID,
		Indices:   []int{index},
		Rows:      rows,
		Aggregate: aggregate,
	}, nil
}

// Combine sums share aggregates in the scalar field; the result is independent of argument order
func (p *GnarkProverProvider) Combine(shares ...*Share) (*Share, error) {
	combined, err := combineShares(shares...)
	if err != nil {
		return nil, common.Wrap(common.ErrProveFailed, "", err)
	}
	return combined, nil
}

// Finalize proves the complete aggregate against the digest fixed at setup
func (p *GnarkProverProvider) Finalize(ctx context.Context, pk *ProvingKey, aggregate *Share, budget *resources.Budget) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapProveErr(string(pk.Circuit), err)
	}

	c, err := circuit.Lookup(string(pk.Circuit))
	if err != nil {
		return nil, common.Wrap(common.ErrProveFailed, string(pk.Circuit), err)
	}
	if aggregate.Circuit != c.ID {
		return nil, common.NewError(common.ErrProveFailed, string(aggregate.Circuit), "aggregate does not belong to the %s circuit", c.ID)
	}
	if aggregate.Rows != c.Rows() {
		return nil, common.NewError(common.ErrProveFailed, string(c.ID), "aggregate covers %d of %d rows", aggregate.Rows, c.Rows())
	}

	ccs, err := compileAggregateCircuit()
	if err != nil {
		return nil, common.NewError(common.ErrProveFailed, string(c.ID), "failed to compile aggregate circuit; %s", err.Error())
	}

	assignment := &libgnark.AggregateCircuit{
		Aggregate: elementToBigInt(&aggregate.Aggregate),
		Digest:    elementToBigInt(&pk.digest),
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, common.NewError(common.ErrProveFailed, string(c.ID), "failed to build witness; %s", err.Error())
	}

	proof, err := groth16.Prove(ccs, pk.pk, witness, p.proverOpts...)
	if err != nil {
		return nil, common.NewError(common.ErrProveFailed, string(c.ID), "failed to generate proof; %s", err.Error())
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, common.NewError(common.ErrProveFailed, string(c.ID), "failed to serialize proof; %s", err.Error())
	}

	return buf.Bytes(), nil
}

// Verify rejects any proof that fails to parse or verify; it never panics on corrupt input
func (p *GnarkProverProvider) Verify(ctx context.Context, vk *VerifyingKey, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.NewError(common.ErrVerificationRejected, string(vk.Circuit), "recovered while verifying proof; %v", r)
		}
	}()

	proof := groth16.NewProof(ecc.BN254)
	n, err := proof.ReadFrom(bytes.NewReader(raw))
	if err != nil {
		return common.NewError(common.ErrVerificationRejected, string(vk.Circuit), "failed to read proof; %s", err.Error())
	}
	if n != int64(len(raw)) {
		return common.NewError(common.ErrVerificationRejected, string(vk.Circuit), "proof carries %d trailing bytes", int64(len(raw))-n)
	}

	public, err := frontend.NewWitness(&libgnark.AggregateCircuit{
		Digest: elementToBigInt(&vk.digest),
	}, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return common.NewError(common.ErrVerificationRejected, string(vk.Circuit), "failed to build public witness; %s", err.Error())
	}

	if err := groth16.Verify(proof, vk.vk, public); err != nil {
		return common.NewError(common.ErrVerificationRejected, string(vk.Circuit), "proof rejected; %s", err.Error())
	}

	return nil
}

// evaluate sums the row values of the given ranges in the BN254 scalar field
func evaluate(ctx context.Context, c *circuit.Circuit, ranges []topology.RowRange, threads int) (fr.Element, error) {
	if threads < 1 {
		threads = 1
	}

	var seed fr.Element
	seed.SetBytes(c.Seed[:])

	var mutex sync.Mutex
	var total fr.Element

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, r := range ranges {
		for start := r.Start; start < r.End; start += shareChunkRows {
			start := start
			end := start + shareChunkRows
			if end > r.End {
				end = r.End
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				partial := evaluateRows(&seed, start, end)
				mutex.Lock()
				total.Add(&total, &partial)
				mutex.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fr.Element{}, err
	}
	return total, nil
}

// evaluateRows returns sum(mimc(seed, row)) for row in [start, end)
func evaluateRows(seed *fr.Element, start, end uint64) fr.Element {
	h := mimc.NewMiMC()
	seedBytes := seed.Bytes()

	var acc, row, value fr.Element
	for r := start; r < end; r++ {
		row.SetUint64(r)
		rowBytes := row.Bytes()

		h.Reset()
		h.Write(seedBytes[:])
		h.Write(rowBytes[:])
		value.SetBytes(h.Sum(nil))
		acc.Add(&acc, &value)
	}
	return acc
}

func mimcDigest(aggregate *fr.Element) fr.Element {
	h := mimc.NewMiMC()
	b := aggregate.Bytes()
	h.Write(b[:])

	var digest fr.Element
	digest.SetBytes(h.Sum(nil))
	return digest
}
