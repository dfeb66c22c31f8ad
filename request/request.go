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

package request

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
)

// Phase is a lifecycle phase of a proving session
type Phase string

const (
	// PhaseSetup produces the proving and verifying keys
	PhaseSetup Phase = "setup"

	// PhaseProveLocal proves the full workload on a single node
	PhaseProveLocal Phase = "prove-local"

	// PhaseProveDistributed proves the workload cooperatively across the topology
	PhaseProveDistributed Phase = "prove"

	// PhaseVerify verifies the proof on the leader
	PhaseVerify Phase = "verify"
)

// Profile is the execution optimization level; it affects resource defaults only
type Profile string

const (
	ProfileDev     Profile = "dev"
	ProfileRelease Profile = "release"
)

var phases = map[string]Phase{
	string(PhaseSetup):            PhaseSetup,
	string(PhaseProveLocal):       PhaseProveLocal,
	string(PhaseProveDistributed): PhaseProveDistributed,
	string(PhaseVerify):           PhaseVerify,
}

// ProvingRequest is the normalized command for a single process invocation
type ProvingRequest struct {
	Circuit   *circuit.Circuit
	Phase     Phase
	Profile   Profile
	RoleIndex *int
}

// ParseRequest classifies the raw positional tokens by value and returns the request they describe;
// an empty profile resolves to release
func ParseRequest(tokens []string, profile string) (*ProvingRequest, error) {
	req := &ProvingRequest{}
	unclaimed := make([]string, 0)

	for _, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))

		if c, err := circuit.Lookup(token); err == nil {
			if req.Circuit != nil {
				return nil, common.NewError(common.ErrInvalidRequest, raw, "duplicate circuit; %s already requested", req.Circuit.ID)
			}
			req.Circuit = c
			continue
		}

		if phase, ok := phases[token]; ok {
			if req.Phase != "" {
				return nil, common.NewError(common.ErrInvalidRequest, raw, "duplicate phase; %s already requested", req.Phase)
			}
			req.Phase = phase
			continue
		}

		if idx, err := strconv.Atoi(token); err == nil {
			if idx < 0 {
				return nil, common.NewError(common.ErrInvalidRequest, raw, "prover index must be non-negative")
			}
			unclaimed = append(unclaimed, raw)
			continue
		}

		return nil, common.NewError(common.ErrInvalidRequest, raw, "unknown circuit or phase")
	}

	if req.Circuit == nil {
		return nil, common.NewError(common.ErrInvalidRequest, strings.Join(tokens, " "), "circuit required; one of evm, keccak")
	}
	if req.Phase == "" {
		return nil, common.NewError(common.ErrInvalidRequest, strings.Join(tokens, " "), "phase required; one of setup, prove, prove-local, verify")
	}

	if req.Phase == PhaseProveDistributed {
		if len(unclaimed) == 0 {
			return nil, common.NewError(common.ErrMissingRoleIndex, strings.Join(tokens, " "), "prover index required for distributed prove")
		}
		if len(unclaimed) > 1 {
			return nil, common.NewError(common.ErrUnexpectedArgument, unclaimed[1], "prover index already given as %s", unclaimed[0])
		}
		idx, _ := strconv.Atoi(strings.TrimSpace(unclaimed[0]))
		req.RoleIndex = common.IntOrNil(idx)
	} else if len(unclaimed) > 0 {
		return nil, common.NewError(common.ErrUnexpectedArgument, unclaimed[0], "prover index is only accepted for the %s phase", PhaseProveDistributed)
	}

	p, err := ParseProfile(profile)
	if err != nil {
		return nil, err
	}
	req.Profile = p

	return req, nil
}

// ParseProfile validates the execution profile; an empty profile resolves to release
func ParseProfile(profile string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(profile))) {
	case "", ProfileRelease:
		return ProfileRelease, nil
	case ProfileDev:
		return ProfileDev, nil
	}
	return "", common.NewError(common.ErrInvalidProfile, profile, "profile must be one of dev, release")
}

// Distributed returns true if the request is a distributed prove
func (r *ProvingRequest) Distributed() bool {
	return r.Phase == PhaseProveDistributed
}

func (r *ProvingRequest) String() string {
	if r.RoleIndex != nil {
		return fmt.Sprintf("%s %s %d (%s)", r.Circuit.ID, r.Phase, *r.RoleIndex, r.Profile)
	}
	return fmt.Sprintf("%s %s (%s)", r.Circuit.ID, r.Phase, r.Profile)
}
