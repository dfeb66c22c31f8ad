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

package resources

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
	"github.com/provideplatform/distprover/role"
)

// Budget is the compute budget handed to the proving backend; immutable once allocated
type Budget struct {
	Threads int
	GPU     bool
}

func (b Budget) String() string {
	if b.GPU {
		return fmt.Sprintf("%d threads + gpu", b.Threads)
	}
	return fmt.Sprintf("%d threads", b.Threads)
}

// Overrides are the environment-level controls read once at process start
type Overrides struct {
	Threads       int
	LeaderThreads int
	WorkerThreads int
	GPU           bool
}

// OverridesFromConfig extracts the resource overrides from the process configuration
func OverridesFromConfig(cfg *common.Config) Overrides {
	return Overrides{
		Threads:       cfg.Threads,
		LeaderThreads: cfg.LeaderThreads,
		WorkerThreads: cfg.WorkerThreads,
		GPU:           cfg.GPU,
	}
}

// DeviceProbe reports whether a GPU compute device can be engaged
type DeviceProbe interface {
	Available() error
}

// Allocator maps profile and role to a compute budget
type Allocator struct {
	cores int
	probe DeviceProbe
}

// NewAllocator returns an allocator sized to the host's physical cores
func NewAllocator(probe DeviceProbe) *Allocator {
	return &Allocator{
		cores: physicalCores(),
		probe: probe,
	}
}

func physicalCores() int {
	if cpuid.CPU.PhysicalCores > 0 {
		return cpuid.CPU.PhysicalCores
	}
	return runtime.NumCPU()
}

// Allocate deterministically derives the budget; a requested but unavailable GPU is an error, never a CPU fallback
func (a *Allocator) Allocate(profile request.Profile, kind role.Kind, o Overrides) (*Budget, error) {
	budget := &Budget{
		Threads: a.defaultThreads(profile, kind),
	}

	if o.Threads > 0 {
		budget.Threads = o.Threads
	}
	switch kind {
	case role.Leader:
		if o.LeaderThreads > 0 {
			budget.Threads = o.LeaderThreads
		}
	case role.Worker:
		if o.WorkerThreads > 0 {
			budget.Threads = o.WorkerThreads
		}
	}

	if o.GPU {
		if a.probe == nil {
			return nil, common.NewError(common.ErrGpuUnavailable, "PROVER_GPU", "no gpu device probe configured")
		}
		if err := a.probe.Available(); err != nil {
			return nil, common.Wrap(common.ErrGpuUnavailable, "PROVER_GPU", err)
		}
		budget.GPU = true
	}

	common.Log.Debugf("allocated %s for %s %s", budget, profile, kind)
	return budget, nil
}

// defaultThreads gives leaders fewer threads than workers, since workers are embarrassingly
// parallel over their partition; dev halves both
func (a *Allocator) defaultThreads(profile request.Profile, kind role.Kind) int {
	threads := a.cores
	if kind == role.Leader {
		threads /= 2
	}
	if profile == request.ProfileDev {
		threads /= 2
	}
	if threads < 1 {
		threads = 1
	}
	return threads
}
