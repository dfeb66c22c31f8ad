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
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/consensys/gnark/backend"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/resources"
)

// GPUProverProvider proves with icicle acceleration; share evaluation stays on the CPU
type GPUProverProvider struct {
	*GnarkProverProvider
}

// InitGPUProverProvider initializes a GPUProverProvider if the probe reports a usable device
func InitGPUProverProvider(probe resources.DeviceProbe) (*GPUProverProvider, error) {
	if probe == nil {
		probe = CUDADeviceProbe{}
	}
	if err := probe.Available(); err != nil {
		return nil, common.Wrap(common.ErrGpuUnavailable, "PROVER_GPU", err)
	}

	common.Log.Debug("initialized icicle-accelerated prover provider")
	return &GPUProverProvider{
		GnarkProverProvider: &GnarkProverProvider{
			proverOpts: []backend.ProverOption{backend.WithIcicleAcceleration()},
		},
	}, nil
}

// CUDADeviceProbe reports a device only when the binary was built with icicle and a CUDA device is visible
type CUDADeviceProbe struct{}

// Available returns nil if the gpu can be engaged
func (CUDADeviceProbe) Available() error {
	if !icicleEnabled {
		return errors.New("prover was built without icicle acceleration; rebuild with -tags icicle")
	}

	if visible, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		visible = strings.TrimSpace(visible)
		if visible == "" || visible == "-1" {
			return errors.New("no cuda devices visible; CUDA_VISIBLE_DEVICES hides all devices")
		}
	}

	devices, _ := filepath.Glob("/dev/nvidia[0-9]*")
	if len(devices) == 0 {
		return errors.New("no nvidia device found")
	}

	return nil
}
