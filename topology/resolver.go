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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"gopkg.in/yaml.v3"
)

// NetworkDocument is the base name of the network topology document
const NetworkDocument = "network_config"

// WorkloadDocument is the base name of the workload partition document
const WorkloadDocument = "workload_config"

var documentExtensions = []string{".json", ".yaml", ".yml"}

var validate = validator.New()

// Config is the read-only cluster configuration for a session
type Config struct {
	Circuit  *circuit.Circuit
	Network  *Network
	Workload *Workload
}

// Resolver locates the per-circuit configuration documents beneath a root directory
type Resolver struct {
	root string
}

// NewResolver returns a resolver reading <root>/<circuit>/{network,workload}_config.*
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Resolve loads and validates both documents for the circuit
func (r *Resolver) Resolve(ctx context.Context, c *circuit.Circuit) (*Config, error) {
	network, err := r.LoadNetwork(ctx, c)
	if err != nil {
		return nil, err
	}

	workload, err := r.LoadWorkload(c, network)
	if err != nil {
		return nil, err
	}

	return &Config{
		Circuit:  c,
		Network:  network,
		Workload: workload,
	}, nil
}

// LoadNetwork loads the network topology document for the circuit
func (r *Resolver) LoadNetwork(ctx context.Context, c *circuit.Circuit) (*Network, error) {
	path, err := r.locate(c, NetworkDocument)
	if err != nil {
		return nil, err
	}

	network := &Network{}
	if err := decodeDocument(path, network); err != nil {
		return nil, err
	}
	if err := validate.Struct(network); err != nil {
		return nil, schemaError(path, err)
	}
	if err := network.normalize(); err != nil {
		return nil, err
	}
	if err := network.resolve(ctx); err != nil {
		return nil, err
	}

	common.Log.Debugf("resolved %d-node network topology for %s circuit from %s", network.Size(), c.ID, path)
	return network, nil
}

// LoadWorkload loads the workload partition document for the circuit and checks it against the network
func (r *Resolver) LoadWorkload(c *circuit.Circuit, network *Network) (*Workload, error) {
	path, err := r.locate(c, WorkloadDocument)
	if err != nil {
		return nil, err
	}

	workload := &Workload{}
	if err := decodeDocument(path, workload); err != nil {
		return nil, err
	}
	if err := validate.Struct(workload); err != nil {
		return nil, schemaError(path, err)
	}
	if err := workload.checkConsistency(c, network); err != nil {
		return nil, err
	}

	common.Log.Debugf("resolved workload partition for %s circuit from %s", c.ID, path)
	return workload, nil
}

// HasWorkload returns true if a workload document exists for the circuit
func (r *Resolver) HasWorkload(c *circuit.Circuit) bool {
	_, err := r.locate(c, WorkloadDocument)
	return err == nil
}

// WriteWorkload persists the workload partition as JSON
func (r *Resolver) WriteWorkload(c *circuit.Circuit, w *Workload) error {
	raw, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workload partition; %s", err.Error())
	}

	path := filepath.Join(r.root, string(c.ID), WorkloadDocument+".json")
	if err := common.WriteFileAtomic(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write workload partition; %s", err.Error())
	}

	common.Log.Debugf("wrote %d-node workload partition for %s circuit to %s", len(w.Assignments), c.ID, path)
	return nil
}

func (r *Resolver) locate(c *circuit.Circuit, document string) (string, error) {
	dir := filepath.Join(r.root, string(c.ID))
	for _, ext := range documentExtensions {
		path := filepath.Join(dir, document+ext)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", common.NewError(common.ErrConfigNotFound, filepath.Join(dir, document+".json"), "%s document not found for %s circuit", document, c.ID)
}

func decodeDocument(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Wrap(common.ErrConfigNotFound, path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		err = dec.Decode(v)
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	}
	if err != nil {
		return common.NewError(common.ErrConfigMalformed, path, "failed to decode document; %s", err.Error())
	}

	return nil
}

func schemaError(path string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return common.NewError(common.ErrConfigMalformed, fe.Namespace(), "%s failed %s validation in %s", fe.Field(), fe.Tag(), path)
	}
	return common.Wrap(common.ErrConfigMalformed, path, err)
}
