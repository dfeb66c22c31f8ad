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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/provideplatform/distprover/circuit"
)

// ProvingKey wraps the groth16 proving key with the circuit parameters fixed at setup
type ProvingKey struct {
	Circuit circuit.ID `json:"circuit"`
	Degree  uint32     `json:"degree"`
	Digest  string     `json:"digest"`
	Key     string     `json:"key"`

	pk     groth16.ProvingKey
	digest fr.Element
}

// VerifyingKey wraps the groth16 verifying key with the public digest
type VerifyingKey struct {
	Circuit circuit.ID `json:"circuit"`
	Degree  uint32     `json:"degree"`
	Digest  string     `json:"digest"`
	Key     string     `json:"key"`

	vk     groth16.VerifyingKey
	digest fr.Element
}

func newProvingKey(c *circuit.Circuit, pk groth16.ProvingKey, digest fr.Element) (*ProvingKey, error) {
	var buf bytes.Buffer
	if _, err := pk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize proving key; %s", err.Error())
	}
	return &ProvingKey{
		Circuit: c.ID,
		Degree:  c.Degree,
		Digest:  encodeElement(&digest),
		Key:     hex.EncodeToString(buf.Bytes()),
		pk:      pk,
		digest:  digest,
	}, nil
}

func newVerifyingKey(c *circuit.Circuit, vk groth16.VerifyingKey, digest fr.Element) (*VerifyingKey, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize verifying key; %s", err.Error())
	}
	return &VerifyingKey{
		Circuit: c.ID,
		Degree:  c.Degree,
		Digest:  encodeElement(&digest),
		Key:     hex.EncodeToString(buf.Bytes()),
		vk:      vk,
		digest:  digest,
	}, nil
}

// Marshal returns the persisted form of the key
func (k *ProvingKey) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// Marshal returns the persisted form of the key
func (k *VerifyingKey) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalProvingKey parses a persisted proving key
func UnmarshalProvingKey(raw []byte) (*ProvingKey, error) {
	k := &ProvingKey{}
	if err := json.Unmarshal(raw, k); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proving key; %s", err.Error())
	}
	if err := decodeElement(k.Digest, &k.digest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proving key digest; %s", err.Error())
	}
	keyBytes, err := hex.DecodeString(k.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode proving key; %s", err.Error())
	}
	k.pk = groth16.NewProvingKey(ecc.BN254)
	if _, err := k.pk.ReadFrom(bytes.NewReader(keyBytes)); err != nil {
		return nil, fmt.Errorf("failed to read proving key; %s", err.Error())
	}
	return k, nil
}

// UnmarshalVerifyingKey parses a persisted verifying key
func UnmarshalVerifyingKey(raw []byte) (*VerifyingKey, error) {
	k := &VerifyingKey{}
	if err := json.Unmarshal(raw, k); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verifying key; %s", err.Error())
	}
	if err := decodeElement(k.Digest, &k.digest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verifying key digest; %s", err.Error())
	}
	keyBytes, err := hex.DecodeString(k.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode verifying key; %s", err.Error())
	}
	k.vk = groth16.NewVerifyingKey(ecc.BN254)
	if _, err := k.vk.ReadFrom(bytes.NewReader(keyBytes)); err != nil {
		return nil, fmt.Errorf("failed to read verifying key; %s", err.Error())
	}
	return k, nil
}

func encodeElement(e *fr.Element) string {
	b := e.Bytes()
	return hex.EncodeToString(b[:])
}

func decodeElement(s string, e *fr.Element) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != fr.Bytes {
		return fmt.Errorf("expected %d bytes, got %d", fr.Bytes, len(raw))
	}
	return e.SetBytesCanonical(raw)
}

func elementToBigInt(e *fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}
