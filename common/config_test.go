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

package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		val, ok := env[key]
		return val, ok
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := configFromLookup(lookupFrom(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "artifacts", cfg.ArtifactsPath)
	assert.Equal(t, "artifacts", cfg.ConfigPath)
	assert.Equal(t, StoreProviderFilesystem, cfg.StoreProvider)
	assert.Equal(t, ShareTransportHTTP, cfg.ShareTransport)
	assert.Equal(t, defaultShareTimeout, cfg.ShareTimeout)
	assert.Zero(t, cfg.Threads)
	assert.False(t, cfg.GPU)
}

func TestConfigOverrides(t *testing.T) {
	cfg, err := configFromLookup(lookupFrom(map[string]string{
		"PROVER_ARTIFACTS_PATH":  "/var/lib/prover",
		"PROVER_CONFIG_PATH":     "/etc/prover",
		"PROVER_STORE_PROVIDER":  "BADGER",
		"PROVER_SHARE_TRANSPORT": "nats",
		"PROVER_SHARE_TIMEOUT":   "0",
		"PROVER_LOCK_TIMEOUT":    "3s",
		"PROVER_THREADS":         "6",
		"PROVER_GPU":             "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/etc/prover", cfg.ConfigPath)
	assert.Equal(t, StoreProviderBadger, cfg.StoreProvider)
	assert.Equal(t, "/var/lib/prover/badger", cfg.BadgerPath)
	assert.Equal(t, ShareTransportNATS, cfg.ShareTransport)
	assert.Equal(t, time.Duration(0), cfg.ShareTimeout)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 6, cfg.Threads)
	assert.True(t, cfg.GPU)
}

func TestConfigMalformed(t *testing.T) {
	cases := map[string]map[string]string{
		"PROVER_STORE_PROVIDER":  {"PROVER_STORE_PROVIDER": "s3"},
		"REDIS_URL":              {"PROVER_STORE_PROVIDER": "redis"},
		"PROVER_SHARE_TRANSPORT": {"PROVER_SHARE_TRANSPORT": "carrier-pigeon"},
		"PROVER_SHARE_TIMEOUT":   {"PROVER_SHARE_TIMEOUT": "soon"},
		"PROVER_THREADS":         {"PROVER_THREADS": "-2"},
		"PROVER_GPU":             {"PROVER_GPU": "maybe"},
	}

	for input, env := range cases {
		_, err := configFromLookup(lookupFrom(env))
		require.Error(t, err, input)
		assert.ErrorIs(t, err, ErrConfigMalformed, input)

		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, input, e.Input)
	}
}
