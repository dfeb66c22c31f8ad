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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

const defaultArtifactsPath = "artifacts"
const defaultShareTimeout = time.Minute * 30
const defaultPeerConnectTimeout = time.Minute * 2
const defaultLockTimeout = time.Minute * 5

// StoreProviderFilesystem persists artifacts as files beneath the artifacts path
const StoreProviderFilesystem = "fs"

// StoreProviderBadger persists artifacts in an embedded badger database
const StoreProviderBadger = "badger"

// StoreProviderRedis persists artifacts in redis
const StoreProviderRedis = "redis"

// ShareTransportHTTP delivers worker shares to the leader's http listener
const ShareTransportHTTP = "http"

// ShareTransportNATS delivers worker shares via NATS request/reply
const ShareTransportNATS = "nats"

var (
	// Log is the configured logger
	Log *logger.Logger
)

// Config is the process-wide configuration; it is read once at startup and never mutated
type Config struct {
	ArtifactsPath string
	ConfigPath    string

	StoreProvider string
	BadgerPath    string
	RedisURL      string

	ShareTransport     string
	NatsURL            string
	ShareTimeout       time.Duration
	PeerConnectTimeout time.Duration
	LockTimeout        time.Duration

	Threads       int
	LeaderThreads int
	WorkerThreads int
	GPU           bool
}

func init() {
	godotenv.Load()

	requireLogger()
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("prover", lvl, endpoint)
}

// LoadConfig reads the prover configuration from the environment
func LoadConfig() (*Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (*Config, error) {
	env := func(key string) string {
		val, _ := lookup(key)
		return strings.TrimSpace(val)
	}

	cfg := &Config{
		ArtifactsPath:      defaultArtifactsPath,
		StoreProvider:      StoreProviderFilesystem,
		ShareTransport:     ShareTransportHTTP,
		NatsURL:            "nats://127.0.0.1:4222",
		ShareTimeout:       defaultShareTimeout,
		PeerConnectTimeout: defaultPeerConnectTimeout,
		LockTimeout:        defaultLockTimeout,
	}

	if val := env("PROVER_ARTIFACTS_PATH"); val != "" {
		cfg.ArtifactsPath = val
	}
	cfg.ConfigPath = cfg.ArtifactsPath
	if val := env("PROVER_CONFIG_PATH"); val != "" {
		cfg.ConfigPath = val
	}

	if val := env("PROVER_STORE_PROVIDER"); val != "" {
		cfg.StoreProvider = strings.ToLower(val)
	}
	switch cfg.StoreProvider {
	case StoreProviderFilesystem, StoreProviderBadger, StoreProviderRedis:
	default:
		return nil, NewError(ErrConfigMalformed, "PROVER_STORE_PROVIDER", "unknown store provider %q", cfg.StoreProvider)
	}
	cfg.BadgerPath = filepath.Join(cfg.ArtifactsPath, "badger")
	if val := env("PROVER_BADGER_PATH"); val != "" {
		cfg.BadgerPath = val
	}
	cfg.RedisURL = env("REDIS_URL")
	if cfg.StoreProvider == StoreProviderRedis && cfg.RedisURL == "" {
		return nil, NewError(ErrConfigMalformed, "REDIS_URL", "redis store provider requires REDIS_URL")
	}

	if val := env("PROVER_SHARE_TRANSPORT"); val != "" {
		cfg.ShareTransport = strings.ToLower(val)
	}
	switch cfg.ShareTransport {
	case ShareTransportHTTP, ShareTransportNATS:
	default:
		return nil, NewError(ErrConfigMalformed, "PROVER_SHARE_TRANSPORT", "unknown share transport %q", cfg.ShareTransport)
	}
	if val := env("NATS_URL"); val != "" {
		cfg.NatsURL = val
	}

	var err error
	if cfg.ShareTimeout, err = durationFromEnv(env, "PROVER_SHARE_TIMEOUT", cfg.ShareTimeout); err != nil {
		return nil, err
	}
	if cfg.PeerConnectTimeout, err = durationFromEnv(env, "PROVER_PEER_CONNECT_TIMEOUT", cfg.PeerConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = durationFromEnv(env, "PROVER_LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return nil, err
	}

	if cfg.Threads, err = threadsFromEnv(env, "PROVER_THREADS"); err != nil {
		return nil, err
	}
	if cfg.LeaderThreads, err = threadsFromEnv(env, "PROVER_LEADER_THREADS"); err != nil {
		return nil, err
	}
	if cfg.WorkerThreads, err = threadsFromEnv(env, "PROVER_WORKER_THREADS"); err != nil {
		return nil, err
	}

	if val := env("PROVER_GPU"); val != "" {
		cfg.GPU, err = strconv.ParseBool(val)
		if err != nil {
			return nil, NewError(ErrConfigMalformed, "PROVER_GPU", "expected a boolean; %s", err.Error())
		}
	}

	return cfg, nil
}

// durationFromEnv parses a duration; a bare "0" disables the bound
func durationFromEnv(env func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	val := env(key)
	if val == "" {
		return fallback, nil
	}
	if val == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, NewError(ErrConfigMalformed, key, "expected a non-negative duration, got %q", val)
	}
	return d, nil
}

func threadsFromEnv(env func(string) string, key string) (int, error) {
	val := env(key)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, NewError(ErrConfigMalformed, key, "expected a positive thread count, got %q", val)
	}
	return n, nil
}
