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

package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/provideplatform/distprover/circuit"
	"github.com/provideplatform/distprover/common"
	"github.com/provideplatform/distprover/request"
	storeprovider "github.com/provideplatform/distprover/store/providers"
)

// Artifact names a persisted session artifact
type Artifact string

const (
	ArtifactProvingKey   Artifact = "pk.bin"
	ArtifactVerifyingKey Artifact = "vk.bin"
	ArtifactProof        Artifact = "proof.bin"
	ArtifactSession      Artifact = "session.json"
)

// Key addresses the artifact set of a session
type Key struct {
	Circuit circuit.ID
	Profile request.Profile
}

func (k Key) String() string {
	return path.Join(string(k.Circuit), string(k.Profile))
}

func (k Key) artifact(a Artifact) string {
	return path.Join(k.String(), string(a))
}

// Store persists session artifacts keyed by (circuit, profile); writes are durable before Put returns
type Store struct {
	Provider    string
	provider    storeprovider.StoreProvider
	lockTimeout time.Duration
}

// Open initializes the store provider named by the configuration
func Open(cfg *common.Config) (*Store, error) {
	provider, err := storeProviderFactory(cfg)
	if err != nil {
		return nil, common.Wrap(common.ErrStoreUnavailable, cfg.StoreProvider, err)
	}

	common.Log.Debugf("initialized %s artifact store", cfg.StoreProvider)
	return &Store{
		Provider:    cfg.StoreProvider,
		provider:    provider,
		lockTimeout: cfg.LockTimeout,
	}, nil
}

// NewStore wraps an initialized provider
func NewStore(name string, provider storeprovider.StoreProvider, lockTimeout time.Duration) *Store {
	return &Store{
		Provider:    name,
		provider:    provider,
		lockTimeout: lockTimeout,
	}
}

func storeProviderFactory(cfg *common.Config) (storeprovider.StoreProvider, error) {
	switch cfg.StoreProvider {
	case common.StoreProviderFilesystem:
		provider, err := storeprovider.InitFilesystemStoreProvider(cfg.ArtifactsPath)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case common.StoreProviderBadger:
		provider, err := storeprovider.InitBadgerStoreProvider(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case common.StoreProviderRedis:
		provider, err := storeprovider.InitRedisStoreProvider(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		common.Log.Warningf("failed to initialize store provider; unknown provider: %s", cfg.StoreProvider)
	}

	return nil, fmt.Errorf("unknown store provider: %s", cfg.StoreProvider)
}

// Get returns the named artifact, or common.ErrArtifactNotFound
func (s *Store) Get(ctx context.Context, key Key, a Artifact) ([]byte, error) {
	val, err := s.provider.Get(ctx, key.artifact(a))
	if err != nil {
		return nil, storageErr(key.artifact(a), err)
	}
	return val, nil
}

// Put durably replaces the named artifact
func (s *Store) Put(ctx context.Context, key Key, a Artifact, val []byte) error {
	if err := s.provider.Put(ctx, key.artifact(a), val); err != nil {
		return storageErr(key.artifact(a), err)
	}
	common.Log.Debugf("persisted %d-byte %s artifact for %s", len(val), a, key)
	return nil
}

// Has returns true if the named artifact exists
func (s *Store) Has(ctx context.Context, key Key, a Artifact) (bool, error) {
	ok, err := s.provider.Has(ctx, key.artifact(a))
	if err != nil {
		return false, storageErr(key.artifact(a), err)
	}
	return ok, nil
}

// Delete removes the named artifact
func (s *Store) Delete(ctx context.Context, key Key, a Artifact) error {
	if err := s.provider.Delete(ctx, key.artifact(a)); err != nil {
		return storageErr(key.artifact(a), err)
	}
	return nil
}

// Lock takes the session's advisory lock, waiting at most the configured lock timeout;
// no two writers, nor a writer and a reader, hold the same key at once
func (s *Store) Lock(ctx context.Context, key Key, exclusive bool) (func(), error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}

	unlock, err := s.provider.Lock(ctx, key.String(), exclusive)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, common.NewError(common.ErrSessionLocked, key.String(), "failed to acquire %s session lock; %s", mode, err.Error())
		}
		return nil, storageErr(key.String(), err)
	}
	common.Log.Tracef("acquired %s session lock for %s", mode, key)

	return func() {
		if err := unlock(); err != nil {
			common.Log.Warningf("failed to release %s session lock for %s; %s", mode, key, err.Error())
		}
	}, nil
}

// Close releases the provider
func (s *Store) Close() error {
	return s.provider.Close()
}

func storageErr(input string, err error) error {
	if common.ErrorCode(err) != "" {
		return err
	}
	return common.Wrap(common.ErrStoreUnavailable, input, err)
}
