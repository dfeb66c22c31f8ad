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

package fsstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/provideplatform/distprover/common"
)

const lockFileName = ".lock"
const lockRetryDelay = time.Millisecond * 50

// FS persists artifacts as files beneath a root directory, i.e. <root>/<circuit>/<profile>/pk.bin
type FS struct {
	root string
}

// InitFS initializes a filesystem store rooted at root
func InitFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem store at %s; %s", root, err.Error())
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Get returns the artifact stored at key
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	val, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.NewError(common.ErrArtifactNotFound, key, "no artifact at %s", path)
	}
	return val, err
}

// Put atomically replaces the artifact stored at key
func (s *FS) Put(ctx context.Context, key string, val []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(path, val, 0o644)
}

// Has returns true if an artifact is stored at key
func (s *FS) Has(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the artifact at key; deleting a missing artifact is not an error
func (s *FS) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Lock takes an advisory flock on the key's directory; it is held across processes on the same host
func (s *FS) Lock(ctx context.Context, key string, exclusive bool) (func() error, error) {
	dir, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s; %s", dir, err.Error())
	}

	fl := flock.New(filepath.Join(dir, lockFileName))
	var locked bool
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock %s", key)
	}

	return fl.Unlock, nil
}

// Close is a no-op for the filesystem store
func (s *FS) Close() error {
	return nil
}
