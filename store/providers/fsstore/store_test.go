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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/provideplatform/distprover/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSArtifacts(t *testing.T) {
	root := t.TempDir()
	s, err := InitFS(root)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Has(ctx, "keccak/release/pk.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "keccak/release/pk.bin")
	require.ErrorIs(t, err, common.ErrArtifactNotFound)

	require.NoError(t, s.Put(ctx, "keccak/release/pk.bin", []byte("key")))
	raw, err := os.ReadFile(filepath.Join(root, "keccak", "release", "pk.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), raw)

	val, err := s.Get(ctx, "keccak/release/pk.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), val)

	require.NoError(t, s.Delete(ctx, "keccak/release/pk.bin"))
	require.NoError(t, s.Delete(ctx, "keccak/release/pk.bin"))
	ok, err = s.Has(ctx, "keccak/release/pk.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	s, err := InitFS(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Put(context.Background(), "../outside", []byte("x")))
	_, err = s.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestFSLocks(t *testing.T) {
	s, err := InitFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	unlockA, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)
	unlockB, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, time.Millisecond*200)
	defer cancel()
	_, err = s.Lock(short, "keccak/release", true)
	assert.Error(t, err)

	require.NoError(t, unlockA())
	require.NoError(t, unlockB())

	unlock, err := s.Lock(ctx, "keccak/release", true)
	require.NoError(t, err)

	other, err := s.Lock(ctx, "evm/release", true)
	require.NoError(t, err)
	require.NoError(t, other())

	short, cancel = context.WithTimeout(ctx, time.Millisecond*200)
	defer cancel()
	_, err = s.Lock(short, "keccak/release", false)
	assert.Error(t, err)
	require.NoError(t, unlock())
}
