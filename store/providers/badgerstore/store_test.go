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

package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/provideplatform/distprover/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerArtifacts(t *testing.T) {
	s, err := InitBadger("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Get(ctx, "keccak/release/vk.bin")
	require.ErrorIs(t, err, common.ErrArtifactNotFound)

	require.NoError(t, s.Put(ctx, "keccak/release/vk.bin", []byte("vk")))
	ok, err := s.Has(ctx, "keccak/release/vk.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := s.Get(ctx, "keccak/release/vk.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("vk"), val)

	require.NoError(t, s.Delete(ctx, "keccak/release/vk.bin"))
	ok, err = s.Has(ctx, "keccak/release/vk.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := InitBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "evm/dev/pk.bin", []byte("pk")))
	require.NoError(t, s.Close())

	s, err = InitBadger(dir)
	require.NoError(t, err)
	defer s.Close()
	val, err := s.Get(context.Background(), "evm/dev/pk.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("pk"), val)
}

func TestBadgerLocks(t *testing.T) {
	s, err := InitBadger("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r1, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)
	r2, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, time.Millisecond*100)
	defer cancel()
	_, err = s.Lock(short, "keccak/release", true)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r1())
	require.NoError(t, r1())
	require.NoError(t, r2())

	acquired := make(chan struct{})
	w, err := s.Lock(ctx, "keccak/release", true)
	require.NoError(t, err)
	go func() {
		unlock, err := s.Lock(ctx, "keccak/release", false)
		if err == nil {
			unlock()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive lock held")
	case <-time.After(time.Millisecond * 100):
	}
	require.NoError(t, w())
	<-acquired
}
