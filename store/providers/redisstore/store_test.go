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

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/provideplatform/distprover/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	s, err := InitRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisArtifacts(t *testing.T) {
	s, _ := initRedis(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "keccak/release/proof.bin")
	require.ErrorIs(t, err, common.ErrArtifactNotFound)

	require.NoError(t, s.Put(ctx, "keccak/release/proof.bin", []byte{0x00, 0x01}))
	ok, err := s.Has(ctx, "keccak/release/proof.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := s.Get(ctx, "keccak/release/proof.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, val)

	require.NoError(t, s.Delete(ctx, "keccak/release/proof.bin"))
	ok, err = s.Has(ctx, "keccak/release/proof.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitRedisUnreachable(t *testing.T) {
	_, err := InitRedis("redis://127.0.0.1:1")
	assert.Error(t, err)

	_, err = InitRedis("not-a-url")
	assert.Error(t, err)
}

func TestRedisLocks(t *testing.T) {
	s, mr := initRedis(t)
	ctx := context.Background()

	r1, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)
	r2, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)
	assert.Equal(t, "2", mustGet(t, mr, "keccak/release:lock:readers"))

	short, cancel := context.WithTimeout(ctx, time.Millisecond*200)
	defer cancel()
	_, err = s.Lock(short, "keccak/release", true)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r1())
	require.NoError(t, r2())
	assert.False(t, mr.Exists("keccak/release:lock:readers"))

	w, err := s.Lock(ctx, "keccak/release", true)
	require.NoError(t, err)
	assert.True(t, mr.Exists("keccak/release:lock:writer"))

	short, cancel = context.WithTimeout(ctx, time.Millisecond*200)
	defer cancel()
	_, err = s.Lock(short, "keccak/release", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, w())
	assert.False(t, mr.Exists("keccak/release:lock:writer"))

	r3, err := s.Lock(ctx, "keccak/release", false)
	require.NoError(t, err)
	require.NoError(t, r3())
}

func TestRedisExclusiveLeaseExpires(t *testing.T) {
	s, mr := initRedis(t)
	ctx := context.Background()

	_, err := s.Lock(ctx, "evm/dev", true)
	require.NoError(t, err)
	mr.FastForward(lockLeaseTTL + time.Second)

	unlock, err := s.Lock(ctx, "evm/dev", true)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	val, err := mr.Get(key)
	require.NoError(t, err)
	return val
}
