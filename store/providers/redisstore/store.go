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
	"errors"
	"fmt"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/distprover/common"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = time.Second * 5
const lockLeaseTTL = time.Hour * 1
const lockPollInterval = time.Millisecond * 50
const unlockTimeout = time.Second * 5

// acquire the writer lease only while no writer or reader holds the key
var acquireExclusive = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
if tonumber(redis.call("GET", KEYS[2]) or "0") > 0 then return 0 end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var releaseExclusive = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end
return 0
`)

var acquireShared = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return 1
`)

var releaseShared = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then redis.call("DEL", KEYS[1]) end
return n
`)

// Redis persists artifacts in redis; its reader/writer leases coordinate every process sharing the server
type Redis struct {
	client *redis.Client
}

// InitRedis connects to the redis server at url, i.e. redis://localhost:6379/0
func InitRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url; %s", err.Error())
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s; %s", opts.Addr, err.Error())
	}

	return &Redis{client: client}, nil
}

// Get returns the artifact stored at key
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.NewError(common.ErrArtifactNotFound, key, "no artifact in redis store")
	}
	return val, err
}

// Put replaces the artifact stored at key
func (s *Redis) Put(ctx context.Context, key string, val []byte) error {
	return s.client.Set(ctx, key, val, 0).Err()
}

// Has returns true if an artifact is stored at key
func (s *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Delete removes the artifact at key
func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Lock acquires a writer or reader lease on key; leases expire after an hour so a crashed process cannot wedge the key
func (s *Redis) Lock(ctx context.Context, key string, exclusive bool) (func() error, error) {
	writerKey := key + ":lock:writer"
	readersKey := key + ":lock:readers"
	ttl := lockLeaseTTL.Milliseconds()

	token, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock token; %s", err.Error())
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		var acquired int64
		if exclusive {
			acquired, err = acquireExclusive.Run(ctx, s.client, []string{writerKey, readersKey}, token.String(), ttl).Int64()
		} else {
			acquired, err = acquireShared.Run(ctx, s.client, []string{writerKey, readersKey}, ttl).Int64()
		}
		if err != nil {
			return nil, err
		}
		if acquired == 1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if exclusive {
			return releaseExclusive.Run(ctx, s.client, []string{writerKey}, token.String()).Err()
		}
		return releaseShared.Run(ctx, s.client, []string{readersKey}).Err()
	}, nil
}

// Close closes the client
func (s *Redis) Close() error {
	return s.client.Close()
}
