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
	"context"

	"github.com/provideplatform/distprover/store/providers/badgerstore"
	"github.com/provideplatform/distprover/store/providers/fsstore"
	"github.com/provideplatform/distprover/store/providers/redisstore"
)

// StoreProvider provides a common interface to interact with artifact storage facilities;
// Get returns common.ErrArtifactNotFound for a missing key
type StoreProvider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, val []byte) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// Lock takes an advisory reader (shared) or writer (exclusive) lock on key and returns its release func
	Lock(ctx context.Context, key string, exclusive bool) (func() error, error)

	Close() error
}

// InitFilesystemStoreProvider initializes a store rooted at the artifacts path
func InitFilesystemStoreProvider(root string) (*fsstore.FS, error) {
	return fsstore.InitFS(root)
}

// InitBadgerStoreProvider initializes an embedded badger store; an empty path is in-memory
func InitBadgerStoreProvider(path string) (*badgerstore.Badger, error) {
	return badgerstore.InitBadger(path)
}

// InitRedisStoreProvider initializes a redis store
func InitRedisStoreProvider(url string) (*redisstore.Redis, error) {
	return redisstore.InitRedis(url)
}
