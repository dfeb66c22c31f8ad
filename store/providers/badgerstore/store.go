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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/provideplatform/distprover/common"
)

const lockPollInterval = time.Millisecond * 25

// Badger persists artifacts in an embedded badger database; it is opened by a single process
// at a time, so its advisory locks only need to coordinate goroutines within that process
type Badger struct {
	db *badger.DB

	mutex sync.Mutex
	locks map[string]*sync.RWMutex
}

type logger struct{}

func (logger) Errorf(format string, v ...interface{})   { common.Log.Warningf("badger: "+format, v...) }
func (logger) Warningf(format string, v ...interface{}) { common.Log.Warningf("badger: "+format, v...) }
func (logger) Infof(format string, v ...interface{})    { common.Log.Debugf("badger: "+format, v...) }
func (logger) Debugf(format string, v ...interface{})   { common.Log.Tracef("badger: "+format, v...) }

// InitBadger opens the badger database at path; an empty path opens an in-memory database
func InitBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = logger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %s; %s", path, err.Error())
	}

	return &Badger{
		db:    db,
		locks: map[string]*sync.RWMutex{},
	}, nil
}

// Get returns the artifact stored at key
func (s *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.NewError(common.ErrArtifactNotFound, key, "no artifact in badger store")
	}
	return val, err
}

// Put replaces the artifact stored at key in a single transaction
func (s *Badger) Put(ctx context.Context, key string, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

// Has returns true if an artifact is stored at key
func (s *Badger) Has(ctx context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the artifact at key
func (s *Badger) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Lock takes the in-process lock for key, polling until ctx is done
func (s *Badger) Lock(ctx context.Context, key string, exclusive bool) (func() error, error) {
	s.mutex.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	s.mutex.Unlock()

	try, unlock := l.TryRLock, l.RUnlock
	if exclusive {
		try, unlock = l.TryLock, l.Unlock
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for !try() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() error {
		once.Do(unlock)
		return nil
	}, nil
}

// Close closes the database
func (s *Badger) Close() error {
	return s.db.Close()
}
