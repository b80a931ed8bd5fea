// Copyright 2026 StelloVault Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// Txn wraps a store transaction. Check-then-set sequences performed inside a
// single Txn are atomic with respect to other operations
type Txn struct {
	db        *Database
	tx        *badger.Txn
	lock      sync.Mutex
	finished  bool
	readWrite bool
}

func newTxn(db *Database, readWrite bool) *Txn {
	return &Txn{
		db:        db,
		tx:        db.db.NewTransaction(readWrite),
		readWrite: readWrite,
	}
}

// DB returns the parent database instance
func (t *Txn) DB() *Database {
	return t.db
}

// Do executes the specified function in the context of the transaction. Any
// error returned will result in the transaction being rolled back
func (t *Txn) Do(fn func(*Txn) error) error {
	if err := fn(t); err != nil {
		if err2 := t.Rollback(); err2 != nil {
			return fmt.Errorf(
				"rollback failed: %w: original error: %w",
				err2,
				err,
			)
		}
		return err
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (t *Txn) Commit() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.finished {
		return nil
	}
	if t.tx == nil {
		t.finished = true
		return ErrNilTxn
	}
	// No need to commit for read-only, but we do want to free up resources
	if !t.readWrite {
		return t.rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.finished = true
	return nil
}

func (t *Txn) Rollback() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.rollback()
}

func (t *Txn) rollback() error {
	if t.finished {
		return nil
	}
	if t.tx != nil {
		t.tx.Discard()
	}
	t.finished = true
	return nil
}

// Release releases transaction resources. For read-only transactions, this
// releases locks and resources. For read-write transactions, this is
// equivalent to Rollback. Errors are logged but not returned, making this
// safe for deferred calls
func (t *Txn) Release() {
	if err := t.Rollback(); err != nil {
		t.db.logger.Debug(
			"transaction release failed",
			"error", err,
			"read_write", t.readWrite,
		)
	}
}

// Get retrieves the raw value for a key
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.tx == nil {
		return nil, ErrNilTxn
	}
	item, err := t.tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Has returns whether a key exists
func (t *Txn) Has(key []byte) (bool, error) {
	if t.tx == nil {
		return false, ErrNilTxn
	}
	if _, err := t.tx.Get(key); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Set stores a raw value for a key
func (t *Txn) Set(key, val []byte) error {
	if t.tx == nil {
		return ErrNilTxn
	}
	return t.tx.Set(key, val)
}

// Delete removes a key
func (t *Txn) Delete(key []byte) error {
	if t.tx == nil {
		return ErrNilTxn
	}
	return t.tx.Delete(key)
}

// GetValue retrieves a key and decodes its CBOR value into dst
func (t *Txn) GetValue(key []byte, dst any) error {
	val, err := t.Get(key)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(val, dst); err != nil {
		return fmt.Errorf("decode value for key %x: %w", key, err)
	}
	return nil
}

// SetValue CBOR-encodes src and stores it under key
func (t *Txn) SetValue(key []byte, src any) error {
	val, err := cbor.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode value for key %x: %w", key, err)
	}
	return t.Set(key, val)
}

// NextID returns the next value of the sequential counter stored under key
// and advances it. Counters start at 1
func (t *Txn) NextID(key []byte) (uint64, error) {
	next := uint64(1)
	val, err := t.Get(key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			return 0, err
		}
	} else if len(val) == 8 {
		next = binary.BigEndian.Uint64(val)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := t.Set(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}
