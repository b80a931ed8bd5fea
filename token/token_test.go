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

package token

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellovault/vaultcore/database"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	return NewLedger(LedgerConfig{Database: db})
}

func TestMintAndBalance(t *testing.T) {
	l := newTestLedger(t)
	balance, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)
	require.NoError(t, l.Mint("alice", 500))
	balance, err = l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), balance)
}

func TestMintZero(t *testing.T) {
	l := newTestLedger(t)
	assert.ErrorIs(t, l.Mint("alice", 0), ErrInvalidAmount)
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Mint("alice", 100))
	err := l.db.Transaction(true).Do(func(txn *database.Txn) error {
		return l.Transfer(txn, "alice", "bob", 40)
	})
	require.NoError(t, err)
	aliceBalance, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), aliceBalance)
	bobBalance, err := l.Balance("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), bobBalance)
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Mint("alice", 10))
	err := l.db.Transaction(true).Do(func(txn *database.Txn) error {
		return l.Transfer(txn, "alice", "bob", 50)
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	// Nothing moved
	aliceBalance, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), aliceBalance)
}

func TestTransferAbortsWithTransaction(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Mint("alice", 100))
	testErr := errors.New("caller failure")
	err := l.db.Transaction(true).Do(func(txn *database.Txn) error {
		if err := l.Transfer(txn, "alice", "bob", 40); err != nil {
			return err
		}
		// Caller fails after the transfer, rolling the whole txn back
		return testErr
	})
	assert.ErrorIs(t, err, testErr)
	aliceBalance, err := l.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), aliceBalance)
	bobBalance, err := l.Balance("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bobBalance)
}
