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

// Package token exposes the platform's fungible-token transfer primitive.
// Transfers execute inside the caller's ledger transaction so that a
// failed transfer aborts the whole operation
package token

import (
	"errors"
	"io"
	"log/slog"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/database"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// sender's balance
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for zero-amount transfers or mints
	ErrInvalidAmount = errors.New("invalid amount")
)

const namespace = "token"

// Transferrer moves governance tokens between principals within the
// caller's transaction
type Transferrer interface {
	Transfer(
		txn *database.Txn,
		from auth.Principal,
		to auth.Principal,
		amount uint64,
	) error
}

// LedgerConfig contains the configuration for a token Ledger
type LedgerConfig struct {
	Logger   *slog.Logger
	Database *database.Database
}

// Ledger is a Transferrer backed by the ledger store. It keeps one balance
// record per principal under the token namespace
type Ledger struct {
	logger *slog.Logger
	db     *database.Database
}

func NewLedger(config LedgerConfig) *Ledger {
	l := &Ledger{
		logger: config.Logger,
		db:     config.Database,
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return l
}

func balanceKey(addr auth.Principal) []byte {
	return database.Key(namespace, []byte("balance"), []byte(addr))
}

func (l *Ledger) balance(txn *database.Txn, addr auth.Principal) (uint64, error) {
	var balance uint64
	err := txn.GetValue(balanceKey(addr), &balance)
	if err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Balance returns the current balance of a principal
func (l *Ledger) Balance(addr auth.Principal) (uint64, error) {
	txn := l.db.Transaction(false)
	defer txn.Release()
	return l.balance(txn, addr)
}

// Mint credits newly issued tokens to a principal
func (l *Ledger) Mint(to auth.Principal, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.db.Transaction(true).Do(func(txn *database.Txn) error {
		balance, err := l.balance(txn, to)
		if err != nil {
			return err
		}
		return txn.SetValue(balanceKey(to), balance+amount)
	})
}

// Transfer moves tokens between principals within the caller's transaction
func (l *Ledger) Transfer(
	txn *database.Txn,
	from auth.Principal,
	to auth.Principal,
	amount uint64,
) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := l.balance(txn, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return ErrInsufficientBalance
	}
	toBalance, err := l.balance(txn, to)
	if err != nil {
		return err
	}
	if err := txn.SetValue(balanceKey(from), fromBalance-amount); err != nil {
		return err
	}
	return txn.SetValue(balanceKey(to), toBalance+amount)
}
