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

// Package oracle manages the registry of trusted oracles and their
// replay-protected confirmation ledger, and computes multi-oracle
// consensus over confirmed events
package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/event"
)

const (
	InitializedEventType event.EventType = "oracle.initialized"
	AddedEventType       event.EventType = "oracle.added"
	RemovedEventType     event.EventType = "oracle.removed"
	ConfirmedEventType   event.EventType = "oracle.confirmed"
)

type InitializedEvent struct {
	Admin auth.Principal
}

type AddedEvent struct {
	Oracle auth.Principal
}

type RemovedEvent struct {
	Oracle auth.Principal
}

type ConfirmedEvent struct {
	EscrowId  []byte
	EventType uint32
	Result    []byte
	Oracle    auth.Principal
}

var (
	ErrAlreadyInitialized        = errors.New("already initialized")
	ErrNotInitialized            = errors.New("not initialized")
	ErrOracleNotRegistered       = errors.New("oracle not registered")
	ErrOracleAlreadyRegistered   = errors.New("oracle already registered")
	ErrConfirmationAlreadyExists = errors.New("confirmation already exists")
	ErrInvalidEventType          = errors.New("invalid event type")
)

// Confirmation event types. Values outside [EventTypeShipment,
// EventTypeValuation] are rejected
const (
	EventTypeShipment  uint32 = 1
	EventTypeDelivery  uint32 = 2
	EventTypeQuality   uint32 = 3
	EventTypeCustom    uint32 = 4
	EventTypeValuation uint32 = 5
)

const namespace = "oracle"

// Confirmation is a single oracle attestation for an escrow. At most one
// exists per (escrow, oracle) pair, and it is never mutated or deleted
type Confirmation struct {
	EscrowId  []byte
	EventType uint32
	Result    []byte
	Oracle    auth.Principal
	Timestamp uint64
	Verified  bool
}

type registry struct {
	Admin   auth.Principal
	Oracles []auth.Principal
}

// AdapterConfig contains the configuration for an oracle Adapter
type AdapterConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Authorizer   auth.Authorizer
	Clock        clock.Clock
}

// Adapter is the oracle registry and confirmation ledger
type Adapter struct {
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	authorizer auth.Authorizer
	clock      clock.Clock
	metrics    struct {
		confirmations prometheus.Counter
	}
}

func NewAdapter(config AdapterConfig) *Adapter {
	a := &Adapter{
		logger:     config.Logger,
		eventBus:   config.EventBus,
		db:         config.Database,
		authorizer: config.Authorizer,
		clock:      config.Clock,
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(config.PromRegistry)
	a.metrics.confirmations = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultcore_oracle_confirmations_total",
			Help: "total oracle event confirmations accepted",
		},
	)
	return a
}

func registryKey() []byte {
	return database.Key(namespace, []byte("registry"))
}

func confirmationKey(escrowId []byte, oracle auth.Principal) []byte {
	return database.Key(
		namespace,
		[]byte("confirmation"),
		escrowId,
		[]byte(oracle),
	)
}

func confirmingKey(escrowId []byte) []byte {
	return database.Key(namespace, []byte("confirming"), escrowId)
}

// Initialize stores the admin principal and an empty oracle registry. It
// fails if the adapter has already been initialized
func (a *Adapter) Initialize(admin auth.Principal) error {
	err := a.db.Transaction(true).Do(func(txn *database.Txn) error {
		initialized, err := txn.Has(database.InitKey(namespace))
		if err != nil {
			return err
		}
		if initialized {
			return ErrAlreadyInitialized
		}
		if err := txn.SetValue(database.InitKey(namespace), true); err != nil {
			return err
		}
		return txn.SetValue(registryKey(), registry{Admin: admin})
	})
	if err != nil {
		return err
	}
	a.eventBus.Publish(
		InitializedEventType,
		event.NewEvent(InitializedEventType, InitializedEvent{Admin: admin}),
	)
	return nil
}

func (a *Adapter) getRegistry(txn *database.Txn) (*registry, error) {
	var reg registry
	if err := txn.GetValue(registryKey(), &reg); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	return &reg, nil
}

func (a *Adapter) requireAdmin(txn *database.Txn, operation string) (*registry, error) {
	reg, err := a.getRegistry(txn)
	if err != nil {
		return nil, err
	}
	if err := a.authorizer.Authorize(reg.Admin, operation, nil); err != nil {
		return nil, err
	}
	return reg, nil
}

// AddOracle registers a trusted oracle. Admin only
func (a *Adapter) AddOracle(oracle auth.Principal) error {
	err := a.db.Transaction(true).Do(func(txn *database.Txn) error {
		reg, err := a.requireAdmin(txn, "oracle.add_oracle")
		if err != nil {
			return err
		}
		if slices.Contains(reg.Oracles, oracle) {
			return ErrOracleAlreadyRegistered
		}
		reg.Oracles = append(reg.Oracles, oracle)
		return txn.SetValue(registryKey(), *reg)
	})
	if err != nil {
		return err
	}
	a.eventBus.Publish(
		AddedEventType,
		event.NewEvent(AddedEventType, AddedEvent{Oracle: oracle}),
	)
	return nil
}

// RemoveOracle removes a trusted oracle. Admin only
func (a *Adapter) RemoveOracle(oracle auth.Principal) error {
	err := a.db.Transaction(true).Do(func(txn *database.Txn) error {
		reg, err := a.requireAdmin(txn, "oracle.remove_oracle")
		if err != nil {
			return err
		}
		idx := slices.Index(reg.Oracles, oracle)
		if idx < 0 {
			return ErrOracleNotRegistered
		}
		reg.Oracles = slices.Delete(reg.Oracles, idx, idx+1)
		return txn.SetValue(registryKey(), *reg)
	})
	if err != nil {
		return err
	}
	a.eventBus.Publish(
		RemovedEventType,
		event.NewEvent(RemovedEventType, RemovedEvent{Oracle: oracle}),
	)
	return nil
}

// confirmationDigest computes the deterministic message digest an oracle
// must authorize: sha256(escrow_id || BE32(event_type) || result)
func confirmationDigest(
	escrowId []byte,
	eventType uint32,
	result []byte,
) [32]byte {
	msg := make([]byte, 0, len(escrowId)+4+len(result))
	msg = append(msg, escrowId...)
	msg = binary.BigEndian.AppendUint32(msg, eventType)
	msg = append(msg, result...)
	return sha256.Sum256(msg)
}

// ConfirmEvent records a single oracle confirmation for an escrow. Each
// oracle may confirm a given escrow at most once. The signature is carried
// for the off-chain audit trail; verification itself is delegated to the
// platform authorizer, which must see the oracle's authorization over the
// confirmation digest
func (a *Adapter) ConfirmEvent(
	oracle auth.Principal,
	escrowId []byte,
	eventType uint32,
	result []byte,
	signature []byte,
) error {
	err := a.db.Transaction(true).Do(func(txn *database.Txn) error {
		reg, err := a.getRegistry(txn)
		if err != nil {
			return err
		}
		if !slices.Contains(reg.Oracles, oracle) {
			return ErrOracleNotRegistered
		}
		if eventType < EventTypeShipment || eventType > EventTypeValuation {
			return ErrInvalidEventType
		}
		// Replay protection: keyed presence check first
		exists, err := txn.Has(confirmationKey(escrowId, oracle))
		if err != nil {
			return err
		}
		if exists {
			return ErrConfirmationAlreadyExists
		}
		// Second, independent check against the per-escrow confirming
		// list. Both sources are consulted so that corruption of either
		// index cannot admit a replay
		confirming, err := a.getConfirmingOracles(txn, escrowId)
		if err != nil {
			return err
		}
		if slices.Contains(confirming, oracle) {
			return ErrConfirmationAlreadyExists
		}
		// The oracle must have authorized this exact confirmation
		digest := confirmationDigest(escrowId, eventType, result)
		if err := a.authorizer.Authorize(oracle, "oracle.confirm_event", digest[:]); err != nil {
			return err
		}
		confirmation := Confirmation{
			EscrowId:  escrowId,
			EventType: eventType,
			Result:    result,
			Oracle:    oracle,
			Timestamp: a.clock.Now(),
			Verified:  true,
		}
		if err := txn.SetValue(confirmationKey(escrowId, oracle), confirmation); err != nil {
			return err
		}
		confirming = append(confirming, oracle)
		return txn.SetValue(confirmingKey(escrowId), confirming)
	})
	if err != nil {
		return err
	}
	a.metrics.confirmations.Inc()
	a.logger.Info(
		"oracle confirmation recorded",
		"component", "oracle",
		"oracle", string(oracle),
		"event_type", eventType,
	)
	a.eventBus.Publish(
		ConfirmedEventType,
		event.NewEvent(ConfirmedEventType, ConfirmedEvent{
			EscrowId:  escrowId,
			EventType: eventType,
			Result:    result,
			Oracle:    oracle,
		}),
	)
	return nil
}

func (a *Adapter) getConfirmingOracles(
	txn *database.Txn,
	escrowId []byte,
) ([]auth.Principal, error) {
	var confirming []auth.Principal
	if err := txn.GetValue(confirmingKey(escrowId), &confirming); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return confirming, nil
}

func (a *Adapter) getConfirmations(
	txn *database.Txn,
	reg *registry,
	escrowId []byte,
) ([]Confirmation, error) {
	confirming, err := a.getConfirmingOracles(txn, escrowId)
	if err != nil {
		return nil, err
	}
	if confirming == nil {
		// Fallback for data predating the confirming-oracle list: scan
		// all currently registered oracles
		confirming = reg.Oracles
	}
	var confirmations []Confirmation
	for _, oracle := range confirming {
		var confirmation Confirmation
		err := txn.GetValue(confirmationKey(escrowId, oracle), &confirmation)
		if err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		confirmations = append(confirmations, confirmation)
	}
	return confirmations, nil
}

// GetConfirmations returns all confirmations recorded for an escrow. An
// escrow with no confirmations yields an empty result, not an error
func (a *Adapter) GetConfirmations(escrowId []byte) ([]Confirmation, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return nil, err
	}
	return a.getConfirmations(txn, reg, escrowId)
}

// CheckConsensus returns true when at least threshold verified
// confirmations exist for the escrow from oracles in oracleSet. An empty
// oracleSet accepts any currently registered oracle
func (a *Adapter) CheckConsensus(
	escrowId []byte,
	threshold uint32,
	oracleSet []auth.Principal,
) (bool, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return false, err
	}
	confirmations, err := a.getConfirmations(txn, reg, escrowId)
	if err != nil {
		return false, err
	}
	var count uint32
	for _, confirmation := range confirmations {
		var authorized bool
		if len(oracleSet) == 0 {
			authorized = slices.Contains(reg.Oracles, confirmation.Oracle)
		} else {
			authorized = slices.Contains(oracleSet, confirmation.Oracle)
		}
		if authorized && confirmation.Verified {
			count++
		}
	}
	return count >= threshold, nil
}

// IsOracleRegistered returns whether an oracle is currently registered
func (a *Adapter) IsOracleRegistered(oracle auth.Principal) (bool, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return false, err
	}
	return slices.Contains(reg.Oracles, oracle), nil
}

// OracleCount returns the number of registered oracles
func (a *Adapter) OracleCount() (int, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return 0, err
	}
	return len(reg.Oracles), nil
}

// OracleAt returns the oracle at a registry index, or "" when the index is
// out of range
func (a *Adapter) OracleAt(index int) (auth.Principal, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(reg.Oracles) {
		return "", nil
	}
	return reg.Oracles[index], nil
}

// Admin returns the admin principal
func (a *Adapter) Admin() (auth.Principal, error) {
	txn := a.db.Transaction(false)
	defer txn.Release()
	reg, err := a.getRegistry(txn)
	if err != nil {
		return "", err
	}
	return reg.Admin, nil
}
