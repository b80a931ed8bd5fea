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

// Package collateral implements the canonical registry of pledged
// collateral. Metadata hashes are unique across all collateral ever
// registered, which is what prevents the same underlying asset from being
// financed twice
package collateral

import (
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/event"
)

const (
	InitializedEventType event.EventType = "collateral.initialized"
	RegisteredEventType  event.EventType = "collateral.registered"
	LockedEventType      event.EventType = "collateral.locked"
	UnlockedEventType    event.EventType = "collateral.unlocked"
)

type InitializedEvent struct {
	Admin auth.Principal
}

type RegisteredEvent struct {
	Id        uint64
	Owner     auth.Principal
	FaceValue int64
	ExpiryTs  uint64
}

type LockedEvent struct {
	Id uint64
}

type UnlockedEvent struct {
	Id uint64
}

var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrCollateralExpired  = errors.New("collateral expired")
	ErrCollateralNotFound = errors.New("collateral not found")
	ErrCollateralLocked   = errors.New("collateral locked")
	ErrDuplicateMetadata  = errors.New("duplicate metadata")
)

const namespace = "collateral"

// Collateral is a single registered collateral item. Items are never
// deleted; expiry is advisory and checked by an external sweep
type Collateral struct {
	Id           uint64
	Owner        auth.Principal
	FaceValue    int64
	ExpiryTs     uint64
	MetadataHash [32]byte
	RegisteredAt uint64
	Locked       bool
}

// RegistryConfig contains the configuration for a collateral Registry
type RegistryConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Authorizer   auth.Authorizer
	Clock        clock.Clock
}

// Registry is the collateral registry
type Registry struct {
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	authorizer auth.Authorizer
	clock      clock.Clock
	metrics    struct {
		registered prometheus.Counter
		locked     prometheus.Counter
		unlocked   prometheus.Counter
	}
}

func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		logger:     config.Logger,
		eventBus:   config.EventBus,
		db:         config.Database,
		authorizer: config.Authorizer,
		clock:      config.Clock,
	}
	if r.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(config.PromRegistry)
	r.metrics.registered = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_collateral_registered_total",
		Help: "total collateral registrations",
	})
	r.metrics.locked = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_collateral_locked_total",
		Help: "total collateral lock operations",
	})
	r.metrics.unlocked = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_collateral_unlocked_total",
		Help: "total collateral unlock operations",
	})
	return r
}

func itemKey(id uint64) []byte {
	return database.Key(namespace, []byte("item"), database.Uint64Key(id))
}

func metadataKey(hash [32]byte) []byte {
	return database.Key(namespace, []byte("meta"), hash[:])
}

func adminKey() []byte {
	return database.Key(namespace, []byte("admin"))
}

func escrowAuthorityKey() []byte {
	return database.Key(namespace, []byte("escrow_authority"))
}

// Initialize stores the admin principal. It fails if the registry has
// already been initialized
func (r *Registry) Initialize(admin auth.Principal) error {
	err := r.db.Transaction(true).Do(func(txn *database.Txn) error {
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
		return txn.SetValue(adminKey(), admin)
	})
	if err != nil {
		return err
	}
	r.eventBus.Publish(
		InitializedEventType,
		event.NewEvent(InitializedEventType, InitializedEvent{Admin: admin}),
	)
	return nil
}

// Admin returns the admin principal
func (r *Registry) Admin() (auth.Principal, error) {
	txn := r.db.Transaction(false)
	defer txn.Release()
	var admin auth.Principal
	if err := txn.GetValue(adminKey(), &admin); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return "", auth.ErrUnauthorized
		}
		return "", err
	}
	return admin, nil
}

// SetEscrowAuthority configures the principal allowed to lock and unlock
// collateral. Admin only
func (r *Registry) SetEscrowAuthority(escrowAuthority auth.Principal) error {
	return r.db.Transaction(true).Do(func(txn *database.Txn) error {
		var admin auth.Principal
		if err := txn.GetValue(adminKey(), &admin); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return auth.ErrUnauthorized
			}
			return err
		}
		if err := r.authorizer.Authorize(admin, "collateral.set_escrow_authority", nil); err != nil {
			return err
		}
		return txn.SetValue(escrowAuthorityKey(), escrowAuthority)
	})
}

// Register records new collateral and returns its sequential id. The
// metadata hash must never have been registered before, by any owner
func (r *Registry) Register(
	owner auth.Principal,
	faceValue int64,
	expiryTs uint64,
	metadataHash [32]byte,
) (uint64, error) {
	if err := r.authorizer.Authorize(owner, "collateral.register", nil); err != nil {
		return 0, err
	}
	if faceValue <= 0 {
		return 0, ErrInvalidAmount
	}
	currentTs := r.clock.Now()
	if expiryTs <= currentTs {
		return 0, ErrCollateralExpired
	}
	var collateralId uint64
	err := r.db.Transaction(true).Do(func(txn *database.Txn) error {
		duplicate, err := txn.Has(metadataKey(metadataHash))
		if err != nil {
			return err
		}
		if duplicate {
			return ErrDuplicateMetadata
		}
		collateralId, err = txn.NextID(database.CounterKey(namespace))
		if err != nil {
			return err
		}
		item := Collateral{
			Id:           collateralId,
			Owner:        owner,
			FaceValue:    faceValue,
			ExpiryTs:     expiryTs,
			MetadataHash: metadataHash,
			RegisteredAt: currentTs,
			Locked:       false,
		}
		if err := txn.SetValue(itemKey(collateralId), item); err != nil {
			return err
		}
		return txn.SetValue(metadataKey(metadataHash), collateralId)
	})
	if err != nil {
		return 0, err
	}
	r.metrics.registered.Inc()
	r.logger.Info(
		"collateral registered",
		"component", "collateral",
		"id", collateralId,
		"owner", string(owner),
	)
	r.eventBus.Publish(
		RegisteredEventType,
		event.NewEvent(RegisteredEventType, RegisteredEvent{
			Id:        collateralId,
			Owner:     owner,
			FaceValue: faceValue,
			ExpiryTs:  expiryTs,
		}),
	)
	return collateralId, nil
}

// requireEscrowAuthority checks that the configured escrow authority has
// authorized the given operation
func (r *Registry) requireEscrowAuthority(
	txn *database.Txn,
	operation string,
) error {
	var escrowAuthority auth.Principal
	if err := txn.GetValue(escrowAuthorityKey(), &escrowAuthority); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return auth.ErrUnauthorized
		}
		return err
	}
	return r.authorizer.Authorize(escrowAuthority, operation, nil)
}

// Lock marks collateral as pledged. Only the configured escrow authority
// may lock, and locking already-locked collateral fails
func (r *Registry) Lock(id uint64) error {
	err := r.db.Transaction(true).Do(func(txn *database.Txn) error {
		if err := r.requireEscrowAuthority(txn, "collateral.lock"); err != nil {
			return err
		}
		var item Collateral
		if err := txn.GetValue(itemKey(id), &item); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrCollateralNotFound
			}
			return err
		}
		if item.Locked {
			return ErrCollateralLocked
		}
		item.Locked = true
		return txn.SetValue(itemKey(id), item)
	})
	if err != nil {
		return err
	}
	r.metrics.locked.Inc()
	r.eventBus.Publish(
		LockedEventType,
		event.NewEvent(LockedEventType, LockedEvent{Id: id}),
	)
	return nil
}

// Unlock releases a pledge. Unlocking already-unlocked collateral is an
// idempotent no-op success
func (r *Registry) Unlock(id uint64) error {
	unlocked := false
	err := r.db.Transaction(true).Do(func(txn *database.Txn) error {
		if err := r.requireEscrowAuthority(txn, "collateral.unlock"); err != nil {
			return err
		}
		var item Collateral
		if err := txn.GetValue(itemKey(id), &item); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrCollateralNotFound
			}
			return err
		}
		if !item.Locked {
			return nil
		}
		item.Locked = false
		unlocked = true
		return txn.SetValue(itemKey(id), item)
	})
	if err != nil {
		return err
	}
	if unlocked {
		r.metrics.unlocked.Inc()
		r.eventBus.Publish(
			UnlockedEventType,
			event.NewEvent(UnlockedEventType, UnlockedEvent{Id: id}),
		)
	}
	return nil
}

// Get returns collateral by id, or nil if it does not exist
func (r *Registry) Get(id uint64) (*Collateral, error) {
	txn := r.db.Transaction(false)
	defer txn.Release()
	var item Collateral
	if err := txn.GetValue(itemKey(id), &item); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// IsLocked returns whether collateral is locked, defaulting to false for
// unknown ids
func (r *Registry) IsLocked(id uint64) (bool, error) {
	item, err := r.Get(id)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	return item.Locked, nil
}
