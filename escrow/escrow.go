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

// Package escrow orchestrates trade escrows: it tokenizes whitelisted
// collateral, enforces the governance-controlled loan-to-value limit at
// escrow creation, and walks each escrow strictly forward through
// Pending, Active and Released or Cancelled
package escrow

import (
	"errors"
	"io"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/event"
)

const (
	InitializedEventType event.EventType = "escrow.initialized"
	TokenizedEventType   event.EventType = "escrow.tokenized"
	CreatedEventType     event.EventType = "escrow.created"
	ActivatedEventType   event.EventType = "escrow.activated"
	ReleasedEventType    event.EventType = "escrow.released"
	CancelledEventType   event.EventType = "escrow.cancelled"
)

type InitializedEvent struct {
	Admin auth.Principal
}

type TokenizedEvent struct {
	Id         uint64
	Owner      auth.Principal
	AssetValue int64
}

type CreatedEvent struct {
	Id     uint64
	Buyer  auth.Principal
	Seller auth.Principal
	Amount int64
}

type ActivatedEvent struct {
	Id uint64
}

type ReleasedEvent struct {
	Id     uint64
	Buyer  auth.Principal
	Seller auth.Principal
	Amount int64
}

type CancelledEvent struct {
	Id uint64
}

var (
	ErrAlreadyInitialized    = errors.New("already initialized")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrEscrowAlreadyReleased = errors.New("escrow already released")
	ErrAssetNotWhitelisted   = errors.New("asset not whitelisted")
	ErrOracleNotWhitelisted  = errors.New("oracle not whitelisted")
	ErrLtvExceeded           = errors.New("ltv exceeded")
	ErrCollateralNotFound    = errors.New("collateral not found")
	ErrMathOverflow          = errors.New("math overflow")
)

// Status is the escrow lifecycle state. Transitions only move forward
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusReleased
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusReleased:
		return "released"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const namespace = "escrow"

// CollateralToken is tokenized collateral backing escrows in this core
type CollateralToken struct {
	Owner            auth.Principal
	AssetType        string
	AssetValue       int64
	Metadata         string
	FractionalShares uint32
	CreatedAt        uint64
}

// Escrow is a single trade escrow
type Escrow struct {
	Buyer             auth.Principal
	Seller            auth.Principal
	CollateralTokenId uint64
	Amount            int64
	Status            Status
	OracleAddress     auth.Principal
	ReleaseConditions string
	CreatedAt         uint64
}

// Params exposes the governance-controlled protocol parameters the core
// validates against. Reads accept the core's transaction so that
// validation and mutation commit atomically
type Params interface {
	MaxLtvBps(txn *database.Txn) (uint32, error)
	IsAssetWhitelisted(txn *database.Txn, asset string) (bool, error)
	IsOracleWhitelisted(txn *database.Txn, oracle auth.Principal) (bool, error)
}

// CoreConfig contains the configuration for an escrow Core
type CoreConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Authorizer   auth.Authorizer
	Clock        clock.Clock
	Params       Params
}

// Core is the escrow core
type Core struct {
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	authorizer auth.Authorizer
	clock      clock.Clock
	params     Params
	metrics    struct {
		tokenized prometheus.Counter
		created   prometheus.Counter
		released  prometheus.Counter
	}
}

func NewCore(config CoreConfig) *Core {
	c := &Core{
		logger:     config.Logger,
		eventBus:   config.EventBus,
		db:         config.Database,
		authorizer: config.Authorizer,
		clock:      config.Clock,
		params:     config.Params,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(config.PromRegistry)
	c.metrics.tokenized = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_escrow_tokenized_total",
		Help: "total collateral tokens created",
	})
	c.metrics.created = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_escrow_created_total",
		Help: "total escrows created",
	})
	c.metrics.released = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_escrow_released_total",
		Help: "total escrows released",
	})
	return c
}

func tokenKey(id uint64) []byte {
	return database.Key(namespace, []byte("token"), database.Uint64Key(id))
}

func escrowKey(id uint64) []byte {
	return database.Key(namespace, []byte("item"), database.Uint64Key(id))
}

func adminKey() []byte {
	return database.Key(namespace, []byte("admin"))
}

func tokenCounterKey() []byte {
	return database.Key(namespace, []byte("token_next_id"))
}

// Initialize stores the admin principal. It fails if the core has already
// been initialized
func (c *Core) Initialize(admin auth.Principal) error {
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
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
	c.eventBus.Publish(
		InitializedEventType,
		event.NewEvent(InitializedEventType, InitializedEvent{Admin: admin}),
	)
	return nil
}

// Admin returns the admin principal
func (c *Core) Admin() (auth.Principal, error) {
	txn := c.db.Transaction(false)
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

// Tokenize creates a collateral token for a whitelisted asset type and
// returns its sequential id
func (c *Core) Tokenize(
	owner auth.Principal,
	assetType string,
	assetValue int64,
	metadata string,
	fractionalShares uint32,
) (uint64, error) {
	if err := c.authorizer.Authorize(owner, "escrow.tokenize", nil); err != nil {
		return 0, err
	}
	if assetValue <= 0 {
		return 0, ErrInvalidAmount
	}
	var tokenId uint64
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
		whitelisted, err := c.params.IsAssetWhitelisted(txn, assetType)
		if err != nil {
			return err
		}
		if !whitelisted {
			return ErrAssetNotWhitelisted
		}
		tokenId, err = txn.NextID(tokenCounterKey())
		if err != nil {
			return err
		}
		return txn.SetValue(tokenKey(tokenId), CollateralToken{
			Owner:            owner,
			AssetType:        assetType,
			AssetValue:       assetValue,
			Metadata:         metadata,
			FractionalShares: fractionalShares,
			CreatedAt:        c.clock.Now(),
		})
	})
	if err != nil {
		return 0, err
	}
	c.metrics.tokenized.Inc()
	c.eventBus.Publish(
		TokenizedEventType,
		event.NewEvent(TokenizedEventType, TokenizedEvent{
			Id:         tokenId,
			Owner:      owner,
			AssetValue: assetValue,
		}),
	)
	return tokenId, nil
}

// GetCollateralToken returns a collateral token by id, or nil if it does
// not exist
func (c *Core) GetCollateralToken(id uint64) (*CollateralToken, error) {
	txn := c.db.Transaction(false)
	defer txn.Release()
	var item CollateralToken
	if err := txn.GetValue(tokenKey(id), &item); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// maxLoan computes floor(assetValue * maxLtvBps / 10000) with the
// multiplication checked for overflow
func maxLoan(assetValue int64, maxLtvBps uint32) (int64, error) {
	if maxLtvBps == 0 {
		return 0, nil
	}
	if assetValue > math.MaxInt64/int64(maxLtvBps) {
		return 0, ErrMathOverflow
	}
	return assetValue * int64(maxLtvBps) / 10000, nil
}

// CreateEscrow creates a Pending escrow bound to a whitelisted oracle.
// The amount may not exceed the loan-to-value limit over the referenced
// collateral token's value
func (c *Core) CreateEscrow(
	buyer auth.Principal,
	seller auth.Principal,
	collateralTokenId uint64,
	amount int64,
	oracleAddress auth.Principal,
	releaseConditions string,
) (uint64, error) {
	if err := c.authorizer.Authorize(buyer, "escrow.create_escrow", nil); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var escrowId uint64
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
		whitelisted, err := c.params.IsOracleWhitelisted(txn, oracleAddress)
		if err != nil {
			return err
		}
		if !whitelisted {
			return ErrOracleNotWhitelisted
		}
		var collateral CollateralToken
		if err := txn.GetValue(tokenKey(collateralTokenId), &collateral); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrCollateralNotFound
			}
			return err
		}
		maxLtvBps, err := c.params.MaxLtvBps(txn)
		if err != nil {
			return err
		}
		maxLoanAmount, err := maxLoan(collateral.AssetValue, maxLtvBps)
		if err != nil {
			return err
		}
		if amount > maxLoanAmount {
			return ErrLtvExceeded
		}
		escrowId, err = txn.NextID(database.CounterKey(namespace))
		if err != nil {
			return err
		}
		return txn.SetValue(escrowKey(escrowId), Escrow{
			Buyer:             buyer,
			Seller:            seller,
			CollateralTokenId: collateralTokenId,
			Amount:            amount,
			Status:            StatusPending,
			OracleAddress:     oracleAddress,
			ReleaseConditions: releaseConditions,
			CreatedAt:         c.clock.Now(),
		})
	})
	if err != nil {
		return 0, err
	}
	c.metrics.created.Inc()
	c.logger.Info(
		"escrow created",
		"component", "escrow",
		"id", escrowId,
		"amount", amount,
	)
	c.eventBus.Publish(
		CreatedEventType,
		event.NewEvent(CreatedEventType, CreatedEvent{
			Id:     escrowId,
			Buyer:  buyer,
			Seller: seller,
			Amount: amount,
		}),
	)
	return escrowId, nil
}

// GetEscrow returns an escrow by id, or nil if it does not exist
func (c *Core) GetEscrow(id uint64) (*Escrow, error) {
	txn := c.db.Transaction(false)
	defer txn.Release()
	var item Escrow
	if err := txn.GetValue(escrowKey(id), &item); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// ActivateEscrow moves a funded escrow from Pending to Active. Operator
// (admin) only
func (c *Core) ActivateEscrow(escrowId uint64) error {
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
		var admin auth.Principal
		if err := txn.GetValue(adminKey(), &admin); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return auth.ErrUnauthorized
			}
			return err
		}
		if err := c.authorizer.Authorize(admin, "escrow.activate_escrow", nil); err != nil {
			return err
		}
		var item Escrow
		if err := txn.GetValue(escrowKey(escrowId), &item); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if item.Status != StatusPending {
			return auth.ErrUnauthorized
		}
		item.Status = StatusActive
		return txn.SetValue(escrowKey(escrowId), item)
	})
	if err != nil {
		return err
	}
	c.eventBus.Publish(
		ActivatedEventType,
		event.NewEvent(ActivatedEventType, ActivatedEvent{Id: escrowId}),
	)
	return nil
}

// ReleaseEscrow releases escrowed funds. Only the escrow's bound oracle
// may trigger release, and only from Active
func (c *Core) ReleaseEscrow(escrowId uint64) error {
	var released Escrow
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
		var item Escrow
		if err := txn.GetValue(escrowKey(escrowId), &item); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if err := c.authorizer.Authorize(item.OracleAddress, "escrow.release_escrow", nil); err != nil {
			return err
		}
		if item.Status != StatusActive {
			return ErrEscrowAlreadyReleased
		}
		item.Status = StatusReleased
		released = item
		return txn.SetValue(escrowKey(escrowId), item)
	})
	if err != nil {
		return err
	}
	c.metrics.released.Inc()
	c.logger.Info(
		"escrow released",
		"component", "escrow",
		"id", escrowId,
	)
	c.eventBus.Publish(
		ReleasedEventType,
		event.NewEvent(ReleasedEventType, ReleasedEvent{
			Id:     escrowId,
			Buyer:  released.Buyer,
			Seller: released.Seller,
			Amount: released.Amount,
		}),
	)
	return nil
}

// CancelEscrow cancels an escrow before activation. Only the buyer or
// seller may cancel, and only from Pending
func (c *Core) CancelEscrow(caller auth.Principal, escrowId uint64) error {
	err := c.db.Transaction(true).Do(func(txn *database.Txn) error {
		var item Escrow
		if err := txn.GetValue(escrowKey(escrowId), &item); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if caller != item.Buyer && caller != item.Seller {
			return auth.ErrUnauthorized
		}
		if err := c.authorizer.Authorize(caller, "escrow.cancel_escrow", nil); err != nil {
			return err
		}
		if item.Status != StatusPending {
			return ErrEscrowAlreadyReleased
		}
		item.Status = StatusCancelled
		return txn.SetValue(escrowKey(escrowId), item)
	})
	if err != nil {
		return err
	}
	c.eventBus.Publish(
		CancelledEventType,
		event.NewEvent(CancelledEventType, CancelledEvent{Id: escrowId}),
	)
	return nil
}
