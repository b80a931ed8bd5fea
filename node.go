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

// Package vaultcore assembles the trade-finance trust core: a collateral
// registry, oracle adapter, reputation engine, governance module and
// escrow core sharing one ledger database and event bus
package vaultcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/collateral"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/escrow"
	"github.com/stellovault/vaultcore/event"
	"github.com/stellovault/vaultcore/governance"
	"github.com/stellovault/vaultcore/oracle"
	"github.com/stellovault/vaultcore/reputation"
	"github.com/stellovault/vaultcore/token"
)

type Node struct {
	eventBus      *event.EventBus
	db            *database.Database
	tokenLedger   *token.Ledger
	collateral    *collateral.Registry
	oracle        *oracle.Adapter
	reputation    *reputation.Engine
	governance    *governance.Module
	escrow        *escrow.Core
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	if n.config.authorizer == nil {
		// Deny everything until the host grants calls
		n.config.authorizer = auth.NewStatic()
	}
	if n.config.escrowAuthority == "" {
		n.config.escrowAuthority = n.config.admin
	}
	if n.config.loanAuthority == "" {
		n.config.loanAuthority = n.config.admin
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	// Load database
	db, err := database.New(database.Config{
		DataDir:      n.config.dataDir,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Token ledger
	n.tokenLedger = token.NewLedger(token.LedgerConfig{
		Logger:   n.config.logger,
		Database: n.db,
	})
	// Collateral registry
	n.collateral = collateral.NewRegistry(collateral.RegistryConfig{
		PromRegistry: n.config.promRegistry,
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		Database:     n.db,
		Authorizer:   n.config.authorizer,
		Clock:        n.config.clock,
	})
	// Oracle adapter
	n.oracle = oracle.NewAdapter(oracle.AdapterConfig{
		PromRegistry: n.config.promRegistry,
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		Database:     n.db,
		Authorizer:   n.config.authorizer,
		Clock:        n.config.clock,
	})
	// Reputation engine
	n.reputation = reputation.NewEngine(reputation.EngineConfig{
		PromRegistry: n.config.promRegistry,
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		Database:     n.db,
		Authorizer:   n.config.authorizer,
		Clock:        n.config.clock,
	})
	// Governance module
	n.governance = governance.NewModule(governance.ModuleConfig{
		PromRegistry: n.config.promRegistry,
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		Database:     n.db,
		Authorizer:   n.config.authorizer,
		Clock:        n.config.clock,
		Token:        n.tokenLedger,
		Upgrader:     n.config.upgrader,
		Custody:      n.config.custody,
	})
	// Escrow core, validating against governance parameters
	n.escrow = escrow.NewCore(escrow.CoreConfig{
		PromRegistry: n.config.promRegistry,
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		Database:     n.db,
		Authorizer:   n.config.authorizer,
		Clock:        n.config.clock,
		Params:       n.governance,
	})
	return n, nil
}

func (n *Node) Run() error {
	if err := n.initialize(); err != nil {
		return err
	}
	// Feed released escrows into the reputation engine
	n.eventBus.SubscribeFunc(
		escrow.ReleasedEventType,
		n.handleEscrowReleasedEvent,
	)

	// Wait for shutdown signal
	<-n.done
	return nil
}

// initialize seeds each registry's admin and authority records. A registry
// that was initialized on a previous run is left as-is
func (n *Node) initialize() error {
	initFuncs := []func() error{
		func() error { return n.collateral.Initialize(n.config.admin) },
		func() error {
			return n.collateral.SetEscrowAuthority(n.config.escrowAuthority)
		},
		func() error { return n.oracle.Initialize(n.config.admin) },
		func() error {
			return n.reputation.Initialize(
				n.config.admin,
				n.config.escrowAuthority,
				n.config.loanAuthority,
			)
		},
		func() error { return n.governance.Initialize(n.config.admin) },
		func() error { return n.escrow.Initialize(n.config.admin) },
	}
	for _, initFunc := range initFuncs {
		if err := initFunc(); err != nil {
			if isAlreadyInitialized(err) {
				continue
			}
			return fmt.Errorf("failed to initialize: %w", err)
		}
	}
	return nil
}

func isAlreadyInitialized(err error) bool {
	return errors.Is(err, collateral.ErrAlreadyInitialized) ||
		errors.Is(err, oracle.ErrAlreadyInitialized) ||
		errors.Is(err, reputation.ErrAlreadyInitialized) ||
		errors.Is(err, governance.ErrAlreadyInitialized) ||
		errors.Is(err, escrow.ErrAlreadyInitialized)
}

// handleEscrowReleasedEvent records a completed trade against the buyer's
// reputation profile using the configured escrow authority
func (n *Node) handleEscrowReleasedEvent(evt event.Event) {
	e, ok := evt.Data.(escrow.ReleasedEvent)
	if !ok {
		return
	}
	err := n.reputation.RecordEvent(
		n.config.escrowAuthority,
		e.Buyer,
		reputation.EventTradeCompleted,
		e.Amount,
	)
	if err != nil {
		n.config.logger.Error(
			"failed to record reputation event",
			"component", "node",
			"escrow_id", e.Id,
			"error", err,
		)
	}
}

// Collateral returns the collateral registry
func (n *Node) Collateral() *collateral.Registry {
	return n.collateral
}

// Oracle returns the oracle adapter
func (n *Node) Oracle() *oracle.Adapter {
	return n.oracle
}

// Reputation returns the reputation engine
func (n *Node) Reputation() *reputation.Engine {
	return n.reputation
}

// Governance returns the governance module
func (n *Node) Governance() *governance.Module {
	return n.governance
}

// Escrow returns the escrow core
func (n *Node) Escrow() *escrow.Core {
	return n.escrow
}

// TokenLedger returns the token ledger
func (n *Node) TokenLedger() *token.Ledger {
	return n.tokenLedger
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
