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

package vaultcore

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/governance"
)

type Config struct {
	promRegistry    prometheus.Registerer
	logger          *slog.Logger
	authorizer      auth.Authorizer
	clock           clock.Clock
	upgrader        governance.Upgrader
	dataDir         string
	admin           auth.Principal
	escrowAuthority auth.Principal
	loanAuthority   auth.Principal
	custody         auth.Principal
	shutdownTimeout time.Duration
}

func (n *Node) configValidate() error {
	if n.config.admin == "" {
		return errors.New("no admin principal configured")
	}
	if n.config.custody == "" {
		return errors.New("no custody principal configured")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the Node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new vaultcore config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		clock:  clock.System{},
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithAuthorizer specifies the authorizer used to check principal
// authorization on every state-changing operation. This defaults to
// denying everything
func WithAuthorizer(authorizer auth.Authorizer) ConfigOptionFunc {
	return func(c *Config) {
		c.authorizer = authorizer
	}
}

// WithClock specifies the clock used for ledger timestamps. This defaults
// to the system clock
func WithClock(clk clock.Clock) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clk
	}
}

// WithUpgrader specifies the upgrader invoked by executed code-upgrade
// proposals. This defaults to recording the new code hash without side
// effects
func WithUpgrader(upgrader governance.Upgrader) ConfigOptionFunc {
	return func(c *Config) {
		c.upgrader = upgrader
	}
}

// WithAdmin specifies the admin principal used to initialize all registries
func WithAdmin(admin auth.Principal) ConfigOptionFunc {
	return func(c *Config) {
		c.admin = admin
	}
}

// WithEscrowAuthority specifies the principal allowed to lock collateral
// and record escrow-driven reputation events. This defaults to the admin
// principal
func WithEscrowAuthority(escrowAuthority auth.Principal) ConfigOptionFunc {
	return func(c *Config) {
		c.escrowAuthority = escrowAuthority
	}
}

// WithLoanAuthority specifies the principal allowed to record loan-driven
// reputation events. This defaults to the admin principal
func WithLoanAuthority(loanAuthority auth.Principal) ConfigOptionFunc {
	return func(c *Config) {
		c.loanAuthority = loanAuthority
	}
}

// WithCustody specifies the principal holding tokens locked by governance
// voting
func WithCustody(custody auth.Principal) ConfigOptionFunc {
	return func(c *Config) {
		c.custody = custody
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
