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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrKeyNotFound is returned when the requested key does not exist
	ErrKeyNotFound = errors.New("key not found")
	// ErrNilTxn is returned when an operation is attempted outside a transaction
	ErrNilTxn = errors.New("nil transaction")
)

// Config contains the configuration for a Database instance
type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	// DataDir is the path used for persistent storage. An empty DataDir
	// selects an in-memory store, which is useful for tests
	DataDir string
}

// Database is the persistent ledger store backing all registries. All keys
// live in a single namespaced key space (see keys.go), and every public
// registry operation runs against a single transaction so that its writes
// commit or roll back together.
type Database struct {
	logger   *slog.Logger
	db       *badger.DB
	dataDir  string
	gcTicker *time.Ticker
	gcStopCh chan struct{}
	gcWg     sync.WaitGroup
	metrics  struct {
		lsmSize  prometheus.GaugeFunc
		vlogSize prometheus.GaugeFunc
	}
}

// New creates a new database instance with optional persistence using the
// provided data directory
func New(config Config) (*Database, error) {
	d := &Database{
		logger:  config.Logger,
		dataDir: config.DataDir,
	}
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if d.dataDir == "" {
		// No dataDir, use in-memory config
		badgerOpts = badger.DefaultOptions("").
			WithLogger(newBadgerLogger(d.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(d.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(d.dataDir, "ledger")).
			WithLogger(newBadgerLogger(d.logger)).
			WithLoggingLevel(badger.WARNING).
			WithCompression(options.Snappy)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	d.db = db
	if config.PromRegistry != nil {
		d.registerMetrics(config.PromRegistry)
	}
	// Value log GC only applies to disk-backed stores
	if d.dataDir != "" {
		d.gcTicker = time.NewTicker(5 * time.Minute)
		d.gcStopCh = make(chan struct{})
		d.gcWg.Add(1)
		go d.gc(d.gcTicker, d.gcStopCh)
	}
	return d, nil
}

func (d *Database) registerMetrics(promRegistry prometheus.Registerer) {
	d.metrics.lsmSize = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vaultcore_ledger_lsm_size_bytes",
			Help: "current size of the ledger store LSM tree in bytes",
		},
		func() float64 {
			lsm, _ := d.db.Size()
			return float64(lsm)
		},
	)
	d.metrics.vlogSize = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vaultcore_ledger_vlog_size_bytes",
			Help: "current size of the ledger store value log in bytes",
		},
		func() float64 {
			_, vlog := d.db.Size()
			return float64(vlog)
		},
	)
	promRegistry.MustRegister(d.metrics.lsmSize, d.metrics.vlogSize)
}

func (d *Database) gc(t *time.Ticker, stop <-chan struct{}) {
	defer d.gcWg.Done()
	for {
		select {
		case <-t.C:
		again:
			err := d.db.RunValueLogGC(0.5)
			if err != nil {
				// Log any actual errors
				if !errors.Is(err, badger.ErrNoRewrite) {
					d.logger.Warn(
						fmt.Sprintf("ledger store: GC failure: %s", err),
						"component", "database",
					)
				}
			} else {
				// Run it again if it just ran successfully
				goto again
			}
		case <-stop:
			return
		}
	}
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Transaction starts a new database transaction and returns a handle to it
func (d *Database) Transaction(readWrite bool) *Txn {
	return newTxn(d, readWrite)
}

// Close cleans up the database
func (d *Database) Close() error {
	if d.gcTicker != nil {
		d.gcTicker.Stop()
		if d.gcStopCh != nil {
			close(d.gcStopCh)
			d.gcStopCh = nil
		}
		d.gcWg.Wait()
		d.gcTicker = nil
	}
	return d.db.Close()
}

// badgerLogger is a shim to adapt badger logging to slog
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (b *badgerLogger) Infof(msg string, args ...any) {
	b.logger.Info(fmt.Sprintf(msg, args...), "component", "database")
}

func (b *badgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(fmt.Sprintf(msg, args...), "component", "database")
}

func (b *badgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...), "component", "database")
}

func (b *badgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(fmt.Sprintf(msg, args...), "component", "database")
}
