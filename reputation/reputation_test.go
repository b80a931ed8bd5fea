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

package reputation

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/event"
)

const (
	testAdmin           auth.Principal = "admin"
	testEscrowAuthority auth.Principal = "escrow-core"
	testLoanAuthority   auth.Principal = "loan-engine"
	testUser            auth.Principal = "alice"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	e := NewEngine(EngineConfig{
		PromRegistry: prometheus.NewRegistry(),
		EventBus:     event.NewEventBus(nil, nil),
		Database:     db,
		Authorizer:   auth.AllowAll(),
		Clock:        clock.NewMock(1000),
	})
	require.NoError(
		t,
		e.Initialize(testAdmin, testEscrowAuthority, testLoanAuthority),
	)
	return e
}

func TestInitializeOnce(t *testing.T) {
	e := newTestEngine(t)
	assert.ErrorIs(
		t,
		e.Initialize(testAdmin, testEscrowAuthority, testLoanAuthority),
		ErrAlreadyInitialized,
	)
}

func TestNewUserDefaults(t *testing.T) {
	e := newTestEngine(t)
	// Unknown users read as exactly neutral
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralMultiplier), multiplier)
	score, err := e.Score(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralScore), score)
	profile, err := e.GetProfile(testUser)
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestGetOrCreateProfile(t *testing.T) {
	e := newTestEngine(t)
	profile, err := e.GetOrCreateProfile(testUser)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, uint64(1000), profile.CreatedAt)
	assert.Equal(t, uint32(0), profile.SuccessfulTrades)
	// A second call returns the stored profile
	again, err := e.GetOrCreateProfile(testUser)
	require.NoError(t, err)
	assert.Equal(t, profile, again)
}

func TestRecordEventCounters(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(
		t,
		e.RecordEvent(testEscrowAuthority, testUser, EventTradeCompleted, 5000),
	)
	require.NoError(
		t,
		e.RecordEvent(testLoanAuthority, testUser, EventEarlyRepayment, 0),
	)
	require.NoError(
		t,
		e.RecordEvent(testLoanAuthority, testUser, EventOnTimeRepayment, 0),
	)
	require.NoError(
		t,
		e.RecordEvent(testLoanAuthority, testUser, EventLateRepayment, 0),
	)
	require.NoError(
		t,
		e.RecordEvent(testEscrowAuthority, testUser, EventDefault, 0),
	)
	require.NoError(
		t,
		e.RecordEvent(testEscrowAuthority, testUser, EventDisputeLost, 0),
	)
	profile, err := e.GetProfile(testUser)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, uint32(1), profile.SuccessfulTrades)
	assert.Equal(t, int64(5000), profile.TotalVolume)
	assert.Equal(t, uint32(1), profile.EarlyRepayments)
	// Early repayment also counts as on-time
	assert.Equal(t, uint32(2), profile.OnTimeRepayments)
	assert.Equal(t, uint32(1), profile.LateRepayments)
	assert.Equal(t, uint32(1), profile.Defaults)
	assert.Equal(t, uint32(1), profile.DisputesLost)
}

func TestRecordEventValidation(t *testing.T) {
	e := newTestEngine(t)
	// Only the configured authorities may record
	err := e.RecordEvent(testUser, testUser, EventTradeCompleted, 100)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	err = e.RecordEvent(testAdmin, testUser, EventTradeCompleted, 100)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	// Negative volume is rejected
	err = e.RecordEvent(testEscrowAuthority, testUser, EventTradeCompleted, -1)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestMultiplierBonuses(t *testing.T) {
	e := newTestEngine(t)
	for range 10 {
		require.NoError(
			t,
			e.RecordEvent(testEscrowAuthority, testUser, EventTradeCompleted, 0),
		)
	}
	// 10 trades at 10 bps each
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralMultiplier-100), multiplier)
}

func TestMultiplierTradeBonusCap(t *testing.T) {
	e := newTestEngine(t)
	for range 60 {
		require.NoError(
			t,
			e.RecordEvent(testEscrowAuthority, testUser, EventTradeCompleted, 0),
		)
	}
	// Trade bonus caps at 500 even with 60 trades
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralMultiplier-500), multiplier)
}

func TestMultiplierVolumeTiers(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(
		t,
		e.RecordEvent(
			testEscrowAuthority,
			testUser,
			EventTradeCompleted,
			2*volumeTierSize,
		),
	)
	// One trade (10) plus two volume tiers (100)
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralMultiplier-110), multiplier)
}

func TestMultiplierClampedByDefaults(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Slash(testUser, 0, 50))
	// 50 defaults blow past the cap
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxMultiplier), multiplier)
}

func TestScoreFloorsAtZero(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Slash(testUser, 0, 20))
	score, err := e.Score(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), score)
}

func TestSlash(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Slash(testUser, 2, 1))
	profile, err := e.GetProfile(testUser)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, uint32(2), profile.DisputesLost)
	assert.Equal(t, uint32(1), profile.Defaults)
	// One default (500) and two disputes (600)
	multiplier, err := e.Multiplier(testUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(NeutralMultiplier+1100), multiplier)
}

func TestUpdateAuthorizedCallers(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.UpdateAuthorizedCallers("new-escrow", "new-loan"))
	// The old authority can no longer record
	err := e.RecordEvent(testEscrowAuthority, testUser, EventTradeCompleted, 0)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.NoError(
		t,
		e.RecordEvent("new-escrow", testUser, EventTradeCompleted, 0),
	)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "trade_completed", EventTradeCompleted.String())
	assert.Equal(t, "dispute_lost", EventDisputeLost.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
