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

// Package reputation keeps an append-only behavioral ledger per
// counterparty and derives a bounded risk multiplier and display score
// from it. The multiplier is a read-side computation for off-chain
// underwriting; it never gates escrow creation
package reputation

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
	InitializedEventType event.EventType = "reputation.initialized"
	RecordedEventType    event.EventType = "reputation.event"
	SlashedEventType     event.EventType = "reputation.slashed"
)

type InitializedEvent struct {
	Admin auth.Principal
}

type RecordedEvent struct {
	User   auth.Principal
	Kind   EventKind
	Volume int64
}

type SlashedEvent struct {
	User          auth.Principal
	DisputesAdded uint32
	DefaultsAdded uint32
}

var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrInvalidValue       = errors.New("invalid value")
)

// EventKind identifies a counterparty lifecycle event
type EventKind uint32

const (
	EventTradeCompleted  EventKind = 1
	EventEarlyRepayment  EventKind = 2
	EventOnTimeRepayment EventKind = 3
	EventLateRepayment   EventKind = 4
	EventDefault         EventKind = 5
	EventDisputeLost     EventKind = 6
)

const namespace = "reputation"

// Multiplier and score constants. Bonuses are capped; penalties are not
const (
	NeutralMultiplier = 10000
	MinMultiplier     = 5000
	MaxMultiplier     = 20000
	NeutralScore      = 500
	MaxScore          = 1000

	// One volume tier per 100k whole units at 7 decimals
	volumeTierSize = 100_000_0000000
)

// Profile tracks a counterparty's behavior over time. Counters only grow,
// except through an explicit admin slash which also only adds penalties
type Profile struct {
	User             auth.Principal
	SuccessfulTrades uint32
	TotalVolume      int64
	Defaults         uint32
	DisputesLost     uint32
	EarlyRepayments  uint32
	OnTimeRepayments uint32
	LateRepayments   uint32
	CreatedAt        uint64
	LastUpdated      uint64
}

type authorities struct {
	Admin           auth.Principal
	EscrowAuthority auth.Principal
	LoanAuthority   auth.Principal
}

// EngineConfig contains the configuration for a reputation Engine
type EngineConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Authorizer   auth.Authorizer
	Clock        clock.Clock
}

// Engine is the reputation engine
type Engine struct {
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	authorizer auth.Authorizer
	clock      clock.Clock
	metrics    struct {
		eventsRecorded *prometheus.CounterVec
	}
}

func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		logger:     config.Logger,
		eventBus:   config.EventBus,
		db:         config.Database,
		authorizer: config.Authorizer,
		clock:      config.Clock,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(config.PromRegistry)
	e.metrics.eventsRecorded = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcore_reputation_events_total",
			Help: "total reputation events recorded by kind",
		},
		[]string{"kind"},
	)
	return e
}

func profileKey(user auth.Principal) []byte {
	return database.Key(namespace, []byte("profile"), []byte(user))
}

func authoritiesKey() []byte {
	return database.Key(namespace, []byte("authorities"))
}

// Initialize stores the admin and the two contract principals allowed to
// record events. It fails if the engine has already been initialized
func (e *Engine) Initialize(
	admin auth.Principal,
	escrowAuthority auth.Principal,
	loanAuthority auth.Principal,
) error {
	err := e.db.Transaction(true).Do(func(txn *database.Txn) error {
		initialized, err := txn.Has(authoritiesKey())
		if err != nil {
			return err
		}
		if initialized {
			return ErrAlreadyInitialized
		}
		return txn.SetValue(authoritiesKey(), authorities{
			Admin:           admin,
			EscrowAuthority: escrowAuthority,
			LoanAuthority:   loanAuthority,
		})
	})
	if err != nil {
		return err
	}
	e.eventBus.Publish(
		InitializedEventType,
		event.NewEvent(InitializedEventType, InitializedEvent{Admin: admin}),
	)
	return nil
}

func (e *Engine) getAuthorities(txn *database.Txn) (*authorities, error) {
	var auths authorities
	if err := txn.GetValue(authoritiesKey(), &auths); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, auth.ErrUnauthorized
		}
		return nil, err
	}
	return &auths, nil
}

func (e *Engine) getOrCreateProfile(
	txn *database.Txn,
	user auth.Principal,
) (*Profile, error) {
	var profile Profile
	err := txn.GetValue(profileKey(user), &profile)
	if err == nil {
		return &profile, nil
	}
	if !errors.Is(err, database.ErrKeyNotFound) {
		return nil, err
	}
	now := e.clock.Now()
	profile = Profile{
		User:        user,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := txn.SetValue(profileKey(user), profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetOrCreateProfile returns the user's profile, creating a zeroed one on
// first touch
func (e *Engine) GetOrCreateProfile(user auth.Principal) (*Profile, error) {
	var profile *Profile
	err := e.db.Transaction(true).Do(func(txn *database.Txn) error {
		var err error
		profile, err = e.getOrCreateProfile(txn, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// GetProfile returns the user's profile, or nil if none exists yet
func (e *Engine) GetProfile(user auth.Principal) (*Profile, error) {
	txn := e.db.Transaction(false)
	defer txn.Release()
	var profile Profile
	if err := txn.GetValue(profileKey(user), &profile); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return int64(^uint64(0) >> 1)
	}
	return sum
}

// RecordEvent applies exactly one counter update for a lifecycle event.
// Only the configured escrow or loan authority may record, and the caller
// must have authorized the call
func (e *Engine) RecordEvent(
	caller auth.Principal,
	user auth.Principal,
	kind EventKind,
	volume int64,
) error {
	err := e.db.Transaction(true).Do(func(txn *database.Txn) error {
		auths, err := e.getAuthorities(txn)
		if err != nil {
			return err
		}
		if caller != auths.EscrowAuthority && caller != auths.LoanAuthority {
			return auth.ErrUnauthorized
		}
		if err := e.authorizer.Authorize(caller, "reputation.record_event", nil); err != nil {
			return err
		}
		if volume < 0 {
			return ErrInvalidValue
		}
		profile, err := e.getOrCreateProfile(txn, user)
		if err != nil {
			return err
		}
		switch kind {
		case EventTradeCompleted:
			profile.SuccessfulTrades++
			profile.TotalVolume = saturatingAdd(profile.TotalVolume, volume)
		case EventEarlyRepayment:
			profile.EarlyRepayments++
			profile.OnTimeRepayments++
		case EventOnTimeRepayment:
			profile.OnTimeRepayments++
		case EventLateRepayment:
			profile.LateRepayments++
		case EventDefault:
			profile.Defaults++
		case EventDisputeLost:
			profile.DisputesLost++
		default:
			return ErrInvalidValue
		}
		profile.LastUpdated = e.clock.Now()
		return txn.SetValue(profileKey(user), *profile)
	})
	if err != nil {
		return err
	}
	e.metrics.eventsRecorded.WithLabelValues(kind.String()).Inc()
	e.eventBus.Publish(
		RecordedEventType,
		event.NewEvent(RecordedEventType, RecordedEvent{
			User:   user,
			Kind:   kind,
			Volume: volume,
		}),
	)
	return nil
}

// Slash adds dispute and default penalties directly, bypassing normal
// event recording. Admin only; used for governance-ordered sanctions
func (e *Engine) Slash(
	user auth.Principal,
	disputesToAdd uint32,
	defaultsToAdd uint32,
) error {
	err := e.db.Transaction(true).Do(func(txn *database.Txn) error {
		auths, err := e.getAuthorities(txn)
		if err != nil {
			return err
		}
		if err := e.authorizer.Authorize(auths.Admin, "reputation.slash", nil); err != nil {
			return err
		}
		profile, err := e.getOrCreateProfile(txn, user)
		if err != nil {
			return err
		}
		profile.DisputesLost += disputesToAdd
		profile.Defaults += defaultsToAdd
		profile.LastUpdated = e.clock.Now()
		return txn.SetValue(profileKey(user), *profile)
	})
	if err != nil {
		return err
	}
	e.eventBus.Publish(
		SlashedEventType,
		event.NewEvent(SlashedEventType, SlashedEvent{
			User:          user,
			DisputesAdded: disputesToAdd,
			DefaultsAdded: defaultsToAdd,
		}),
	)
	return nil
}

// UpdateAuthorizedCallers replaces the escrow and loan authority
// principals. Admin only
func (e *Engine) UpdateAuthorizedCallers(
	escrowAuthority auth.Principal,
	loanAuthority auth.Principal,
) error {
	return e.db.Transaction(true).Do(func(txn *database.Txn) error {
		auths, err := e.getAuthorities(txn)
		if err != nil {
			return err
		}
		if err := e.authorizer.Authorize(auths.Admin, "reputation.update_authorized_callers", nil); err != nil {
			return err
		}
		auths.EscrowAuthority = escrowAuthority
		auths.LoanAuthority = loanAuthority
		return txn.SetValue(authoritiesKey(), *auths)
	})
}

// Multiplier derives the risk multiplier in basis points (10000 is
// neutral). Bonuses are capped, penalties are not, and the result is
// clamped to [MinMultiplier, MaxMultiplier]. Unknown users get exactly
// the neutral value
func (e *Engine) Multiplier(user auth.Principal) (uint32, error) {
	profile, err := e.GetProfile(user)
	if err != nil {
		return 0, err
	}
	if profile == nil {
		return NeutralMultiplier, nil
	}
	multiplier := int32(NeutralMultiplier)
	// Capped bonuses reduce the multiplier
	multiplier -= min(int32(profile.SuccessfulTrades)*10, 500)
	multiplier -= min(int32(profile.EarlyRepayments)*20, 400)
	multiplier -= min(int32(profile.OnTimeRepayments)*5, 300)
	volumeTiers := int32(profile.TotalVolume / volumeTierSize)
	multiplier -= min(volumeTiers*50, 500)
	// Uncapped penalties raise it
	multiplier += int32(profile.Defaults) * 500
	multiplier += int32(profile.DisputesLost) * 300
	multiplier += int32(profile.LateRepayments) * 50
	if multiplier < MinMultiplier {
		multiplier = MinMultiplier
	}
	if multiplier > MaxMultiplier {
		multiplier = MaxMultiplier
	}
	return uint32(multiplier), nil
}

// Score derives the 0-1000 display score. Unknown users get exactly the
// neutral value
func (e *Engine) Score(user auth.Principal) (uint32, error) {
	profile, err := e.GetProfile(user)
	if err != nil {
		return 0, err
	}
	if profile == nil {
		return NeutralScore, nil
	}
	score := int32(NeutralScore)
	score += min(int32(profile.SuccessfulTrades)*5, 200)
	score += min(int32(profile.EarlyRepayments)*10, 150)
	score += min(int32(profile.OnTimeRepayments)*3, 100)
	score -= int32(profile.Defaults) * 100
	score -= int32(profile.DisputesLost) * 50
	score -= int32(profile.LateRepayments) * 10
	if score < 0 {
		score = 0
	}
	if score > MaxScore {
		score = MaxScore
	}
	return uint32(score), nil
}

func (k EventKind) String() string {
	switch k {
	case EventTradeCompleted:
		return "trade_completed"
	case EventEarlyRepayment:
		return "early_repayment"
	case EventOnTimeRepayment:
		return "on_time_repayment"
	case EventLateRepayment:
		return "late_repayment"
	case EventDefault:
		return "default"
	case EventDisputeLost:
		return "dispute_lost"
	default:
		return "unknown"
	}
}
