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

// Package governance runs the proposal/vote/execute state machine over the
// shared protocol parameters. Voting is quadratic: influence grows with
// the square root of committed governance tokens, which are locked in the
// module's custody for the duration
package governance

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
	"github.com/stellovault/vaultcore/token"
)

const (
	InitializedEventType event.EventType = "governance.initialized"
	ProposedEventType    event.EventType = "governance.proposed"
	VotedEventType       event.EventType = "governance.voted"
	ExecutedEventType    event.EventType = "governance.executed"
)

type InitializedEvent struct {
	Admin auth.Principal
}

type ProposedEvent struct {
	Id       uint64
	Proposer auth.Principal
	EndTime  uint64
}

type VotedEvent struct {
	Id    uint64
	Voter auth.Principal
	Votes uint64
}

type ExecutedEvent struct {
	Id uint64
}

var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrProposalNotActive  = errors.New("proposal not active")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrVotePeriodEnded    = errors.New("vote period ended")
	ErrVotePeriodActive   = errors.New("vote period active")
	ErrZeroWeight         = errors.New("zero weight")
	ErrQuorumNotMet       = errors.New("quorum not met")
	ErrVoteOverflow       = errors.New("vote overflow")
	ErrMathOverflow       = errors.New("math overflow")
	ErrInvalidAction      = errors.New("invalid action")
)

const namespace = "governance"

// Default protocol parameters applied at initialization
const (
	DefaultMaxLtvBps = 7000
	DefaultQuorum    = 100
)

// ActionKind tags a governance action variant
type ActionKind uint8

const (
	ActionUpdateMaxLtv ActionKind = iota + 1
	ActionUpdateCollateralWhitelist
	ActionUpdateOracleWhitelist
	ActionUpgradeCode
)

// Action is the closed set of parameter mutations a proposal may carry.
// Exactly one variant's fields are meaningful, selected by Kind
type Action struct {
	Kind      ActionKind
	MaxLtvBps uint32
	Asset     string
	Oracle    auth.Principal
	Allowed   bool
	CodeHash  [32]byte
}

// Proposal is a single governance proposal. VoteCount accumulates
// sqrt-weighted votes and only ever grows; Executed flips once
type Proposal struct {
	Id        uint64
	Proposer  auth.Principal
	Title     string
	Desc      string
	Action    Action
	VoteCount uint64
	EndTime   uint64
	Executed  bool
}

// Upgrader applies a code-upgrade action. The host environment supplies
// the implementation
type Upgrader interface {
	Upgrade(codeHash [32]byte) error
}

// ModuleConfig contains the configuration for a governance Module
type ModuleConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Authorizer   auth.Authorizer
	Clock        clock.Clock
	Token        token.Transferrer
	Upgrader     Upgrader
	// Custody is the principal holding tokens locked by voting
	Custody auth.Principal
}

// Module is the governance module
type Module struct {
	logger     *slog.Logger
	eventBus   *event.EventBus
	db         *database.Database
	authorizer auth.Authorizer
	clock      clock.Clock
	token      token.Transferrer
	upgrader   Upgrader
	custody    auth.Principal
	metrics    struct {
		proposals prometheus.Counter
		votes     prometheus.Counter
		executed  prometheus.Counter
	}
}

func NewModule(config ModuleConfig) *Module {
	m := &Module{
		logger:     config.Logger,
		eventBus:   config.EventBus,
		db:         config.Database,
		authorizer: config.Authorizer,
		clock:      config.Clock,
		token:      config.Token,
		upgrader:   config.Upgrader,
		custody:    config.Custody,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(config.PromRegistry)
	m.metrics.proposals = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_governance_proposals_total",
		Help: "total governance proposals created",
	})
	m.metrics.votes = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_governance_votes_total",
		Help: "total governance votes cast",
	})
	m.metrics.executed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "vaultcore_governance_executed_total",
		Help: "total governance proposals executed",
	})
	return m
}

func proposalKey(id uint64) []byte {
	return database.Key(namespace, []byte("proposal"), database.Uint64Key(id))
}

func voteKey(proposalId uint64, voter auth.Principal) []byte {
	return database.Key(
		namespace,
		[]byte("vote"),
		database.Uint64Key(proposalId),
		[]byte(voter),
	)
}

func adminKey() []byte {
	return database.Key(namespace, []byte("admin"))
}

func maxLtvKey() []byte {
	return database.Key(namespace, []byte("param"), []byte("max_ltv"))
}

func quorumKey() []byte {
	return database.Key(namespace, []byte("param"), []byte("quorum"))
}

func codeVersionKey() []byte {
	return database.Key(namespace, []byte("param"), []byte("code_version"))
}

func collateralWhitelistKey(asset string) []byte {
	return database.Key(
		namespace,
		[]byte("whitelist"),
		[]byte("collateral"),
		[]byte(asset),
	)
}

func oracleWhitelistKey(oracle auth.Principal) []byte {
	return database.Key(
		namespace,
		[]byte("whitelist"),
		[]byte("oracle"),
		[]byte(oracle),
	)
}

// Initialize stores the admin principal and the default protocol
// parameters. It fails if the module has already been initialized
func (m *Module) Initialize(admin auth.Principal) error {
	err := m.db.Transaction(true).Do(func(txn *database.Txn) error {
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
		if err := txn.SetValue(adminKey(), admin); err != nil {
			return err
		}
		if err := txn.SetValue(maxLtvKey(), uint32(DefaultMaxLtvBps)); err != nil {
			return err
		}
		return txn.SetValue(quorumKey(), uint64(DefaultQuorum))
	})
	if err != nil {
		return err
	}
	m.eventBus.Publish(
		InitializedEventType,
		event.NewEvent(InitializedEventType, InitializedEvent{Admin: admin}),
	)
	return nil
}

// isqrt computes floor(sqrt(n)) by integer Newton iteration. Vote totals
// are consensus-critical, so the iteration must stay bit-for-bit stable
func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	x := n / 2
	y := (x + n/x) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// Propose creates a new proposal ending at now + duration
func (m *Module) Propose(
	proposer auth.Principal,
	title string,
	desc string,
	action Action,
	duration uint64,
) (uint64, error) {
	if err := m.authorizer.Authorize(proposer, "governance.propose", nil); err != nil {
		return 0, err
	}
	if action.Kind < ActionUpdateMaxLtv || action.Kind > ActionUpgradeCode {
		return 0, ErrInvalidAction
	}
	now := m.clock.Now()
	endTime := now + duration
	if endTime < now {
		return 0, ErrMathOverflow
	}
	var proposalId uint64
	err := m.db.Transaction(true).Do(func(txn *database.Txn) error {
		var err error
		proposalId, err = txn.NextID(database.CounterKey(namespace))
		if err != nil {
			return err
		}
		proposal := Proposal{
			Id:       proposalId,
			Proposer: proposer,
			Title:    title,
			Desc:     desc,
			Action:   action,
			EndTime:  endTime,
		}
		return txn.SetValue(proposalKey(proposalId), proposal)
	})
	if err != nil {
		return 0, err
	}
	m.metrics.proposals.Inc()
	m.logger.Info(
		"proposal created",
		"component", "governance",
		"id", proposalId,
		"proposer", string(proposer),
		"end_time", endTime,
	)
	m.eventBus.Publish(
		ProposedEventType,
		event.NewEvent(ProposedEventType, ProposedEvent{
			Id:       proposalId,
			Proposer: proposer,
			EndTime:  endTime,
		}),
	)
	return proposalId, nil
}

// Vote casts a quadratic vote: weight tokens move from the voter to the
// module's custody and isqrt(weight) votes accrue to the proposal. One
// vote per (proposal, voter) pair
func (m *Module) Vote(
	voter auth.Principal,
	proposalId uint64,
	weight uint64,
) error {
	if err := m.authorizer.Authorize(voter, "governance.vote", nil); err != nil {
		return err
	}
	if weight == 0 {
		return ErrZeroWeight
	}
	var votes uint64
	err := m.db.Transaction(true).Do(func(txn *database.Txn) error {
		var proposal Proposal
		if err := txn.GetValue(proposalKey(proposalId), &proposal); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrProposalNotFound
			}
			return err
		}
		if m.clock.Now() > proposal.EndTime {
			return ErrVotePeriodEnded
		}
		if proposal.Executed {
			return ErrProposalNotActive
		}
		voted, err := txn.Has(voteKey(proposalId, voter))
		if err != nil {
			return err
		}
		if voted {
			return ErrAlreadyVoted
		}
		// Lock the committed weight in custody; a failed transfer aborts
		// the whole vote
		if err := m.token.Transfer(txn, voter, m.custody, weight); err != nil {
			return err
		}
		votes = isqrt(weight)
		newCount := proposal.VoteCount + votes
		if newCount < proposal.VoteCount {
			return ErrVoteOverflow
		}
		proposal.VoteCount = newCount
		if err := txn.SetValue(proposalKey(proposalId), proposal); err != nil {
			return err
		}
		return txn.SetValue(voteKey(proposalId, voter), weight)
	})
	if err != nil {
		return err
	}
	m.metrics.votes.Inc()
	m.eventBus.Publish(
		VotedEventType,
		event.NewEvent(VotedEventType, VotedEvent{
			Id:    proposalId,
			Voter: voter,
			Votes: votes,
		}),
	)
	return nil
}

// apply performs a proposal's action against the protocol parameters
func (m *Module) apply(txn *database.Txn, action Action) error {
	switch action.Kind {
	case ActionUpdateMaxLtv:
		return txn.SetValue(maxLtvKey(), action.MaxLtvBps)
	case ActionUpdateCollateralWhitelist:
		return txn.SetValue(collateralWhitelistKey(action.Asset), action.Allowed)
	case ActionUpdateOracleWhitelist:
		return txn.SetValue(oracleWhitelistKey(action.Oracle), action.Allowed)
	case ActionUpgradeCode:
		if m.upgrader != nil {
			if err := m.upgrader.Upgrade(action.CodeHash); err != nil {
				return err
			}
		}
		return txn.SetValue(codeVersionKey(), action.CodeHash)
	default:
		return ErrInvalidAction
	}
}

// ExecuteProposal applies a proposal's action once its vote period has
// ended and quorum is met. A proposal executes at most once
func (m *Module) ExecuteProposal(proposalId uint64) error {
	err := m.db.Transaction(true).Do(func(txn *database.Txn) error {
		var proposal Proposal
		if err := txn.GetValue(proposalKey(proposalId), &proposal); err != nil {
			if errors.Is(err, database.ErrKeyNotFound) {
				return ErrProposalNotFound
			}
			return err
		}
		if m.clock.Now() <= proposal.EndTime {
			return ErrVotePeriodActive
		}
		if proposal.Executed {
			return ErrProposalNotActive
		}
		var quorum uint64
		if err := txn.GetValue(quorumKey(), &quorum); err != nil {
			if !errors.Is(err, database.ErrKeyNotFound) {
				return err
			}
			quorum = DefaultQuorum
		}
		if proposal.VoteCount < quorum {
			return ErrQuorumNotMet
		}
		if err := m.apply(txn, proposal.Action); err != nil {
			return err
		}
		proposal.Executed = true
		return txn.SetValue(proposalKey(proposalId), proposal)
	})
	if err != nil {
		return err
	}
	m.metrics.executed.Inc()
	m.logger.Info(
		"proposal executed",
		"component", "governance",
		"id", proposalId,
	)
	m.eventBus.Publish(
		ExecutedEventType,
		event.NewEvent(ExecutedEventType, ExecutedEvent{Id: proposalId}),
	)
	return nil
}

// GetProposal returns a proposal by id, or nil if it does not exist
func (m *Module) GetProposal(proposalId uint64) (*Proposal, error) {
	txn := m.db.Transaction(false)
	defer txn.Release()
	var proposal Proposal
	if err := txn.GetValue(proposalKey(proposalId), &proposal); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &proposal, nil
}

// MaxLtvBps returns the current max loan-to-value parameter in basis
// points. Accepts an optional transaction for callers that need the read
// inside their own atomic operation
func (m *Module) MaxLtvBps(txn *database.Txn) (uint32, error) {
	if txn == nil {
		txn = m.db.Transaction(false)
		defer txn.Release()
	}
	var maxLtv uint32
	if err := txn.GetValue(maxLtvKey(), &maxLtv); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return maxLtv, nil
}

// Quorum returns the current quorum parameter
func (m *Module) Quorum(txn *database.Txn) (uint64, error) {
	if txn == nil {
		txn = m.db.Transaction(false)
		defer txn.Release()
	}
	var quorum uint64
	if err := txn.GetValue(quorumKey(), &quorum); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return DefaultQuorum, nil
		}
		return 0, err
	}
	return quorum, nil
}

// IsAssetWhitelisted returns whether an asset type is whitelisted for
// collateral tokenization
func (m *Module) IsAssetWhitelisted(
	txn *database.Txn,
	asset string,
) (bool, error) {
	if txn == nil {
		txn = m.db.Transaction(false)
		defer txn.Release()
	}
	var allowed bool
	if err := txn.GetValue(collateralWhitelistKey(asset), &allowed); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return allowed, nil
}

// IsOracleWhitelisted returns whether an oracle is whitelisted for escrow
// binding
func (m *Module) IsOracleWhitelisted(
	txn *database.Txn,
	oracle auth.Principal,
) (bool, error) {
	if txn == nil {
		txn = m.db.Transaction(false)
		defer txn.Release()
	}
	var allowed bool
	if err := txn.GetValue(oracleWhitelistKey(oracle), &allowed); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return allowed, nil
}

// CodeVersion returns the hash set by the last executed code-upgrade
// action, or the zero hash when none has run
func (m *Module) CodeVersion() ([32]byte, error) {
	txn := m.db.Transaction(false)
	defer txn.Release()
	var codeHash [32]byte
	if err := txn.GetValue(codeVersionKey(), &codeHash); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return [32]byte{}, nil
		}
		return [32]byte{}, err
	}
	return codeHash, nil
}
