package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/equity"
	"github.com/terminal-bench/vaultbridge/pkg/messaging"
)

// ProposalState follows the standard governor lifecycle
type ProposalState int

const (
	StatePending ProposalState = iota
	StateActive
	StateCanceled
	StateDefeated
	StateSucceeded
	StateQueued
	StateExpired
	StateExecuted
)

func (s ProposalState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCanceled:
		return "canceled"
	case StateDefeated:
		return "defeated"
	case StateSucceeded:
		return "succeeded"
	case StateQueued:
		return "queued"
	case StateExpired:
		return "expired"
	case StateExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// Action is one of the two administrative actions governance may execute
type Action string

const (
	ActionSetOwner Action = "set_owner"
	ActionDissolve Action = "dissolve"
)

// Support is a vote direction
type Support int

const (
	Against Support = iota
	For
	Abstain
)

var (
	ErrNotActivated      = errors.New("governance not activated: unlinked equity holders remain")
	ErrUnknownProposal   = errors.New("unknown proposal")
	ErrVotingNotActive   = errors.New("proposal is not in its voting period")
	ErrAlreadyVoted      = errors.New("voter has already cast a vote")
	ErrNoVotingWeight    = errors.New("voter has no weight at the proposal snapshot")
	ErrNotSucceeded      = errors.New("proposal has not succeeded")
	ErrContentMismatch   = errors.New("execution payload does not match the proposed content")
	ErrUnsupportedAction = errors.New("unsupported proposal action")
	ErrNotProposer       = errors.New("only the proposer can cancel")
)

// IsViolation reports whether err is an expected governance rejection rather
// than an infrastructure failure
func IsViolation(err error) bool {
	for _, sentinel := range []error{
		ErrNotActivated, ErrUnknownProposal, ErrVotingNotActive,
		ErrAlreadyVoted, ErrNoVotingWeight, ErrNotSucceeded,
		ErrContentMismatch, ErrUnsupportedAction, ErrNotProposer,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Vote records one holder's cast vote
type Vote struct {
	Voter   string          `json:"voter"`
	Support Support         `json:"support"`
	Weight  decimal.Decimal `json:"weight"`
	CastAt  time.Time       `json:"cast_at"`
}

// Tally is the running off-ledger vote count, kept for fast display. The
// share-ledger snapshot stays authoritative for pass/fail.
type Tally struct {
	For     decimal.Decimal `json:"for"`
	Against decimal.Decimal `json:"against"`
	Abstain decimal.Decimal `json:"abstain"`
}

// Proposal is one governance proposal
type Proposal struct {
	ID           uuid.UUID     `json:"id"`
	Action       Action        `json:"action"`
	Payload      string        `json:"payload"`
	Description  string        `json:"description"`
	ContentHash  string        `json:"content_hash"`
	Proposer     string        `json:"proposer"`
	CreatedAt    time.Time     `json:"created_at"`
	VotingDelay  time.Duration `json:"voting_delay"`
	VotingPeriod time.Duration `json:"voting_period"`
	Snapshot     uint64        `json:"snapshot"`
	Supply       decimal.Decimal `json:"snapshot_supply"`
	Tally        Tally         `json:"tally"`

	votes    map[string]Vote
	executed bool
	canceled bool
}

// Executor applies an approved action against the home ledger's vault as the
// governor. It is the only path to an owner change or dissolution that does
// not use the raw owner key.
type Executor interface {
	TransferOwner(ctx context.Context, newOwner string) error
	Dissolve(ctx context.Context) error
}

// IdentityGate answers whether an address has linked an external identity
type IdentityGate interface {
	IsLinked(ctx context.Context, address string) (bool, error)
}

// Config holds the governance parameters
type Config struct {
	VotingDelay    time.Duration
	VotingPeriod   time.Duration
	QuorumFraction decimal.Decimal
	Now            func() time.Time
}

// Controller runs the proposal/vote/execute workflow gating privileged vault
// transitions
type Controller struct {
	mu sync.Mutex

	shares   *equity.Ledger
	identity IdentityGate
	executor Executor
	events   messaging.Publisher

	votingDelay    time.Duration
	votingPeriod   time.Duration
	quorumFraction decimal.Decimal
	now            func() time.Time

	proposals map[uuid.UUID]*Proposal
}

// NewController creates a governance controller
func NewController(shares *equity.Ledger, identity IdentityGate, executor Executor, events messaging.Publisher, cfg Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if events == nil {
		events = messaging.NopPublisher{}
	}
	quorum := cfg.QuorumFraction
	if !quorum.IsPositive() {
		quorum = decimal.NewFromFloat(0.25)
	}
	return &Controller{
		shares:         shares,
		identity:       identity,
		executor:       executor,
		events:         events,
		votingDelay:    cfg.VotingDelay,
		votingPeriod:   cfg.VotingPeriod,
		quorumFraction: quorum,
		now:            now,
		proposals:      make(map[uuid.UUID]*Proposal),
	}
}

// ContentHash binds (action, payload, description) at proposal time. Execute
// replays exactly this content or is refused.
func ContentHash(action Action, payload, description string) string {
	sum := sha256.Sum256([]byte(string(action) + "\x00" + payload + "\x00" + description))
	return hex.EncodeToString(sum[:])
}

// Propose opens a proposal. Refused until every equity holder has linked an
// identity (the governance-activation gate).
func (c *Controller) Propose(ctx context.Context, proposer string, action Action, payload, description string) (*Proposal, error) {
	switch action {
	case ActionSetOwner:
		if payload == "" {
			return nil, fmt.Errorf("%w: set_owner requires a new owner address", ErrUnsupportedAction)
		}
	case ActionDissolve:
	default:
		return nil, ErrUnsupportedAction
	}

	for _, holder := range c.shares.Holders() {
		linked, err := c.identity.IsLinked(ctx, holder)
		if err != nil {
			return nil, fmt.Errorf("identity lookup for %s: %w", holder, err)
		}
		if !linked {
			return nil, ErrNotActivated
		}
	}

	c.mu.Lock()
	p := &Proposal{
		ID:           uuid.New(),
		Action:       action,
		Payload:      payload,
		Description:  description,
		ContentHash:  ContentHash(action, payload, description),
		Proposer:     proposer,
		CreatedAt:    c.now(),
		VotingDelay:  c.votingDelay,
		VotingPeriod: c.votingPeriod,
		Snapshot:     c.shares.Snapshot(),
		Supply:       c.shares.TotalSupply(),
		votes:        make(map[string]Vote),
	}
	c.proposals[p.ID] = p
	event := c.eventFor(p, proposer)
	c.mu.Unlock()

	c.publish(ctx, messaging.EventProposalCreated, event)
	return p, nil
}

// state computes the authoritative proposal state. Callers must hold c.mu.
func (c *Controller) state(p *Proposal) ProposalState {
	if p.executed {
		return StateExecuted
	}
	if p.canceled {
		return StateCanceled
	}
	now := c.now()
	votingStart := p.CreatedAt.Add(p.VotingDelay)
	votingEnd := votingStart.Add(p.VotingPeriod)
	if now.Before(votingStart) {
		return StatePending
	}
	if now.Before(votingEnd) {
		return StateActive
	}
	quorum := p.Supply.Mul(c.quorumFraction)
	participation := p.Tally.For.Add(p.Tally.Against).Add(p.Tally.Abstain)
	if participation.LessThan(quorum) {
		return StateDefeated
	}
	if p.Tally.For.GreaterThan(p.Tally.Against) {
		return StateSucceeded
	}
	return StateDefeated
}

// State returns the current state of a proposal
func (c *Controller) State(id uuid.UUID) (ProposalState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return 0, ErrUnknownProposal
	}
	return c.state(p), nil
}

// Get returns a copy of a proposal with its current tally
func (c *Controller) Get(id uuid.UUID) (*Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return nil, ErrUnknownProposal
	}
	cp := *p
	cp.votes = nil
	return &cp, nil
}

// List returns all proposals, newest first
func (c *Controller) List() []*Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Proposal, 0, len(c.proposals))
	for _, p := range c.proposals {
		cp := *p
		cp.votes = nil
		out = append(out, &cp)
	}
	return out
}

// Vote casts a vote with the voter's snapshot weight. One vote per voter per
// proposal; a second vote is rejected with no state change.
func (c *Controller) Vote(ctx context.Context, id uuid.UUID, voter string, support Support) (Vote, error) {
	vote, event, err := c.castVote(id, voter, support)
	if err != nil {
		return Vote{}, err
	}
	c.publish(ctx, messaging.EventVoteCast, event)
	return vote, nil
}

func (c *Controller) castVote(id uuid.UUID, voter string, support Support) (Vote, messaging.GovernanceEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return Vote{}, messaging.GovernanceEvent{}, ErrUnknownProposal
	}
	if c.state(p) != StateActive {
		return Vote{}, messaging.GovernanceEvent{}, ErrVotingNotActive
	}
	if _, voted := p.votes[voter]; voted {
		return Vote{}, messaging.GovernanceEvent{}, ErrAlreadyVoted
	}

	weight := c.shares.GetVotes(voter, p.Snapshot)
	if !weight.IsPositive() {
		return Vote{}, messaging.GovernanceEvent{}, ErrNoVotingWeight
	}

	vote := Vote{Voter: voter, Support: support, Weight: weight, CastAt: c.now()}
	p.votes[voter] = vote
	switch support {
	case For:
		p.Tally.For = p.Tally.For.Add(weight)
	case Against:
		p.Tally.Against = p.Tally.Against.Add(weight)
	case Abstain:
		p.Tally.Abstain = p.Tally.Abstain.Add(weight)
	}

	return vote, c.eventFor(p, voter), nil
}

// Cancel withdraws a proposal before execution
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return ErrUnknownProposal
	}
	if caller != p.Proposer {
		return ErrNotProposer
	}
	switch c.state(p) {
	case StateExecuted, StateCanceled:
		return ErrVotingNotActive
	}
	p.canceled = true
	return nil
}

// Execute applies a succeeded proposal. The caller replays the exact
// (action, payload, description hash) from proposal time; any mismatch is
// refused.
func (c *Controller) Execute(ctx context.Context, id uuid.UUID, action Action, payload, description string) error {
	c.mu.Lock()
	p, ok := c.proposals[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownProposal
	}
	if c.state(p) != StateSucceeded {
		c.mu.Unlock()
		return ErrNotSucceeded
	}
	if ContentHash(action, payload, description) != p.ContentHash {
		c.mu.Unlock()
		return ErrContentMismatch
	}
	c.mu.Unlock()

	// Executor calls are ledger round trips; run them outside the lock.
	var err error
	switch p.Action {
	case ActionSetOwner:
		err = c.executor.TransferOwner(ctx, p.Payload)
	case ActionDissolve:
		err = c.executor.Dissolve(ctx)
	default:
		err = ErrUnsupportedAction
	}
	if err != nil {
		return fmt.Errorf("failed to execute proposal %s: %w", p.ID, err)
	}

	c.mu.Lock()
	p.executed = true
	event := c.eventFor(p, "")
	c.mu.Unlock()

	c.publish(ctx, messaging.EventProposalExecuted, event)
	return nil
}

// eventFor snapshots the event fields. Callers must hold c.mu; the returned
// value is safe to publish after the lock is released.
func (c *Controller) eventFor(p *Proposal, actor string) messaging.GovernanceEvent {
	return messaging.GovernanceEvent{
		EventID:    uuid.New(),
		ProposalID: p.ID,
		Action:     string(p.Action),
		Actor:      actor,
		State:      c.state(p).String(),
		Timestamp:  time.Now(),
	}
}

// publish is NATS I/O; never call it with c.mu held
func (c *Controller) publish(ctx context.Context, subject string, event messaging.GovernanceEvent) {
	if err := c.events.Publish(ctx, subject, event); err != nil {
		log.Printf("governance: publish %s: %v", subject, err)
	}
}
