package vault

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State represents the vault lifecycle state
type State int

const (
	StateActive State = iota
	StateDissolving
	StateDissolved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDissolving:
		return "dissolving"
	case StateDissolved:
		return "dissolved"
	default:
		return "unknown"
	}
}

// Reason is a typed rejection reason for a refused transfer
type Reason string

const (
	ReasonExceedsMaxPerTx     Reason = "exceeds per-transaction limit"
	ReasonExceedsDailyLimit   Reason = "exceeds daily limit"
	ReasonNotWhitelisted      Reason = "recipient not whitelisted"
	ReasonPaused              Reason = "vault is paused"
	ReasonInsufficientBalance Reason = "insufficient balance"
	ReasonWrongState          Reason = "vault is not active"
	ReasonInvalidAmount       Reason = "amount must be positive"
	ReasonNotAuthorized       Reason = "caller not authorized"
)

// PolicyError is returned when a transfer or privileged call violates policy.
// It is caller-recoverable and never auto-retried.
type PolicyError struct {
	Reason Reason
}

func (e *PolicyError) Error() string {
	return string(e.Reason)
}

// AsPolicyError unwraps a PolicyError from err if present
func AsPolicyError(err error) (*PolicyError, bool) {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

var (
	ErrAlreadyFinalized = errors.New("vault already finalized")
	ErrNotDissolving    = errors.New("finalize requires dissolving state")
)

// Role identifies the privilege level of a caller
type Role int

const (
	RoleNone Role = iota
	RoleAgent
	RoleOwner
	RoleGovernor
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleOwner:
		return "owner"
	case RoleGovernor:
		return "governor"
	default:
		return "none"
	}
}

// Op is a privileged vault operation
type Op string

const (
	OpTransfer           Op = "transfer"
	OpSetLimits          Op = "set_limits"
	OpSetWhitelist       Op = "set_whitelist"
	OpSetPaused          Op = "set_paused"
	OpSetAgent           Op = "set_agent"
	OpTransferOwner      Op = "transfer_owner"
	OpEmergencyWithdraw  Op = "emergency_withdraw"
	OpDissolve           Op = "dissolve"
	OpFinalize           Op = "finalize"
)

// capabilities maps each role to the operations it may perform. Every
// privileged entry point resolves the caller's role and consults this table;
// there are no ad-hoc caller checks elsewhere.
var capabilities = map[Role]map[Op]bool{
	RoleAgent: {
		OpTransfer: true,
	},
	RoleOwner: {
		OpSetLimits:         true,
		OpSetWhitelist:      true,
		OpSetPaused:         true,
		OpSetAgent:          true,
		OpTransferOwner:     true,
		OpEmergencyWithdraw: true,
	},
	RoleGovernor: {
		OpTransferOwner: true,
		OpDissolve:      true,
		OpFinalize:      true,
	},
}

// window is the rolling daily-limit period, anchored at the first transfer
// of the current window rather than a calendar day.
const window = 24 * time.Hour

// Limits holds the agent spending limits
type Limits struct {
	MaxPerTx   decimal.Decimal `json:"max_per_tx"`
	DailyLimit decimal.Decimal `json:"daily_limit"`
}

// Status is the externally visible vault state
type Status struct {
	LedgerID         string          `json:"ledger_id"`
	Balance          decimal.Decimal `json:"balance"`
	MaxPerTx         decimal.Decimal `json:"max_per_tx"`
	DailyLimit       decimal.Decimal `json:"daily_limit"`
	DailySpent       decimal.Decimal `json:"daily_spent"`
	RemainingToday   decimal.Decimal `json:"remaining_today"`
	WhitelistEnabled bool            `json:"whitelist_enabled"`
	Paused           bool            `json:"paused"`
	Agent            string          `json:"agent"`
	Owner            string          `json:"owner"`
	Governor         string          `json:"governor,omitempty"`
	State            string          `json:"state"`
}

// Record is the auditable outcome of a successful balance mutation
type Record struct {
	LedgerID  string          `json:"ledger_id"`
	Op        Op              `json:"op"`
	Caller    string          `json:"caller"`
	Recipient string          `json:"recipient,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Timestamp time.Time       `json:"timestamp"`
}

// Payout is one holder's share of a dissolution distribution
type Payout struct {
	Holder string          `json:"holder"`
	Amount decimal.Decimal `json:"amount"`
}

// ShareRegistry is the equity ledger view needed for dissolution payouts
type ShareRegistry interface {
	Holders() []string
	BalanceOf(holder string) decimal.Decimal
	TotalSupply() decimal.Decimal
	Freeze()
}

// Config fixes the vault's identity at creation time
type Config struct {
	LedgerID string
	Owner    string
	Agent    string
	Governor string
	Limits   Limits
	Now      func() time.Time
}

// Vault is the policy-enforcing treasury state machine for one ledger.
// The balance field is the sole source of truth for spendable funds.
type Vault struct {
	mu sync.Mutex

	ledgerID string
	balance  decimal.Decimal
	limits   Limits

	dailySpent  decimal.Decimal
	windowStart time.Time

	whitelistEnabled bool
	whitelist        map[string]bool
	paused           bool

	agent    string
	owner    string
	governor string
	state    State

	now      func() time.Time
	onRecord func(Record)
}

// New creates a vault with a zero balance and a fixed owner and agent
func New(cfg Config) *Vault {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Vault{
		ledgerID:  cfg.LedgerID,
		balance:   decimal.Zero,
		limits:    cfg.Limits,
		whitelist: make(map[string]bool),
		agent:     cfg.Agent,
		owner:     cfg.Owner,
		governor:  cfg.Governor,
		state:     StateActive,
		now:       now,
	}
}

// OnRecord registers a callback invoked after every successful mutation
func (v *Vault) OnRecord(fn func(Record)) {
	v.mu.Lock()
	v.onRecord = fn
	v.mu.Unlock()
}

// rolesOf resolves every role a caller address holds. One address may hold
// several roles on small deployments; its capabilities are the union.
func (v *Vault) rolesOf(caller string) []Role {
	if caller == "" {
		return nil
	}
	var roles []Role
	if caller == v.owner {
		roles = append(roles, RoleOwner)
	}
	if caller == v.governor {
		roles = append(roles, RoleGovernor)
	}
	if caller == v.agent {
		roles = append(roles, RoleAgent)
	}
	return roles
}

// authorize is the single privilege check used by every entry point
func (v *Vault) authorize(caller string, op Op) error {
	for _, role := range v.rolesOf(caller) {
		if capabilities[role][op] {
			return nil
		}
	}
	return &PolicyError{Reason: ReasonNotAuthorized}
}

func (v *Vault) emit(r Record) {
	if v.onRecord != nil {
		v.onRecord(r)
	}
}

func (v *Vault) record(op Op, caller, recipient string, amount decimal.Decimal) Record {
	r := Record{
		LedgerID:  v.ledgerID,
		Op:        op,
		Caller:    caller,
		Recipient: recipient,
		Amount:    amount,
		Balance:   v.balance,
		Timestamp: v.now(),
	}
	v.emit(r)
	return r
}
