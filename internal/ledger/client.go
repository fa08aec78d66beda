package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/vault"
)

var (
	ErrUnknownLedger = errors.New("unknown ledger")
	ErrSaltConsumed  = errors.New("burn salt already consumed")
	ErrBadSignature  = errors.New("attestation signature rejected")
)

// Attestation is the settlement service's signed proof that a burn is valid
// and ready to be minted on the destination ledger. Salt is the burn
// intent's globally unique nonce; the destination mint consumes each salt at
// most once.
type Attestation struct {
	TransferID   string          `json:"transfer_id"`
	Salt         string          `json:"salt"`
	SourceLedger string          `json:"source_ledger"`
	DestLedger   string          `json:"dest_ledger"`
	Recipient    string          `json:"recipient"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
}

// Net returns the amount actually credited after the protocol fee
func (a Attestation) Net() decimal.Decimal {
	return a.Amount.Sub(a.Fee)
}

// Client is per-chain access to a deployed vault contract, its token and
// the settlement entry points. The ledger behind it is authoritative; every
// mutation is a blocking round trip.
type Client interface {
	LedgerID() string
	ExplorerURL(txHash string) string

	// Vault contract
	Status(ctx context.Context) (vault.Status, error)
	CanTransfer(ctx context.Context, recipient string, amount decimal.Decimal) (bool, vault.Reason, error)
	Transfer(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error)
	Deposit(ctx context.Context, caller string, amount decimal.Decimal) (string, error)
	SetLimits(ctx context.Context, caller string, limits vault.Limits) error
	SetWhitelist(ctx context.Context, caller, recipient string, allowed bool) error
	SetWhitelistEnabled(ctx context.Context, caller string, enabled bool) error
	SetPaused(ctx context.Context, caller string, paused bool) error
	SetAgent(ctx context.Context, caller, agent string) error
	TransferOwner(ctx context.Context, caller, newOwner string) error
	EmergencyWithdraw(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error)
	Dissolve(ctx context.Context, caller string) error
	Finalize(ctx context.Context, caller string) ([]vault.Payout, string, error)

	// Token and settlement entry points
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)
	ApproveEscrow(ctx context.Context, owner string, amount decimal.Decimal) (string, error)
	EscrowDeposit(ctx context.Context, owner string, amount decimal.Decimal) (string, error)
	Mint(ctx context.Context, att Attestation, signature string) (string, error)
}
