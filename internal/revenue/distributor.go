package revenue

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/equity"
)

var (
	ErrNotOwner      = errors.New("only the owner can distribute revenue")
	ErrNothingToPay  = errors.New("no pending revenue to claim")
	ErrNoShares      = errors.New("share supply is zero")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// accumulatorScale keeps enough precision in the reward-per-share figure
// that truncation loss stays below any claimable unit.
const accumulatorScale = 18

// Distributor accrues revenue to shareholders through a reward-per-share
// accumulator, so a distribution is O(1) instead of O(holders). Each holder
// carries a checkpoint of the accumulator value at their last claim;
// pending revenue is shares * (accumulator - checkpoint).
type Distributor struct {
	mu          sync.Mutex
	shares      *equity.Ledger
	owner       string
	accumulator decimal.Decimal
	checkpoints map[string]decimal.Decimal
	paid        map[string]decimal.Decimal
}

// NewDistributor creates a distributor over the given share ledger
func NewDistributor(shares *equity.Ledger, owner string) *Distributor {
	return &Distributor{
		shares:      shares,
		owner:       owner,
		accumulator: decimal.Zero,
		checkpoints: make(map[string]decimal.Decimal),
		paid:        make(map[string]decimal.Decimal),
	}
}

// Distribute accrues amount to all holders pro rata. Owner-only; funds are
// never pushed, holders claim.
func (d *Distributor) Distribute(caller string, amount decimal.Decimal) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if caller != d.owner {
		return ErrNotOwner
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	supply := d.shares.TotalSupply()
	if !supply.IsPositive() {
		return ErrNoShares
	}
	d.accumulator = d.accumulator.Add(amount.DivRound(supply, accumulatorScale))
	return nil
}

// Pending returns the holder's claimable revenue
func (d *Distributor) Pending(holder string) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending(holder)
}

func (d *Distributor) pending(holder string) decimal.Decimal {
	delta := d.accumulator.Sub(d.checkpoints[holder])
	if !delta.IsPositive() {
		return decimal.Zero
	}
	return d.shares.BalanceOf(holder).Mul(delta).Truncate(8)
}

// Claim pays out the holder's pending revenue and advances their checkpoint.
// A zero-amount claim is an error, not a silent no-op.
func (d *Distributor) Claim(holder string) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	amount := d.pending(holder)
	if !amount.IsPositive() {
		return decimal.Zero, ErrNothingToPay
	}
	d.checkpoints[holder] = d.accumulator
	d.paid[holder] = d.paid[holder].Add(amount)
	return amount, nil
}

// TotalPaid returns the cumulative amount claimed by a holder
func (d *Distributor) TotalPaid(holder string) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paid[holder]
}
