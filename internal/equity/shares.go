package equity

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrFrozen            = errors.New("share ledger is frozen")
	ErrInsufficientShare = errors.New("insufficient share balance")
	ErrUnknownHolder     = errors.New("unknown holder")
)

// Ledger is an in-process equity-share ledger: balances, snapshot voting
// weight and a freeze switch thrown at dissolution. Snapshot semantics are
// deliberately simple: weight is the balance at snapshot time, captured when
// a proposal opens.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	supply    decimal.Decimal
	frozen    bool
	snapshots map[uint64]map[string]decimal.Decimal
	nextSnap  uint64
}

// NewLedger creates a share ledger from an initial allocation
func NewLedger(allocation map[string]decimal.Decimal) *Ledger {
	l := &Ledger{
		balances:  make(map[string]decimal.Decimal, len(allocation)),
		snapshots: make(map[uint64]map[string]decimal.Decimal),
		nextSnap:  1,
	}
	for holder, shares := range allocation {
		if shares.IsPositive() {
			l.balances[holder] = shares
			l.supply = l.supply.Add(shares)
		}
	}
	return l
}

// BalanceOf returns a holder's current share balance
func (l *Ledger) BalanceOf(holder string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[holder]
}

// TotalSupply returns the fixed total share supply
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Holders returns all holders with a positive balance, in stable order
func (l *Ledger) Holders() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	holders := make([]string, 0, len(l.balances))
	for holder, shares := range l.balances {
		if shares.IsPositive() {
			holders = append(holders, holder)
		}
	}
	sort.Strings(holders)
	return holders
}

// Transfer moves shares between holders. Rejected once the ledger is frozen.
func (l *Ledger) Transfer(from, to string, shares decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return ErrFrozen
	}
	if !shares.IsPositive() {
		return ErrInsufficientShare
	}
	if l.balances[from].LessThan(shares) {
		return ErrInsufficientShare
	}
	l.balances[from] = l.balances[from].Sub(shares)
	l.balances[to] = l.balances[to].Add(shares)
	return nil
}

// Snapshot captures current balances and returns a snapshot id for later
// GetVotes queries
func (l *Ledger) Snapshot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := make(map[string]decimal.Decimal, len(l.balances))
	for holder, shares := range l.balances {
		snap[holder] = shares
	}
	id := l.nextSnap
	l.nextSnap++
	l.snapshots[id] = snap
	return id
}

// GetVotes returns a holder's voting weight at the given snapshot
func (l *Ledger) GetVotes(holder string, snapshot uint64) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap, ok := l.snapshots[snapshot]
	if !ok {
		return decimal.Zero
	}
	return snap[holder]
}

// Freeze permanently stops share transfers. Called at dissolution.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Frozen reports whether the ledger has been frozen
func (l *Ledger) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}
