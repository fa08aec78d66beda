package vault

import (
	"github.com/shopspring/decimal"
)

// effectiveSpent returns the daily spend that counts against the limit,
// accounting for a window that has lapsed but not yet been rolled. Callers
// must hold v.mu.
func (v *Vault) effectiveSpent() decimal.Decimal {
	if v.windowStart.IsZero() {
		return decimal.Zero
	}
	if v.now().Sub(v.windowStart) >= window {
		return decimal.Zero
	}
	return v.dailySpent
}

// rollWindow lazily resets the daily counter once 24h have passed since the
// first transfer of the window. Callers must hold v.mu.
func (v *Vault) rollWindow() {
	if v.windowStart.IsZero() {
		return
	}
	if v.now().Sub(v.windowStart) >= window {
		v.dailySpent = decimal.Zero
		v.windowStart = v.now()
	}
}

// checkTransfer evaluates the agent transfer policy without mutating state.
// Callers must hold v.mu.
func (v *Vault) checkTransfer(recipient string, amount decimal.Decimal) (bool, Reason) {
	if !amount.IsPositive() {
		return false, ReasonInvalidAmount
	}
	if v.state != StateActive {
		return false, ReasonWrongState
	}
	if v.paused {
		return false, ReasonPaused
	}
	if v.whitelistEnabled && !v.whitelist[recipient] {
		return false, ReasonNotWhitelisted
	}
	if amount.GreaterThan(v.limits.MaxPerTx) {
		return false, ReasonExceedsMaxPerTx
	}
	if v.effectiveSpent().Add(amount).GreaterThan(v.limits.DailyLimit) {
		return false, ReasonExceedsDailyLimit
	}
	if amount.GreaterThan(v.balance) {
		return false, ReasonInsufficientBalance
	}
	return true, ""
}

// CanTransfer previews the transfer policy. Side-effect free: the daily
// window is evaluated, never rolled.
func (v *Vault) CanTransfer(recipient string, amount decimal.Decimal) (bool, Reason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkTransfer(recipient, amount)
}

// Transfer spends vault funds as the agent. The daily window and balance are
// mutated atomically; any policy failure returns a PolicyError with no state
// change.
func (v *Vault) Transfer(caller, recipient string, amount decimal.Decimal) (Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpTransfer); err != nil {
		return Record{}, err
	}
	if ok, reason := v.checkTransfer(recipient, amount); !ok {
		return Record{}, &PolicyError{Reason: reason}
	}

	v.rollWindow()
	if v.windowStart.IsZero() {
		v.windowStart = v.now()
	}
	v.dailySpent = v.dailySpent.Add(amount)
	v.balance = v.balance.Sub(amount)

	return v.record(OpTransfer, caller, recipient, amount), nil
}

// Deposit adds funds. Callable by anyone; no limit applies.
func (v *Vault) Deposit(caller string, amount decimal.Decimal) (Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !amount.IsPositive() {
		return Record{}, &PolicyError{Reason: ReasonInvalidAmount}
	}
	if v.state == StateDissolved {
		return Record{}, &PolicyError{Reason: ReasonWrongState}
	}
	v.balance = v.balance.Add(amount)
	return v.record("deposit", caller, "", amount), nil
}

// SetLimits replaces the agent spending limits
func (v *Vault) SetLimits(caller string, limits Limits) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpSetLimits); err != nil {
		return err
	}
	if limits.MaxPerTx.IsNegative() || limits.DailyLimit.IsNegative() {
		return &PolicyError{Reason: ReasonInvalidAmount}
	}
	v.limits = limits
	return nil
}

// SetWhitelist adds or removes a recipient from the whitelist
func (v *Vault) SetWhitelist(caller, recipient string, allowed bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpSetWhitelist); err != nil {
		return err
	}
	if allowed {
		v.whitelist[recipient] = true
	} else {
		delete(v.whitelist, recipient)
	}
	return nil
}

// SetWhitelistEnabled toggles whitelist enforcement
func (v *Vault) SetWhitelistEnabled(caller string, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpSetWhitelist); err != nil {
		return err
	}
	v.whitelistEnabled = enabled
	return nil
}

// SetPaused pauses or resumes agent transfers
func (v *Vault) SetPaused(caller string, paused bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpSetPaused); err != nil {
		return err
	}
	v.paused = paused
	return nil
}

// SetAgent replaces the agent address
func (v *Vault) SetAgent(caller, agent string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpSetAgent); err != nil {
		return err
	}
	v.agent = agent
	return nil
}

// TransferOwner hands ownership to a new address. Reachable by the owner
// directly or by the governor through an executed proposal; this is the only
// privilege-escalation path.
func (v *Vault) TransferOwner(caller, newOwner string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpTransferOwner); err != nil {
		return err
	}
	if newOwner == "" {
		return &PolicyError{Reason: ReasonInvalidAmount}
	}
	v.owner = newOwner
	return nil
}

// EmergencyWithdraw moves funds out as the owner, bypassing agent limits.
// Remains available in the dissolving state for liquidation.
func (v *Vault) EmergencyWithdraw(caller, recipient string, amount decimal.Decimal) (Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpEmergencyWithdraw); err != nil {
		return Record{}, err
	}
	if !amount.IsPositive() {
		return Record{}, &PolicyError{Reason: ReasonInvalidAmount}
	}
	if v.state == StateDissolved {
		return Record{}, &PolicyError{Reason: ReasonWrongState}
	}
	if amount.GreaterThan(v.balance) {
		return Record{}, &PolicyError{Reason: ReasonInsufficientBalance}
	}
	v.balance = v.balance.Sub(amount)
	return v.record(OpEmergencyWithdraw, caller, recipient, amount), nil
}

// Dissolve transitions Active -> Dissolving. Only the governor reaches this,
// via an executed governance proposal. Agent transfers stop immediately;
// owner withdrawals stay open for liquidation.
func (v *Vault) Dissolve(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpDissolve); err != nil {
		return err
	}
	if v.state != StateActive {
		return &PolicyError{Reason: ReasonWrongState}
	}
	v.state = StateDissolving
	return nil
}

// Finalize pays out the entire balance pro rata over the share registry,
// transitions to Dissolved and freezes the registry. Callable exactly once,
// and only while dissolving.
func (v *Vault) Finalize(caller string, shares ShareRegistry) ([]Payout, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, OpFinalize); err != nil {
		return nil, err
	}
	if v.state == StateDissolved {
		return nil, ErrAlreadyFinalized
	}
	if v.state != StateDissolving {
		return nil, ErrNotDissolving
	}

	supply := shares.TotalSupply()
	pool := v.balance
	var payouts []Payout
	if supply.IsPositive() && pool.IsPositive() {
		for _, holder := range shares.Holders() {
			held := shares.BalanceOf(holder)
			if !held.IsPositive() {
				continue
			}
			// Truncate so the total disbursed never exceeds the pool.
			amount := pool.Mul(held).DivRound(supply, 18).Truncate(8)
			if amount.IsPositive() {
				payouts = append(payouts, Payout{Holder: holder, Amount: amount})
			}
		}
	}

	v.balance = decimal.Zero
	v.state = StateDissolved
	shares.Freeze()
	v.record(OpFinalize, caller, "", pool)
	return payouts, nil
}

// Status reports the externally visible state, including the remaining
// daily allowance after lazy window evaluation.
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	spent := v.effectiveSpent()
	remaining := v.limits.DailyLimit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Status{
		LedgerID:         v.ledgerID,
		Balance:          v.balance,
		MaxPerTx:         v.limits.MaxPerTx,
		DailyLimit:       v.limits.DailyLimit,
		DailySpent:       spent,
		RemainingToday:   remaining,
		WhitelistEnabled: v.whitelistEnabled,
		Paused:           v.paused,
		Agent:            v.agent,
		Owner:            v.owner,
		Governor:         v.governor,
		State:            v.state.String(),
	}
}

// Balance returns the current spendable balance
func (v *Vault) Balance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

// State returns the current lifecycle state
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}
