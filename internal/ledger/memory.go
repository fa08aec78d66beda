package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/vault"
)

// MemoryClient is an in-process ledger: the vault state machine plus a token
// balance table, an escrow and the mint entry point. It is the authoritative
// ledger in local mode and in tests, and serializes writes the way a real
// chain does.
type MemoryClient struct {
	mu sync.Mutex

	ledgerID    string
	explorer    string
	vault       *vault.Vault
	shares      vault.ShareRegistry
	balances    map[string]decimal.Decimal
	allowances  map[string]decimal.Decimal
	usedSalts   map[string]bool
	mintFee     decimal.Decimal
}

// MemoryConfig configures an in-process ledger
type MemoryConfig struct {
	LedgerID    string
	ExplorerURL string
	Vault       *vault.Vault
	Shares      vault.ShareRegistry
	// MintFee is the protocol fee deducted by the mint entry point when the
	// attestation does not quote one.
	MintFee decimal.Decimal
}

// NewMemoryClient creates an in-process ledger client
func NewMemoryClient(cfg MemoryConfig) *MemoryClient {
	return &MemoryClient{
		ledgerID:   cfg.LedgerID,
		explorer:   cfg.ExplorerURL,
		vault:      cfg.Vault,
		shares:     cfg.Shares,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]decimal.Decimal),
		usedSalts:  make(map[string]bool),
		mintFee:    cfg.MintFee,
	}
}

func (m *MemoryClient) LedgerID() string { return m.ledgerID }

func (m *MemoryClient) ExplorerURL(txHash string) string {
	if m.explorer == "" || txHash == "" {
		return ""
	}
	return m.explorer + "/tx/" + txHash
}

// Faucet seeds a token balance. Test and local-mode helper; a real chain has
// no equivalent.
func (m *MemoryClient) Faucet(address string, amount decimal.Decimal) {
	m.mu.Lock()
	m.balances[address] = m.balances[address].Add(amount)
	m.mu.Unlock()
}

func txHash() string {
	sum := sha256.Sum256([]byte(uuid.New().String()))
	return fmt.Sprintf("0x%x", sum[:])
}

func (m *MemoryClient) Status(ctx context.Context) (vault.Status, error) {
	return m.vault.Status(), nil
}

func (m *MemoryClient) CanTransfer(ctx context.Context, recipient string, amount decimal.Decimal) (bool, vault.Reason, error) {
	ok, reason := m.vault.CanTransfer(recipient, amount)
	return ok, reason, nil
}

// Transfer spends vault funds via the policy engine and credits the
// recipient's token balance.
func (m *MemoryClient) Transfer(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.vault.Transfer(caller, recipient, amount); err != nil {
		return "", err
	}
	m.balances[recipient] = m.balances[recipient].Add(amount)
	return txHash(), nil
}

// Deposit moves tokens from the caller's balance into the vault
func (m *MemoryClient) Deposit(ctx context.Context, caller string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[caller].LessThan(amount) {
		return "", &vault.PolicyError{Reason: vault.ReasonInsufficientBalance}
	}
	if _, err := m.vault.Deposit(caller, amount); err != nil {
		return "", err
	}
	m.balances[caller] = m.balances[caller].Sub(amount)
	return txHash(), nil
}

func (m *MemoryClient) SetLimits(ctx context.Context, caller string, limits vault.Limits) error {
	return m.vault.SetLimits(caller, limits)
}

func (m *MemoryClient) SetWhitelist(ctx context.Context, caller, recipient string, allowed bool) error {
	return m.vault.SetWhitelist(caller, recipient, allowed)
}

func (m *MemoryClient) SetWhitelistEnabled(ctx context.Context, caller string, enabled bool) error {
	return m.vault.SetWhitelistEnabled(caller, enabled)
}

func (m *MemoryClient) SetPaused(ctx context.Context, caller string, paused bool) error {
	return m.vault.SetPaused(caller, paused)
}

func (m *MemoryClient) SetAgent(ctx context.Context, caller, agent string) error {
	return m.vault.SetAgent(caller, agent)
}

func (m *MemoryClient) TransferOwner(ctx context.Context, caller, newOwner string) error {
	return m.vault.TransferOwner(caller, newOwner)
}

func (m *MemoryClient) EmergencyWithdraw(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.vault.EmergencyWithdraw(caller, recipient, amount); err != nil {
		return "", err
	}
	m.balances[recipient] = m.balances[recipient].Add(amount)
	return txHash(), nil
}

func (m *MemoryClient) Dissolve(ctx context.Context, caller string) error {
	return m.vault.Dissolve(caller)
}

// Finalize pays the dissolution distribution into holder token balances
func (m *MemoryClient) Finalize(ctx context.Context, caller string) ([]vault.Payout, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shares == nil {
		return nil, "", fmt.Errorf("ledger %s has no share registry", m.ledgerID)
	}
	payouts, err := m.vault.Finalize(caller, m.shares)
	if err != nil {
		return nil, "", err
	}
	for _, p := range payouts {
		m.balances[p.Holder] = m.balances[p.Holder].Add(p.Amount)
	}
	return payouts, txHash(), nil
}

func (m *MemoryClient) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

// ApproveEscrow grants the settlement escrow a spending allowance
func (m *MemoryClient) ApproveEscrow(ctx context.Context, owner string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allowances[owner] = amount
	return txHash(), nil
}

// EscrowDeposit locks tokens in the settlement escrow, consuming allowance.
// Escrowed funds leave the caller's balance; the burn happens here.
func (m *MemoryClient) EscrowDeposit(ctx context.Context, owner string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowances[owner].LessThan(amount) {
		return "", fmt.Errorf("escrow allowance too low: %s < %s", m.allowances[owner], amount)
	}
	if m.balances[owner].LessThan(amount) {
		return "", &vault.PolicyError{Reason: vault.ReasonInsufficientBalance}
	}
	m.balances[owner] = m.balances[owner].Sub(amount)
	m.allowances[owner] = m.allowances[owner].Sub(amount)
	return txHash(), nil
}

// Mint credits the recipient with the attested amount net of the protocol
// fee. Idempotent by salt: a consumed salt fails without double-minting.
func (m *MemoryClient) Mint(ctx context.Context, att Attestation, signature string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if signature == "" {
		return "", ErrBadSignature
	}
	if m.usedSalts[att.Salt] {
		return "", ErrSaltConsumed
	}

	fee := att.Fee
	if fee.IsZero() {
		fee = m.mintFee
	}
	net := att.Amount.Sub(fee)
	if !net.IsPositive() {
		return "", fmt.Errorf("attested amount %s does not cover fee %s", att.Amount, fee)
	}

	m.usedSalts[att.Salt] = true
	m.balances[att.Recipient] = m.balances[att.Recipient].Add(net)
	return txHash(), nil
}
