package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/vault"
	"github.com/terminal-bench/vaultbridge/pkg/circuit"
)

// RPCClient talks to a vault contract through a chain node's JSON endpoint.
// All calls go through a circuit breaker; a policy rejection reported by the
// contract is surfaced as a vault.PolicyError, everything else as an
// infrastructure error.
type RPCClient struct {
	ledgerID string
	baseURL  string
	explorer string
	http     *http.Client
	breaker  *circuit.Breaker
}

// RPCConfig configures a remote ledger client
type RPCConfig struct {
	LedgerID    string
	BaseURL     string
	ExplorerURL string
	Timeout     time.Duration
}

// NewRPCClient creates a remote ledger client
func NewRPCClient(cfg RPCConfig) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		ledgerID: cfg.LedgerID,
		baseURL:  cfg.BaseURL,
		explorer: cfg.ExplorerURL,
		http:     &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "ledger:" + cfg.LedgerID,
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}),
	}
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
	// Reason is set when the contract refused the call on policy grounds
	Reason string `json:"reason,omitempty"`
}

func (c *RPCClient) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("ledger %s rpc: %w", c.ledgerID, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ledger %s rpc: unexpected status %d", c.ledgerID, resp.StatusCode)
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return fmt.Errorf("ledger %s rpc: decode response: %w", c.ledgerID, err)
		}
		if rpcResp.Error != nil {
			if rpcResp.Error.Reason != "" {
				return &vault.PolicyError{Reason: vault.Reason(rpcResp.Error.Reason)}
			}
			return fmt.Errorf("ledger %s rpc: %s", c.ledgerID, rpcResp.Error.Message)
		}
		if out != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return fmt.Errorf("ledger %s rpc: decode result: %w", c.ledgerID, err)
			}
		}
		return nil
	})
}

type txReceipt struct {
	TxHash string `json:"tx_hash"`
}

type transferArgs struct {
	Caller    string          `json:"caller,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

func (c *RPCClient) LedgerID() string { return c.ledgerID }

func (c *RPCClient) ExplorerURL(txHash string) string {
	if c.explorer == "" || txHash == "" {
		return ""
	}
	return c.explorer + "/tx/" + txHash
}

func (c *RPCClient) Status(ctx context.Context) (vault.Status, error) {
	var status vault.Status
	err := c.call(ctx, "vault_status", nil, &status)
	return status, err
}

func (c *RPCClient) CanTransfer(ctx context.Context, recipient string, amount decimal.Decimal) (bool, vault.Reason, error) {
	var out struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason,omitempty"`
	}
	err := c.call(ctx, "vault_canTransfer", transferArgs{Recipient: recipient, Amount: amount}, &out)
	if err != nil {
		return false, "", err
	}
	return out.OK, vault.Reason(out.Reason), nil
}

func (c *RPCClient) Transfer(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error) {
	var receipt txReceipt
	err := c.call(ctx, "vault_transfer", transferArgs{Caller: caller, Recipient: recipient, Amount: amount}, &receipt)
	return receipt.TxHash, err
}

func (c *RPCClient) Deposit(ctx context.Context, caller string, amount decimal.Decimal) (string, error) {
	var receipt txReceipt
	err := c.call(ctx, "vault_deposit", transferArgs{Caller: caller, Amount: amount}, &receipt)
	return receipt.TxHash, err
}

func (c *RPCClient) SetLimits(ctx context.Context, caller string, limits vault.Limits) error {
	params := struct {
		Caller string       `json:"caller"`
		Limits vault.Limits `json:"limits"`
	}{caller, limits}
	return c.call(ctx, "vault_setLimits", params, nil)
}

func (c *RPCClient) SetWhitelist(ctx context.Context, caller, recipient string, allowed bool) error {
	params := struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
		Allowed   bool   `json:"allowed"`
	}{caller, recipient, allowed}
	return c.call(ctx, "vault_setWhitelist", params, nil)
}

func (c *RPCClient) SetWhitelistEnabled(ctx context.Context, caller string, enabled bool) error {
	params := struct {
		Caller  string `json:"caller"`
		Enabled bool   `json:"enabled"`
	}{caller, enabled}
	return c.call(ctx, "vault_setWhitelistEnabled", params, nil)
}

func (c *RPCClient) SetPaused(ctx context.Context, caller string, paused bool) error {
	params := struct {
		Caller string `json:"caller"`
		Paused bool   `json:"paused"`
	}{caller, paused}
	return c.call(ctx, "vault_setPaused", params, nil)
}

func (c *RPCClient) SetAgent(ctx context.Context, caller, agent string) error {
	params := struct {
		Caller string `json:"caller"`
		Agent  string `json:"agent"`
	}{caller, agent}
	return c.call(ctx, "vault_setAgent", params, nil)
}

func (c *RPCClient) TransferOwner(ctx context.Context, caller, newOwner string) error {
	params := struct {
		Caller   string `json:"caller"`
		NewOwner string `json:"new_owner"`
	}{caller, newOwner}
	return c.call(ctx, "vault_transferOwner", params, nil)
}

func (c *RPCClient) EmergencyWithdraw(ctx context.Context, caller, recipient string, amount decimal.Decimal) (string, error) {
	var receipt txReceipt
	err := c.call(ctx, "vault_emergencyWithdraw", transferArgs{Caller: caller, Recipient: recipient, Amount: amount}, &receipt)
	return receipt.TxHash, err
}

func (c *RPCClient) Dissolve(ctx context.Context, caller string) error {
	params := struct {
		Caller string `json:"caller"`
	}{caller}
	return c.call(ctx, "vault_dissolve", params, nil)
}

func (c *RPCClient) Finalize(ctx context.Context, caller string) ([]vault.Payout, string, error) {
	var out struct {
		Payouts []vault.Payout `json:"payouts"`
		TxHash  string         `json:"tx_hash"`
	}
	params := struct {
		Caller string `json:"caller"`
	}{caller}
	err := c.call(ctx, "vault_finalize", params, &out)
	return out.Payouts, out.TxHash, err
}

func (c *RPCClient) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	params := struct {
		Address string `json:"address"`
	}{address}
	err := c.call(ctx, "token_balanceOf", params, &out)
	return out.Balance, err
}

func (c *RPCClient) ApproveEscrow(ctx context.Context, owner string, amount decimal.Decimal) (string, error) {
	var receipt txReceipt
	err := c.call(ctx, "token_approveEscrow", transferArgs{Caller: owner, Amount: amount}, &receipt)
	return receipt.TxHash, err
}

func (c *RPCClient) EscrowDeposit(ctx context.Context, owner string, amount decimal.Decimal) (string, error) {
	var receipt txReceipt
	err := c.call(ctx, "escrow_deposit", transferArgs{Caller: owner, Amount: amount}, &receipt)
	return receipt.TxHash, err
}

func (c *RPCClient) Mint(ctx context.Context, att Attestation, signature string) (string, error) {
	var receipt txReceipt
	params := struct {
		Attestation Attestation `json:"attestation"`
		Signature   string      `json:"signature"`
	}{att, signature}
	err := c.call(ctx, "bridge_mint", params, &receipt)
	return receipt.TxHash, err
}
