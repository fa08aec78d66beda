package treasury

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/governance"
)

// Request is the closed set of operations the automated actor can ask for.
// Free-form instructions are mapped onto these variants upstream; the policy
// engine, not the caller, is the enforcement boundary, so nothing here is an
// open-ended command.
type Request interface {
	isRequest()
}

// TransferRequest spends vault funds as the agent
type TransferRequest struct {
	LedgerID  string          `json:"ledger_id"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// DepositRequest adds funds to a vault
type DepositRequest struct {
	LedgerID  string          `json:"ledger_id"`
	Depositor string          `json:"depositor"`
	Amount    decimal.Decimal `json:"amount"`
}

// SettleRequest moves value between two vaults via the settlement bridge
type SettleRequest struct {
	SourceLedger string          `json:"source_ledger"`
	DestLedger   string          `json:"dest_ledger"`
	Amount       decimal.Decimal `json:"amount"`
	MaxFee       decimal.Decimal `json:"max_fee,omitempty"`
}

// ResumeSettlementRequest resumes a stalled settlement by salt or transfer id
type ResumeSettlementRequest struct {
	Key string `json:"key"`
}

// Payment is one payroll line item
type Payment struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// PayrollRequest executes a batch of transfers, tolerating partial failure
type PayrollRequest struct {
	LedgerID string    `json:"ledger_id"`
	Payments []Payment `json:"payments"`
}

// ProposeRequest opens a governance proposal
type ProposeRequest struct {
	Proposer    string            `json:"proposer"`
	Action      governance.Action `json:"action"`
	Payload     string            `json:"payload"`
	Description string            `json:"description"`
}

// VoteRequest casts a vote
type VoteRequest struct {
	ProposalID uuid.UUID          `json:"proposal_id"`
	Voter      string             `json:"voter"`
	Support    governance.Support `json:"support"`
}

// ExecuteRequest executes a succeeded proposal, replaying its exact content
type ExecuteRequest struct {
	ProposalID  uuid.UUID         `json:"proposal_id"`
	Action      governance.Action `json:"action"`
	Payload     string            `json:"payload"`
	Description string            `json:"description"`
}

// DistributeRequest accrues revenue to shareholders
type DistributeRequest struct {
	Caller string          `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// ClaimRequest pays out a holder's pending revenue
type ClaimRequest struct {
	Holder string `json:"holder"`
}

// FinalizeRequest completes a dissolution: pro-rata payout and equity freeze
type FinalizeRequest struct{}

func (TransferRequest) isRequest()         {}
func (DepositRequest) isRequest()          {}
func (SettleRequest) isRequest()           {}
func (ResumeSettlementRequest) isRequest() {}
func (PayrollRequest) isRequest()          {}
func (ProposeRequest) isRequest()          {}
func (VoteRequest) isRequest()             {}
func (ExecuteRequest) isRequest()          {}
func (DistributeRequest) isRequest()       {}
func (ClaimRequest) isRequest()            {}
func (FinalizeRequest) isRequest()         {}

// Result is the outcome contract for every mutating operation. A refused
// operation is an expected outcome: Success is false and Reason says why.
// Only infrastructure failures surface as errors.
type Result struct {
	Success     bool        `json:"success"`
	Reason      string      `json:"reason,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
	ExplorerURL string      `json:"explorer_url,omitempty"`
	Detail      interface{} `json:"detail,omitempty"`
}

// RecipientResult is one payroll line outcome
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// PayrollOutcome aggregates a batch run
type PayrollOutcome struct {
	Results   []RecipientResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}
