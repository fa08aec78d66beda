package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects published by the treasury service
const (
	EventVaultTransfer  = "vault.transfer"
	EventVaultDeposit   = "vault.deposit"
	EventVaultPaused    = "vault.paused"
	EventVaultDissolved = "vault.dissolved"

	EventSettlementBurned    = "settlement.burned"
	EventSettlementAttested  = "settlement.attested"
	EventSettlementMinted    = "settlement.minted"
	EventSettlementCompleted = "settlement.completed"
	EventSettlementFailed    = "settlement.failed"

	EventProposalCreated  = "governance.proposal_created"
	EventVoteCast         = "governance.vote_cast"
	EventProposalExecuted = "governance.proposal_executed"

	EventRevenueDistributed = "revenue.distributed"
	EventRevenueClaimed     = "revenue.claimed"
)

// TransferEvent reports a vault balance mutation
type TransferEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	LedgerID  string    `json:"ledger_id"`
	Caller    string    `json:"caller"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    string    `json:"amount"`
	Balance   string    `json:"balance"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementEvent reports progress of a cross-ledger settlement
type SettlementEvent struct {
	EventID      uuid.UUID `json:"event_id"`
	Salt         string    `json:"salt"`
	TransferID   string    `json:"transfer_id,omitempty"`
	SourceLedger string    `json:"source_ledger"`
	DestLedger   string    `json:"dest_ledger"`
	Amount       string    `json:"amount"`
	NetAmount    string    `json:"net_amount,omitempty"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// GovernanceEvent reports proposal lifecycle activity
type GovernanceEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	ProposalID uuid.UUID `json:"proposal_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	State      string    `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
}

// RevenueEvent reports a distribution or claim
type RevenueEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Holder    string    `json:"holder,omitempty"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}
