package treasury

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/vaultbridge/internal/audit"
	"github.com/terminal-bench/vaultbridge/internal/equity"
	"github.com/terminal-bench/vaultbridge/internal/governance"
	"github.com/terminal-bench/vaultbridge/internal/identity"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/internal/revenue"
	"github.com/terminal-bench/vaultbridge/internal/settlement"
	"github.com/terminal-bench/vaultbridge/internal/vault"
	"github.com/terminal-bench/vaultbridge/pkg/messaging"
)

// ErrUnsupportedRequest is returned for a request variant Dispatch does not
// recognize
var ErrUnsupportedRequest = errors.New("unsupported request variant")

// Orchestrator composes the vaults, the settlement bridge, governance and
// revenue into the single typed surface the automated actor calls. Writes
// against one vault are serialized; reads fan out concurrently.
type Orchestrator struct {
	ledgers  map[string]ledger.Client
	home     string
	agent    string
	governor string

	bridge     *settlement.Bridge
	governance *governance.Controller
	revenue    *revenue.Distributor
	equity     *equity.Ledger
	identity   *identity.Registry

	events messaging.Publisher
	audit  *audit.Recorder
	etcd   *clientv3.Client
	locks  *vaultLocks
}

// Config wires an orchestrator
type Config struct {
	Ledgers    map[string]ledger.Client
	HomeLedger string
	Agent      string
	Governor   string

	Bridge     *settlement.Bridge
	Governance *governance.Controller
	Revenue    *revenue.Distributor
	Equity     *equity.Ledger
	Identity   *identity.Registry

	Events messaging.Publisher
	Audit  *audit.Recorder
	Etcd   *clientv3.Client
}

// New creates the treasury orchestrator
func New(cfg Config) *Orchestrator {
	events := cfg.Events
	if events == nil {
		events = messaging.NopPublisher{}
	}
	return &Orchestrator{
		ledgers:    cfg.Ledgers,
		home:       cfg.HomeLedger,
		agent:      cfg.Agent,
		governor:   cfg.Governor,
		bridge:     cfg.Bridge,
		governance: cfg.Governance,
		revenue:    cfg.Revenue,
		equity:     cfg.Equity,
		identity:   cfg.Identity,
		events:     events,
		audit:      cfg.Audit,
		etcd:       cfg.Etcd,
		locks:      newVaultLocks(),
	}
}

// Governance exposes the proposal read surface
func (o *Orchestrator) Governance() *governance.Controller { return o.governance }

// Identity exposes the identity-link registry
func (o *Orchestrator) Identity() *identity.Registry { return o.identity }

func (o *Orchestrator) client(ledgerID string) (ledger.Client, error) {
	c, ok := o.ledgers[ledgerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, ledgerID)
	}
	return c, nil
}

// refusal converts an expected rejection into a failed Result. Anything
// else is an infrastructure failure and propagates.
func refusal(err error) (Result, bool) {
	if pe, ok := vault.AsPolicyError(err); ok {
		return Result{Success: false, Reason: string(pe.Reason)}, true
	}
	var se *settlement.Error
	if errors.As(err, &se) {
		reason := se.Err.Error()
		if se.TransferID != "" {
			reason = fmt.Sprintf("%s (resume with transfer id %s)", reason, se.TransferID)
		} else if se.Salt != "" {
			reason = fmt.Sprintf("%s (resume with salt %s)", reason, se.Salt)
		}
		return Result{Success: false, Reason: reason}, true
	}
	if governance.IsViolation(err) {
		return Result{Success: false, Reason: err.Error()}, true
	}
	for _, sentinel := range []error{
		revenue.ErrNotOwner, revenue.ErrNothingToPay, revenue.ErrNoShares, revenue.ErrInvalidAmount,
		equity.ErrFrozen, equity.ErrInsufficientShare,
		vault.ErrAlreadyFinalized, vault.ErrNotDissolving,
		settlement.ErrIntentNotFound,
	} {
		if errors.Is(err, sentinel) {
			return Result{Success: false, Reason: err.Error()}, true
		}
	}
	return Result{}, false
}

// Dispatch routes a typed request to its operation
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (Result, error) {
	switch r := req.(type) {
	case TransferRequest:
		return o.Transfer(ctx, r)
	case DepositRequest:
		return o.Deposit(ctx, r)
	case SettleRequest:
		return o.Settle(ctx, r)
	case ResumeSettlementRequest:
		return o.ResumeSettlement(ctx, r)
	case PayrollRequest:
		return o.Payroll(ctx, r)
	case ProposeRequest:
		return o.Propose(ctx, r)
	case VoteRequest:
		return o.Vote(ctx, r)
	case ExecuteRequest:
		return o.ExecuteProposal(ctx, r)
	case DistributeRequest:
		return o.Distribute(ctx, r)
	case ClaimRequest:
		return o.Claim(ctx, r)
	case FinalizeRequest:
		return o.Finalize(ctx)
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnsupportedRequest, req)
	}
}

// Transfer spends vault funds as the agent, within policy
func (o *Orchestrator) Transfer(ctx context.Context, req TransferRequest) (Result, error) {
	client, err := o.client(req.LedgerID)
	if err != nil {
		return Result{}, err
	}

	var txHash string
	err = o.withVaultLock(ctx, req.LedgerID, func() error {
		txHash, err = client.Transfer(ctx, o.agent, req.Recipient, req.Amount)
		return err
	})
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}

	o.audit.Transfer(req.LedgerID, "transfer", o.agent, req.Recipient, req.Amount, txHash)
	o.publishTransfer(ctx, messaging.EventVaultTransfer, req.LedgerID, o.agent, req.Recipient, req.Amount, txHash)
	return Result{Success: true, TxHash: txHash, ExplorerURL: client.ExplorerURL(txHash)}, nil
}

// Deposit adds funds to a vault
func (o *Orchestrator) Deposit(ctx context.Context, req DepositRequest) (Result, error) {
	client, err := o.client(req.LedgerID)
	if err != nil {
		return Result{}, err
	}

	txHash, err := client.Deposit(ctx, req.Depositor, req.Amount)
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}

	o.audit.Transfer(req.LedgerID, "deposit", req.Depositor, "", req.Amount, txHash)
	o.publishTransfer(ctx, messaging.EventVaultDeposit, req.LedgerID, req.Depositor, "", req.Amount, txHash)
	return Result{Success: true, TxHash: txHash, ExplorerURL: client.ExplorerURL(txHash)}, nil
}

// Settle moves value across ledgers through the bridge. The source vault's
// lock is held for the synchronous part of the pipeline so a batch's
// pre-flight checks stay valid.
func (o *Orchestrator) Settle(ctx context.Context, req SettleRequest) (Result, error) {
	var intent *settlement.Intent
	err := o.withVaultLock(ctx, req.SourceLedger, func() error {
		var err error
		intent, err = o.bridge.Settle(ctx, settlement.Request{
			SourceLedger: req.SourceLedger,
			DestLedger:   req.DestLedger,
			Amount:       req.Amount,
			MaxFee:       req.MaxFee,
		})
		return err
	})
	return o.settlementResult(intent, err)
}

// ResumeSettlement continues a stalled settlement by salt or transfer id
func (o *Orchestrator) ResumeSettlement(ctx context.Context, req ResumeSettlementRequest) (Result, error) {
	intent, err := o.bridge.Resume(ctx, req.Key)
	return o.settlementResult(intent, err)
}

func (o *Orchestrator) settlementResult(intent *settlement.Intent, err error) (Result, error) {
	if intent != nil {
		o.audit.Settlement(intent.Salt, intent.TransferID, intent.SourceLedger, intent.DestLedger, intent.Stage, intent.Amount)
	}
	if err != nil {
		if res, ok := refusal(err); ok {
			res.Detail = intent
			return res, nil
		}
		return Result{}, err
	}
	return Result{Success: true, TxHash: intent.DepositTx, Detail: intent}, nil
}

// Payroll executes transfers one at a time, continuing past individual
// failures. Never all-or-nothing: the outcome lists every recipient.
func (o *Orchestrator) Payroll(ctx context.Context, req PayrollRequest) (Result, error) {
	client, err := o.client(req.LedgerID)
	if err != nil {
		return Result{}, err
	}

	outcome := PayrollOutcome{Results: make([]RecipientResult, 0, len(req.Payments))}
	err = o.withVaultLock(ctx, req.LedgerID, func() error {
		for _, payment := range req.Payments {
			line := RecipientResult{Recipient: payment.Recipient, Amount: payment.Amount.String()}
			txHash, err := client.Transfer(ctx, o.agent, payment.Recipient, payment.Amount)
			if err != nil {
				if res, ok := refusal(err); ok {
					line.Reason = res.Reason
					outcome.Failed++
					outcome.Results = append(outcome.Results, line)
					continue
				}
				return err
			}
			line.Success = true
			line.TxHash = txHash
			outcome.Succeeded++
			outcome.Results = append(outcome.Results, line)
			o.audit.Transfer(req.LedgerID, "transfer", o.agent, payment.Recipient, payment.Amount, txHash)
			o.publishTransfer(ctx, messaging.EventVaultTransfer, req.LedgerID, o.agent, payment.Recipient, payment.Amount, txHash)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Success: outcome.Failed == 0, Detail: outcome}, nil
}

// Propose opens a governance proposal
func (o *Orchestrator) Propose(ctx context.Context, req ProposeRequest) (Result, error) {
	p, err := o.governance.Propose(ctx, req.Proposer, req.Action, req.Payload, req.Description)
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}
	o.audit.Governance(p.ID.String(), string(p.Action), req.Proposer, "proposed")
	return Result{Success: true, Detail: p}, nil
}

// Vote casts a vote on a proposal
func (o *Orchestrator) Vote(ctx context.Context, req VoteRequest) (Result, error) {
	vote, err := o.governance.Vote(ctx, req.ProposalID, req.Voter, req.Support)
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}
	o.audit.Governance(req.ProposalID.String(), "vote", req.Voter, "cast")
	return Result{Success: true, Detail: vote}, nil
}

// ExecuteProposal executes a succeeded proposal
func (o *Orchestrator) ExecuteProposal(ctx context.Context, req ExecuteRequest) (Result, error) {
	err := o.governance.Execute(ctx, req.ProposalID, req.Action, req.Payload, req.Description)
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}
	o.audit.Governance(req.ProposalID.String(), string(req.Action), "", "executed")
	return Result{Success: true}, nil
}

// Distribute accrues revenue to shareholders
func (o *Orchestrator) Distribute(ctx context.Context, req DistributeRequest) (Result, error) {
	if err := o.revenue.Distribute(req.Caller, req.Amount); err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}
	o.publishRevenue(ctx, messaging.EventRevenueDistributed, "", req.Amount)
	return Result{Success: true}, nil
}

// Claim pays out a holder's pending revenue
func (o *Orchestrator) Claim(ctx context.Context, req ClaimRequest) (Result, error) {
	amount, err := o.revenue.Claim(req.Holder)
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}
	o.publishRevenue(ctx, messaging.EventRevenueClaimed, req.Holder, amount)
	return Result{Success: true, Detail: map[string]string{"amount": amount.String()}}, nil
}

// Finalize completes the dissolution on the home ledger: pays every holder
// pro rata, freezes equity and moves the vault to dissolved
func (o *Orchestrator) Finalize(ctx context.Context) (Result, error) {
	client, err := o.client(o.home)
	if err != nil {
		return Result{}, err
	}

	var payouts []vault.Payout
	var txHash string
	err = o.withVaultLock(ctx, o.home, func() error {
		payouts, txHash, err = client.Finalize(ctx, o.governor)
		return err
	})
	if err != nil {
		if res, ok := refusal(err); ok {
			return res, nil
		}
		return Result{}, err
	}

	o.audit.Transfer(o.home, "finalize", o.governor, "", decimal.Zero, txHash)
	if err := o.events.Publish(ctx, messaging.EventVaultDissolved, messaging.TransferEvent{
		EventID:   uuid.New(),
		LedgerID:  o.home,
		Caller:    o.governor,
		TxHash:    txHash,
		Timestamp: time.Now(),
	}); err != nil {
		log.Printf("treasury: publish %s: %v", messaging.EventVaultDissolved, err)
	}
	return Result{Success: true, TxHash: txHash, ExplorerURL: client.ExplorerURL(txHash), Detail: payouts}, nil
}

// Status returns one vault's status
func (o *Orchestrator) Status(ctx context.Context, ledgerID string) (vault.Status, error) {
	client, err := o.client(ledgerID)
	if err != nil {
		return vault.Status{}, err
	}
	return client.Status(ctx)
}

// StatusAll reads every configured ledger concurrently. Reads don't touch
// the per-vault write locks.
func (o *Orchestrator) StatusAll(ctx context.Context) (map[string]vault.Status, error) {
	var mu sync.Mutex
	statuses := make(map[string]vault.Status, len(o.ledgers))

	g, gctx := errgroup.WithContext(ctx)
	for id, client := range o.ledgers {
		id, client := id, client
		g.Go(func() error {
			status, err := client.Status(gctx)
			if err != nil {
				return fmt.Errorf("ledger %s: %w", id, err)
			}
			mu.Lock()
			statuses[id] = status
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Preview evaluates the transfer policy without side effects
func (o *Orchestrator) Preview(ctx context.Context, ledgerID, recipient string, amount decimal.Decimal) (bool, vault.Reason, error) {
	client, err := o.client(ledgerID)
	if err != nil {
		return false, "", err
	}
	return client.CanTransfer(ctx, recipient, amount)
}

func (o *Orchestrator) publishTransfer(ctx context.Context, subject, ledgerID, caller, recipient string, amount decimal.Decimal, txHash string) {
	event := messaging.TransferEvent{
		EventID:   uuid.New(),
		LedgerID:  ledgerID,
		Caller:    caller,
		Recipient: recipient,
		Amount:    amount.String(),
		TxHash:    txHash,
		Timestamp: time.Now(),
	}
	if err := o.events.Publish(ctx, subject, event); err != nil {
		log.Printf("treasury: publish %s: %v", subject, err)
	}
}

func (o *Orchestrator) publishRevenue(ctx context.Context, subject, holder string, amount decimal.Decimal) {
	event := messaging.RevenueEvent{
		EventID:   uuid.New(),
		Holder:    holder,
		Amount:    amount.String(),
		Timestamp: time.Now(),
	}
	if err := o.events.Publish(ctx, subject, event); err != nil {
		log.Printf("treasury: publish %s: %v", subject, err)
	}
}

// GovernanceExecutor returns the executor the governance controller uses to
// apply approved actions to the home vault as the governor
func (o *Orchestrator) GovernanceExecutor() governance.Executor {
	return &govExecutor{orch: o}
}

// SetGovernance installs the controller after construction; the controller
// needs the orchestrator's executor and the orchestrator needs the
// controller, so wiring happens in two steps.
func (o *Orchestrator) SetGovernance(c *governance.Controller) {
	o.governance = c
}

type govExecutor struct {
	orch *Orchestrator
}

func (e *govExecutor) TransferOwner(ctx context.Context, newOwner string) error {
	client, err := e.orch.client(e.orch.home)
	if err != nil {
		return err
	}
	return client.TransferOwner(ctx, e.orch.governor, newOwner)
}

func (e *govExecutor) Dissolve(ctx context.Context) error {
	client, err := e.orch.client(e.orch.home)
	if err != nil {
		return err
	}
	return client.Dissolve(ctx, e.orch.governor)
}
