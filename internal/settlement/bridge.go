package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/pkg/messaging"
)

// Error is a typed settlement failure. It always carries the salt, and the
// transfer id once one exists, so a stalled settlement can be resumed
// manually. The bridge never retries by re-burning.
type Error struct {
	Stage      string
	Salt       string
	TransferID string
	Err        error
}

func (e *Error) Error() string {
	if e.TransferID != "" {
		return fmt.Sprintf("settlement %s failed at %s (transfer %s): %v", e.Salt, e.Stage, e.TransferID, e.Err)
	}
	return fmt.Sprintf("settlement %s failed at %s: %v", e.Salt, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrBelowMinimum  = errors.New("amount does not exceed the maximum possible protocol fee")
	ErrFeeTooHigh    = errors.New("quoted fee exceeds the configured ceiling")
	ErrWaitTimeout   = errors.New("attestation wait timed out")
	ErrTerminal      = errors.New("attestation service reported terminal failure")
	ErrNotResumable  = errors.New("settlement is not in a resumable stage")
)

// Policy holds the configurable settlement parameters. MaxFee is a policy
// ceiling, not a protocol constant; the quoted fee is validated against it
// when the attestation carries one.
type Policy struct {
	MaxFee         decimal.Decimal
	PollInterval   time.Duration
	MaxWait        time.Duration
	MaxBlockHeight uint64
}

// Bridge moves value between two vaults on independent ledgers through the
// burn/attestation/mint protocol. Every step persists its outcome keyed by
// salt before the next begins.
type Bridge struct {
	ledgers  map[string]ledger.Client
	agent    string
	signer   Signer
	attestor Attestor
	store    IntentStore
	events   messaging.Publisher
	policy   Policy
}

// BridgeConfig wires a settlement bridge
type BridgeConfig struct {
	Ledgers  map[string]ledger.Client
	Agent    string
	Signer   Signer
	Attestor Attestor
	Store    IntentStore
	Events   messaging.Publisher
	Policy   Policy
}

// NewBridge creates a settlement bridge
func NewBridge(cfg BridgeConfig) *Bridge {
	events := cfg.Events
	if events == nil {
		events = messaging.NopPublisher{}
	}
	policy := cfg.Policy
	if policy.PollInterval <= 0 {
		policy.PollInterval = 3 * time.Second
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = 180 * time.Second
	}
	return &Bridge{
		ledgers:  cfg.Ledgers,
		agent:    cfg.Agent,
		signer:   cfg.Signer,
		attestor: cfg.Attestor,
		store:    cfg.Store,
		events:   events,
		policy:   policy,
	}
}

// Request asks for a settlement of Amount from the source vault to the
// destination vault. MaxFee overrides the policy ceiling when positive.
type Request struct {
	SourceLedger string
	DestLedger   string
	Amount       decimal.Decimal
	MaxFee       decimal.Decimal
}

// Settle runs the full pipeline: withdraw, escrow, sign, submit, await
// attestation, mint, deposit. On failure the persisted intent records how
// far it got; anything at or past the withdrawal is resumable by salt or
// transfer id.
func (b *Bridge) Settle(ctx context.Context, req Request) (*Intent, error) {
	src, ok := b.ledgers[req.SourceLedger]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, req.SourceLedger)
	}
	dst, ok := b.ledgers[req.DestLedger]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, req.DestLedger)
	}

	maxFee := b.policy.MaxFee
	if req.MaxFee.IsPositive() {
		maxFee = req.MaxFee
	}
	// The minimum transferable amount must exceed the worst-case fee, or the
	// mint could net to nothing.
	if !req.Amount.GreaterThan(maxFee) {
		return nil, &Error{Stage: StageCreated, Err: ErrBelowMinimum}
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	rec := &Intent{
		Salt:         salt,
		SourceLedger: req.SourceLedger,
		DestLedger:   req.DestLedger,
		Signer:       b.signer.Address(),
		Amount:       req.Amount,
		MaxFee:       maxFee,
		Stage:        StageCreated,
	}
	if err := b.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	// Step 1: withdraw from the source vault to the signer's own balance.
	// The vault policy applies in full; a refusal here has moved nothing.
	withdrawTx, err := src.Transfer(ctx, b.agent, b.signer.Address(), req.Amount)
	if err != nil {
		rec.Stage = StageFailed
		rec.LastError = err.Error()
		b.put(ctx, rec)
		return rec, err
	}
	rec.WithdrawTx = withdrawTx
	rec.Stage = StageWithdrawn
	if err := b.put(ctx, rec); err != nil {
		return rec, err
	}

	return b.escrowAndSubmit(ctx, rec, src, dst)
}

// escrowAndSubmit runs steps 2 through 5 from a withdrawn intent: allowance,
// escrow deposit, sign, submit. Entered by Settle and again by Resume when an
// earlier attempt stalled before the escrow deposit landed.
func (b *Bridge) escrowAndSubmit(ctx context.Context, rec *Intent, src, dst ledger.Client) (*Intent, error) {
	// Step 2: allowance, then escrow deposit. Funds leave the signer here.
	if _, err := src.ApproveEscrow(ctx, b.signer.Address(), rec.Amount); err != nil {
		return rec, b.stall(ctx, rec, StageWithdrawn, err)
	}
	burnTx, err := src.EscrowDeposit(ctx, b.signer.Address(), rec.Amount)
	if err != nil {
		return rec, b.stall(ctx, rec, StageWithdrawn, err)
	}
	rec.BurnTx = burnTx
	rec.Burn = BurnIntent{
		SourceLedger:   rec.SourceLedger,
		DestLedger:     rec.DestLedger,
		SourceToken:    rec.SourceLedger,
		DestToken:      rec.DestLedger,
		Depositor:      b.signer.Address(),
		Recipient:      b.signer.Address(),
		Signer:         b.signer.Address(),
		Value:          rec.Amount,
		Salt:           rec.Salt,
		MaxFee:         rec.MaxFee,
		MaxBlockHeight: b.policy.MaxBlockHeight,
	}
	// Persist the escrowed stage before signing: once the deposit is
	// on-ledger a crash must not leave the record looking pre-burn.
	rec.Stage = StageEscrowed
	if err := b.put(ctx, rec); err != nil {
		return rec, err
	}

	// Step 3: sign the burn intent
	signed, err := SignIntent(b.signer, rec.Burn)
	if err != nil {
		return rec, b.stall(ctx, rec, StageEscrowed, err)
	}
	rec.Signature = signed.Signature
	if err := b.put(ctx, rec); err != nil {
		return rec, err
	}
	b.publish(ctx, messaging.EventSettlementBurned, rec, "")

	return b.submitAndComplete(ctx, rec, dst, signed)
}

// Resume continues a stalled settlement from its persisted stage, found by
// salt or transfer id. It never re-burns: once the escrow deposit is
// on-ledger the original salt carries through every retry.
func (b *Bridge) Resume(ctx context.Context, key string) (*Intent, error) {
	rec, err := b.store.Get(ctx, key)
	if errors.Is(err, ErrIntentNotFound) {
		rec, err = b.store.GetByTransferID(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	dst, ok := b.ledgers[rec.DestLedger]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, rec.DestLedger)
	}

	switch rec.Stage {
	case StageCompleted:
		return rec, nil
	case StageWithdrawn:
		// Funds sit on the signer's balance but never reached escrow;
		// re-run the escrow and submit under the same salt.
		src, ok := b.ledgers[rec.SourceLedger]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, rec.SourceLedger)
		}
		return b.escrowAndSubmit(ctx, rec, src, dst)
	case StageEscrowed:
		// Burn is on-ledger but the submit never happened; re-sign if the
		// stall hit before the signature was persisted, then re-submit
		// under the same salt.
		if rec.Signature == "" {
			signed, err := SignIntent(b.signer, rec.Burn)
			if err != nil {
				return rec, b.stall(ctx, rec, StageEscrowed, err)
			}
			rec.Signature = signed.Signature
			if err := b.put(ctx, rec); err != nil {
				return rec, err
			}
		}
		signed := SignedIntent{Intent: rec.Burn, Signature: rec.Signature}
		return b.submitAndComplete(ctx, rec, dst, signed)
	case StageSubmitted:
		resp, err := b.awaitAttestation(ctx, rec)
		if err != nil {
			return rec, err
		}
		if err := b.acceptAttestation(ctx, rec, resp); err != nil {
			return rec, err
		}
		return b.mintAndDeposit(ctx, rec, dst)
	case StageAttested:
		return b.mintAndDeposit(ctx, rec, dst)
	case StageMinted:
		return b.depositNet(ctx, rec, dst)
	default:
		return rec, &Error{Stage: rec.Stage, Salt: rec.Salt, TransferID: rec.TransferID, Err: ErrNotResumable}
	}
}

func (b *Bridge) submitAndComplete(ctx context.Context, rec *Intent, dst ledger.Client, signed SignedIntent) (*Intent, error) {
	// Step 4: submit to the attestation service
	resp, err := b.attestor.Submit(ctx, signed)
	if err != nil {
		return rec, b.stall(ctx, rec, StageEscrowed, err)
	}
	rec.TransferID = resp.TransferID

	switch resp.Status {
	case StatusComplete:
		// Immediate attestation
	case StatusFailed:
		return rec, b.terminal(ctx, rec, resp.Message)
	default:
		rec.Stage = StageSubmitted
		if err := b.put(ctx, rec); err != nil {
			return rec, err
		}
		resp, err = b.awaitAttestation(ctx, rec)
		if err != nil {
			return rec, err
		}
	}

	if err := b.acceptAttestation(ctx, rec, resp); err != nil {
		return rec, err
	}
	return b.mintAndDeposit(ctx, rec, dst)
}

// awaitAttestation polls at the configured interval until the service
// returns an attestation, reports terminal failure, the maximum wait
// elapses, or the caller cancels. An abandoned wait holds nothing: the burn
// stays valid and the intent stays resumable by transfer id.
func (b *Bridge) awaitAttestation(ctx context.Context, rec *Intent) (AttestationResponse, error) {
	deadline := time.NewTimer(b.policy.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(b.policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return AttestationResponse{}, &Error{Stage: StageSubmitted, Salt: rec.Salt, TransferID: rec.TransferID, Err: ctx.Err()}
		case <-deadline.C:
			return AttestationResponse{}, &Error{Stage: StageSubmitted, Salt: rec.Salt, TransferID: rec.TransferID, Err: ErrWaitTimeout}
		case <-ticker.C:
			resp, err := b.attestor.Poll(ctx, rec.TransferID)
			if err != nil {
				log.Printf("settlement %s: poll error: %v", rec.Salt, err)
				continue
			}
			switch resp.Status {
			case StatusComplete:
				return resp, nil
			case StatusFailed:
				return AttestationResponse{}, b.terminal(ctx, rec, resp.Message)
			}
		}
	}
}

func (b *Bridge) acceptAttestation(ctx context.Context, rec *Intent, resp AttestationResponse) error {
	if resp.Attestation == nil || resp.Signature == "" {
		return b.stall(ctx, rec, rec.Stage, fmt.Errorf("attestation response missing proof"))
	}
	// Validate the quoted fee against the ceiling the intent was signed with
	if resp.Attestation.Fee.GreaterThan(rec.MaxFee) {
		rec.Attestation = resp.Attestation
		rec.AttSignature = resp.Signature
		b.put(ctx, rec)
		return &Error{Stage: rec.Stage, Salt: rec.Salt, TransferID: rec.TransferID, Err: ErrFeeTooHigh}
	}
	rec.Attestation = resp.Attestation
	rec.AttSignature = resp.Signature
	rec.Stage = StageAttested
	if err := b.put(ctx, rec); err != nil {
		return err
	}
	b.publish(ctx, messaging.EventSettlementAttested, rec, "")
	return nil
}

// mintAndDeposit performs steps 6 and 7: mint on the destination, measure
// the net amount actually received, and deposit it into the destination
// vault.
func (b *Bridge) mintAndDeposit(ctx context.Context, rec *Intent, dst ledger.Client) (*Intent, error) {
	before, err := dst.BalanceOf(ctx, b.signer.Address())
	if err != nil {
		return rec, b.stall(ctx, rec, rec.Stage, err)
	}

	mintTx, err := dst.Mint(ctx, *rec.Attestation, rec.AttSignature)
	if err != nil {
		if errors.Is(err, ledger.ErrSaltConsumed) && rec.NetAmount.IsPositive() {
			// Mint already landed in an earlier attempt; fall through to the
			// deposit with the recorded net amount.
			return b.depositNet(ctx, rec, dst)
		}
		return rec, b.stall(ctx, rec, rec.Stage, err)
	}

	after, err := dst.BalanceOf(ctx, b.signer.Address())
	if err != nil {
		return rec, b.stall(ctx, rec, rec.Stage, err)
	}

	// The protocol fee is deducted inside the mint and may vary, so the net
	// received is whatever the balance actually gained.
	net := after.Sub(before)
	if !net.IsPositive() {
		return rec, b.terminal(ctx, rec, "post-fee amount is not positive")
	}
	rec.MintTx = mintTx
	rec.NetAmount = net
	rec.Stage = StageMinted
	if err := b.put(ctx, rec); err != nil {
		return rec, err
	}
	b.publish(ctx, messaging.EventSettlementMinted, rec, "")

	return b.depositNet(ctx, rec, dst)
}

func (b *Bridge) depositNet(ctx context.Context, rec *Intent, dst ledger.Client) (*Intent, error) {
	depositTx, err := dst.Deposit(ctx, b.signer.Address(), rec.NetAmount)
	if err != nil {
		return rec, b.stall(ctx, rec, StageMinted, err)
	}
	rec.DepositTx = depositTx
	rec.Stage = StageCompleted
	if err := b.put(ctx, rec); err != nil {
		return rec, err
	}
	b.publish(ctx, messaging.EventSettlementCompleted, rec, "")
	return rec, nil
}

// stall records a recoverable failure without advancing the stage. The
// intent stays where it was and Resume can pick it up.
func (b *Bridge) stall(ctx context.Context, rec *Intent, stage string, cause error) error {
	rec.Stage = stage
	rec.LastError = cause.Error()
	b.put(ctx, rec)
	return &Error{Stage: stage, Salt: rec.Salt, TransferID: rec.TransferID, Err: cause}
}

// terminal records an unrecoverable failure reported by the service
func (b *Bridge) terminal(ctx context.Context, rec *Intent, message string) error {
	rec.Stage = StageFailed
	rec.LastError = message
	b.put(ctx, rec)
	err := &Error{Stage: StageFailed, Salt: rec.Salt, TransferID: rec.TransferID, Err: fmt.Errorf("%w: %s", ErrTerminal, message)}
	b.publish(ctx, messaging.EventSettlementFailed, rec, message)
	return err
}

func (b *Bridge) put(ctx context.Context, rec *Intent) error {
	if err := b.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist settlement %s: %w", rec.Salt, err)
	}
	return nil
}

func (b *Bridge) publish(ctx context.Context, subject string, rec *Intent, errMsg string) {
	event := messaging.SettlementEvent{
		EventID:      uuid.New(),
		Salt:         rec.Salt,
		TransferID:   rec.TransferID,
		SourceLedger: rec.SourceLedger,
		DestLedger:   rec.DestLedger,
		Amount:       rec.Amount.String(),
		Stage:        rec.Stage,
		Error:        errMsg,
		Timestamp:    time.Now(),
	}
	if rec.NetAmount.IsPositive() {
		event.NetAmount = rec.NetAmount.String()
	}
	if err := b.events.Publish(ctx, subject, event); err != nil {
		log.Printf("settlement %s: publish %s: %v", rec.Salt, subject, err)
	}
}
