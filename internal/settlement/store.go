package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
)

// Pipeline stages. Each stage boundary is a distinct failure boundary; the
// stored stage tells a resume exactly where to pick up.
const (
	StageCreated   = "created"
	StageWithdrawn = "withdrawn"
	StageEscrowed  = "escrowed"
	StageSubmitted = "submitted"
	StageAttested  = "attested"
	StageMinted    = "minted"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// ErrIntentNotFound is returned when no intent matches the key
var ErrIntentNotFound = errors.New("settlement intent not found")

// Intent is the persisted state of one settlement pipeline run, keyed by the
// burn salt. Every step writes its outcome here before moving on, so a crash
// or abandoned wait leaves a resumable record.
type Intent struct {
	Salt         string              `json:"salt"`
	TransferID   string              `json:"transfer_id,omitempty"`
	SourceLedger string              `json:"source_ledger"`
	DestLedger   string              `json:"dest_ledger"`
	Signer       string              `json:"signer"`
	Amount       decimal.Decimal     `json:"amount"`
	MaxFee       decimal.Decimal     `json:"max_fee"`
	NetAmount    decimal.Decimal     `json:"net_amount"`
	Stage        string              `json:"stage"`
	Burn         BurnIntent          `json:"burn"`
	Signature    string              `json:"signature,omitempty"`
	Attestation  *ledger.Attestation `json:"attestation,omitempty"`
	AttSignature string              `json:"att_signature,omitempty"`
	WithdrawTx   string              `json:"withdraw_tx,omitempty"`
	BurnTx       string              `json:"burn_tx,omitempty"`
	MintTx       string              `json:"mint_tx,omitempty"`
	DepositTx    string              `json:"deposit_tx,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// IntentStore persists settlement intents
type IntentStore interface {
	Put(ctx context.Context, intent *Intent) error
	Get(ctx context.Context, salt string) (*Intent, error)
	GetByTransferID(ctx context.Context, transferID string) (*Intent, error)
}

// MemoryStore is an in-process intent store for tests and local mode
type MemoryStore struct {
	mu      sync.RWMutex
	bySalt  map[string]*Intent
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySalt: make(map[string]*Intent)}
}

func (s *MemoryStore) Put(ctx context.Context, intent *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *intent
	cp.UpdatedAt = time.Now()
	if existing, ok := s.bySalt[intent.Salt]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.bySalt[intent.Salt] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, salt string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.bySalt[salt]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) GetByTransferID(ctx context.Context, transferID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, intent := range s.bySalt {
		if intent.TransferID == transferID && transferID != "" {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, ErrIntentNotFound
}

// PostgresStore persists intents in a settlement_intents table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the intents table if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_intents (
			salt          TEXT PRIMARY KEY,
			transfer_id   TEXT,
			source_ledger TEXT NOT NULL,
			dest_ledger   TEXT NOT NULL,
			signer        TEXT NOT NULL,
			amount        NUMERIC NOT NULL,
			max_fee       NUMERIC NOT NULL,
			net_amount    NUMERIC NOT NULL DEFAULT 0,
			stage         TEXT NOT NULL,
			payload       JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate settlement_intents: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS settlement_intents_transfer_id ON settlement_intents (transfer_id)`)
	if err != nil {
		return fmt.Errorf("failed to index settlement_intents: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, intent *Intent) error {
	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_intents
			(salt, transfer_id, source_ledger, dest_ledger, signer, amount, max_fee, net_amount, stage, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (salt) DO UPDATE SET
			transfer_id = EXCLUDED.transfer_id,
			net_amount  = EXCLUDED.net_amount,
			stage       = EXCLUDED.stage,
			payload     = EXCLUDED.payload,
			updated_at  = EXCLUDED.updated_at`,
		intent.Salt, intent.TransferID, intent.SourceLedger, intent.DestLedger,
		intent.Signer, intent.Amount, intent.MaxFee, intent.NetAmount,
		intent.Stage, payload, intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist intent %s: %w", intent.Salt, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, salt string) (*Intent, error) {
	return s.get(ctx, `SELECT payload FROM settlement_intents WHERE salt = $1`, salt)
}

func (s *PostgresStore) GetByTransferID(ctx context.Context, transferID string) (*Intent, error) {
	return s.get(ctx, `SELECT payload FROM settlement_intents WHERE transfer_id = $1`, transferID)
}

func (s *PostgresStore) get(ctx context.Context, query, key string) (*Intent, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load intent: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	return &intent, nil
}
