package settlement

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// BurnIntent is a signed instruction to lock value on the source ledger in
// exchange for a mint on the destination ledger. Salt is a globally unique
// nonce drawn from a cryptographically random source, so concurrent
// settlements need no cross-process coordination.
type BurnIntent struct {
	SourceLedger   string          `json:"source_ledger"`
	DestLedger     string          `json:"dest_ledger"`
	SourceToken    string          `json:"source_token"`
	DestToken      string          `json:"dest_token"`
	Depositor      string          `json:"depositor"`
	Recipient      string          `json:"recipient"`
	Signer         string          `json:"signer"`
	Value          decimal.Decimal `json:"value"`
	Salt           string          `json:"salt"`
	MaxFee         decimal.Decimal `json:"max_fee"`
	MaxBlockHeight uint64          `json:"max_block_height"`
}

// Digest returns the typed-data hash the signer commits to
func (i BurnIntent) Digest() ([]byte, error) {
	payload, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("failed to encode burn intent: %w", err)
	}
	sum := sha256.Sum256(payload)
	return sum[:], nil
}

// SignedIntent pairs a burn intent with its signature
type SignedIntent struct {
	Intent    BurnIntent `json:"intent"`
	Signature string     `json:"signature"`
}

// Signer produces signatures for a fixed address. Key material stays behind
// this interface; the custodial backend is out of scope.
type Signer interface {
	Address() string
	Sign(digest []byte) (string, error)
}

// NewSalt returns a fresh 32-byte random salt, hex encoded
func NewSalt() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return "0x" + hex.EncodeToString(raw[:]), nil
}

// LocalSigner signs with an in-process ed25519 key. Development and test
// backend for the Signer interface.
type LocalSigner struct {
	address string
	key     ed25519.PrivateKey
}

// NewLocalSigner derives a deterministic keypair from a 32-byte seed
func NewLocalSigner(address string, seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes", ed25519.SeedSize)
	}
	return &LocalSigner{
		address: address,
		key:     ed25519.NewKeyFromSeed(seed),
	}, nil
}

func (s *LocalSigner) Address() string { return s.address }

func (s *LocalSigner) Sign(digest []byte) (string, error) {
	return "0x" + hex.EncodeToString(ed25519.Sign(s.key, digest)), nil
}

// SignIntent computes the digest and signs it
func SignIntent(signer Signer, intent BurnIntent) (SignedIntent, error) {
	digest, err := intent.Digest()
	if err != nil {
		return SignedIntent{}, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return SignedIntent{}, fmt.Errorf("failed to sign burn intent: %w", err)
	}
	return SignedIntent{Intent: intent, Signature: sig}, nil
}
