package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/pkg/circuit"
)

// Attestation service transfer statuses
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// AttestationResponse is what the service returns for a submitted burn or a
// poll. A complete response carries the attestation and its signature; a
// pending one carries only the transfer id to poll.
type AttestationResponse struct {
	Status      string              `json:"status"`
	TransferID  string              `json:"transfer_id"`
	Attestation *ledger.Attestation `json:"attestation,omitempty"`
	Signature   string              `json:"signature,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// Attestor is the attestation service surface the bridge depends on
type Attestor interface {
	Submit(ctx context.Context, intent SignedIntent) (AttestationResponse, error)
	Poll(ctx context.Context, transferID string) (AttestationResponse, error)
}

// AttestationClient talks to the external attestation service over HTTP
type AttestationClient struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
}

// NewAttestationClient creates an attestation service client
func NewAttestationClient(baseURL string, timeout time.Duration) *AttestationClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AttestationClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "attestation",
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}),
	}
}

// Submit sends a signed burn intent. The service answers with either an
// immediate attestation or a transfer id to poll.
func (c *AttestationClient) Submit(ctx context.Context, intent SignedIntent) (AttestationResponse, error) {
	body, err := json.Marshal(intent)
	if err != nil {
		return AttestationResponse{}, fmt.Errorf("failed to encode signed intent: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/v1/burns", body)
}

// Poll fetches the current status of a submitted transfer
func (c *AttestationClient) Poll(ctx context.Context, transferID string) (AttestationResponse, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+transferID, nil)
}

func (c *AttestationClient) do(ctx context.Context, method, url string, body []byte) (AttestationResponse, error) {
	var out AttestationResponse
	err := c.breaker.Execute(func() error {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("attestation service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("attestation service: unexpected status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("attestation service: decode response: %w", err)
		}
		return nil
	})
	return out, err
}
