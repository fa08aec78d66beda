package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/internal/vault"
)

const (
	agentAddr  = "0xagent"
	ownerAddr  = "0xowner"
	signerAddr = "0xsigner"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeAttestor scripts the attestation service behavior per test
type fakeAttestor struct {
	mu      sync.Mutex
	submits int
	polls   int

	onSubmit func(n int, intent SignedIntent) (AttestationResponse, error)
	onPoll   func(n int, transferID string) (AttestationResponse, error)
}

func (f *fakeAttestor) Submit(ctx context.Context, intent SignedIntent) (AttestationResponse, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	f.mu.Unlock()
	return f.onSubmit(n, intent)
}

func (f *fakeAttestor) Poll(ctx context.Context, transferID string) (AttestationResponse, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	return f.onPoll(n, transferID)
}

// flakyEscrow wraps a memory ledger with a one-shot escrow approval failure
type flakyEscrow struct {
	*ledger.MemoryClient
	approveErr error
}

func (f *flakyEscrow) ApproveEscrow(ctx context.Context, caller string, amount decimal.Decimal) (string, error) {
	if f.approveErr != nil {
		err := f.approveErr
		f.approveErr = nil
		return "", err
	}
	return f.MemoryClient.ApproveEscrow(ctx, caller, amount)
}

// flakySigner fails the first n signatures, then delegates
type flakySigner struct {
	Signer
	failures int
}

func (f *flakySigner) Sign(digest []byte) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("signing backend unavailable")
	}
	return f.Signer.Sign(digest)
}

func attestationFor(intent SignedIntent, transferID string, fee decimal.Decimal) *ledger.Attestation {
	return &ledger.Attestation{
		TransferID:   transferID,
		Salt:         intent.Intent.Salt,
		SourceLedger: intent.Intent.SourceLedger,
		DestLedger:   intent.Intent.DestLedger,
		Recipient:    intent.Intent.Recipient,
		Amount:       intent.Intent.Value,
		Fee:          fee,
	}
}

type testEnv struct {
	src    *ledger.MemoryClient
	dst    *ledger.MemoryClient
	signer Signer
	store  *MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	newClient := func(id string) *ledger.MemoryClient {
		return ledger.NewMemoryClient(ledger.MemoryConfig{
			LedgerID: id,
			Vault: vault.New(vault.Config{
				LedgerID: id,
				Owner:    ownerAddr,
				Agent:    agentAddr,
				Limits:   vault.Limits{MaxPerTx: dec("1000"), DailyLimit: dec("10000")},
			}),
		})
	}

	src := newClient("src")
	dst := newClient("dst")

	// Fund the source vault
	src.Faucet("funder", dec("1000"))
	_, err := src.Deposit(context.Background(), "funder", dec("1000"))
	require.NoError(t, err)

	signer, err := NewLocalSigner(signerAddr, make([]byte, 32))
	require.NoError(t, err)

	return &testEnv{src: src, dst: dst, signer: signer, store: NewMemoryStore()}
}

func (e *testEnv) bridge(attestor Attestor, policy Policy) *Bridge {
	if policy.PollInterval == 0 {
		policy.PollInterval = time.Millisecond
	}
	if policy.MaxWait == 0 {
		policy.MaxWait = time.Second
	}
	if policy.MaxFee.IsZero() {
		policy.MaxFee = dec("5")
	}
	return NewBridge(BridgeConfig{
		Ledgers:  map[string]ledger.Client{"src": e.src, "dst": e.dst},
		Agent:    agentAddr,
		Signer:   e.signer,
		Attestor: attestor,
		Store:    e.store,
		Policy:   policy,
	})
}

func vaultBalance(t *testing.T, c *ledger.MemoryClient) decimal.Decimal {
	t.Helper()
	status, err := c.Status(context.Background())
	require.NoError(t, err)
	return status.Balance
}

func TestSettle(t *testing.T) {
	t.Run("should move amount minus fee across ledgers", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-1",
					Attestation: attestationFor(intent, "tid-1", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		intent, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.NoError(t, err)

		assert.Equal(t, StageCompleted, intent.Stage)
		assert.True(t, intent.NetAmount.Equal(dec("8")))
		assert.NotEmpty(t, intent.WithdrawTx)
		assert.NotEmpty(t, intent.BurnTx)
		assert.NotEmpty(t, intent.MintTx)
		assert.NotEmpty(t, intent.DepositTx)

		// Source lost the full amount, destination gained the net
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")))
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("8")))

		// Nothing is stranded on the signer's token balances
		left, _ := env.src.BalanceOf(context.Background(), signerAddr)
		assert.True(t, left.IsZero())
		left, _ = env.dst.BalanceOf(context.Background(), signerAddr)
		assert.True(t, left.IsZero())
	})

	t.Run("should refuse amounts that cannot cover the fee ceiling", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.bridge(&fakeAttestor{}, Policy{MaxFee: dec("5")})

		_, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("5"),
		})
		assert.ErrorIs(t, err, ErrBelowMinimum)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("1000")), "nothing moved")
	})

	t.Run("should reject unknown ledgers", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.bridge(&fakeAttestor{}, Policy{})

		_, err := b.Settle(context.Background(), Request{
			SourceLedger: "nowhere",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		assert.ErrorIs(t, err, ledger.ErrUnknownLedger)
	})

	t.Run("should surface a vault refusal with nothing moved", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.src.SetPaused(context.Background(), ownerAddr, true))
		b := env.bridge(&fakeAttestor{}, Policy{})

		intent, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.Error(t, err)
		pe, ok := vault.AsPolicyError(err)
		require.True(t, ok)
		assert.Equal(t, vault.ReasonPaused, pe.Reason)
		assert.Equal(t, StageFailed, intent.Stage)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("1000")))
	})

	t.Run("should poll until the attestation arrives", func(t *testing.T) {
		env := newTestEnv(t)
		var submitted SignedIntent
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				submitted = intent
				return AttestationResponse{Status: StatusPending, TransferID: "tid-2"}, nil
			},
			onPoll: func(n int, transferID string) (AttestationResponse, error) {
				if n < 3 {
					return AttestationResponse{Status: StatusPending, TransferID: transferID}, nil
				}
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  transferID,
					Attestation: attestationFor(submitted, transferID, dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		intent, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)
		assert.GreaterOrEqual(t, attestor.polls, 3)
	})

	t.Run("should time out and stay resumable by transfer id", func(t *testing.T) {
		env := newTestEnv(t)
		var submitted SignedIntent
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				submitted = intent
				return AttestationResponse{Status: StatusPending, TransferID: "tid-3"}, nil
			},
			onPoll: func(n int, transferID string) (AttestationResponse, error) {
				return AttestationResponse{Status: StatusPending, TransferID: transferID}, nil
			},
		}
		b := env.bridge(attestor, Policy{MaxWait: 20 * time.Millisecond})

		_, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.ErrorIs(t, err, ErrWaitTimeout)

		var se *Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "tid-3", se.TransferID)

		stored, err := env.store.GetByTransferID(context.Background(), "tid-3")
		require.NoError(t, err)
		assert.Equal(t, StageSubmitted, stored.Stage)

		// The attestation lands; resume by transfer id finishes the pipeline
		attestor.onPoll = func(n int, transferID string) (AttestationResponse, error) {
			return AttestationResponse{
				Status:      StatusComplete,
				TransferID:  transferID,
				Attestation: attestationFor(submitted, transferID, dec("2")),
				Signature:   "0xattsig",
			}, nil
		}
		intent, err := b.Resume(context.Background(), "tid-3")
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("8")))
	})

	t.Run("should mark terminal failures unresumable", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{Status: StatusFailed, TransferID: "tid-4", Message: "burn reorged out"}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		intent, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.ErrorIs(t, err, ErrTerminal)
		assert.Equal(t, StageFailed, intent.Stage)

		_, err = b.Resume(context.Background(), intent.Salt)
		assert.ErrorIs(t, err, ErrNotResumable)
	})

	t.Run("should refuse to mint when the quoted fee exceeds the ceiling", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-5",
					Attestation: attestationFor(intent, "tid-5", dec("9")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{MaxFee: dec("5")})

		_, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.ErrorIs(t, err, ErrFeeTooHigh)
		assert.True(t, vaultBalance(t, env.dst).IsZero(), "nothing minted")
	})

	t.Run("should generate a unique salt per settlement", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  intent.Intent.Salt[:10],
					Attestation: attestationFor(intent, intent.Intent.Salt[:10], dec("1")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		salts := make(map[string]bool)
		for i := 0; i < 5; i++ {
			intent, err := b.Settle(context.Background(), Request{
				SourceLedger: "src",
				DestLedger:   "dst",
				Amount:       dec("10"),
			})
			require.NoError(t, err)
			assert.False(t, salts[intent.Salt], "salt reused")
			salts[intent.Salt] = true
		}
	})
}

func TestResume(t *testing.T) {
	t.Run("should be a no-op on a completed settlement", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-6",
					Attestation: attestationFor(intent, "tid-6", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		done, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.NoError(t, err)

		again, err := b.Resume(context.Background(), done.Salt)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, again.Stage)
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("8")), "no double deposit")
	})

	t.Run("should re-submit the original intent after a failed submit", func(t *testing.T) {
		env := newTestEnv(t)
		var firstSalt string
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				if n == 1 {
					firstSalt = intent.Intent.Salt
					return AttestationResponse{}, context.DeadlineExceeded
				}
				// Same salt on the retry: the bridge never re-burns
				assert.Equal(t, firstSalt, intent.Intent.Salt)
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-7",
					Attestation: attestationFor(intent, "tid-7", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		stalled, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.Error(t, err)
		assert.Equal(t, StageEscrowed, stalled.Stage)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")), "burn already happened")

		intent, err := b.Resume(context.Background(), stalled.Salt)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)
		assert.Equal(t, 2, attestor.submits)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")), "no second withdrawal")
	})

	t.Run("should finish with a single mint when resumed twice at the mint stage", func(t *testing.T) {
		env := newTestEnv(t)
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-8",
					Attestation: attestationFor(intent, "tid-8", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := env.bridge(attestor, Policy{})

		done, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.NoError(t, err)

		// Rewind the stored stage to attested, as if the deposit crashed.
		// The destination has already consumed the salt, so the resume must
		// detect the landed mint instead of minting again.
		rewound := *done
		rewound.Stage = StageAttested
		require.NoError(t, env.store.Put(context.Background(), &rewound))

		intent, err := b.Resume(context.Background(), done.Salt)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)

		// One mint, two deposits would show as 16; the balance check proves
		// the second deposit used the recorded net of the single mint.
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("16")))
	})

	t.Run("should recover withdrawn funds when the escrow step failed", func(t *testing.T) {
		env := newTestEnv(t)
		flaky := &flakyEscrow{MemoryClient: env.src, approveErr: errors.New("escrow rpc unreachable")}
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-9",
					Attestation: attestationFor(intent, "tid-9", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := NewBridge(BridgeConfig{
			Ledgers:  map[string]ledger.Client{"src": flaky, "dst": env.dst},
			Agent:    agentAddr,
			Signer:   env.signer,
			Attestor: attestor,
			Store:    env.store,
			Policy:   Policy{MaxFee: dec("5"), PollInterval: time.Millisecond, MaxWait: time.Second},
		})

		stalled, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.Error(t, err)
		assert.Equal(t, StageWithdrawn, stalled.Stage)

		// The withdrawal landed on the signer's token balance
		held, _ := env.src.BalanceOf(context.Background(), signerAddr)
		assert.True(t, held.Equal(dec("10")))
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")))

		// The escrow recovered; resume finishes without a second withdrawal
		intent, err := b.Resume(context.Background(), stalled.Salt)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)
		assert.Equal(t, stalled.Salt, intent.Salt)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")), "no second withdrawal")
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("8")))

		held, _ = env.src.BalanceOf(context.Background(), signerAddr)
		assert.True(t, held.IsZero(), "nothing stranded on the signer")
	})

	t.Run("should re-sign on resume when the stall hit before signing", func(t *testing.T) {
		env := newTestEnv(t)
		signer := &flakySigner{Signer: env.signer, failures: 1}
		attestor := &fakeAttestor{
			onSubmit: func(n int, intent SignedIntent) (AttestationResponse, error) {
				assert.NotEmpty(t, intent.Signature)
				return AttestationResponse{
					Status:      StatusComplete,
					TransferID:  "tid-10",
					Attestation: attestationFor(intent, "tid-10", dec("2")),
					Signature:   "0xattsig",
				}, nil
			},
		}
		b := NewBridge(BridgeConfig{
			Ledgers:  map[string]ledger.Client{"src": env.src, "dst": env.dst},
			Agent:    agentAddr,
			Signer:   signer,
			Attestor: attestor,
			Store:    env.store,
			Policy:   Policy{MaxFee: dec("5"), PollInterval: time.Millisecond, MaxWait: time.Second},
		})

		stalled, err := b.Settle(context.Background(), Request{
			SourceLedger: "src",
			DestLedger:   "dst",
			Amount:       dec("10"),
		})
		require.Error(t, err)
		assert.Equal(t, StageEscrowed, stalled.Stage)

		// The escrow deposit is on-ledger but no signature was persisted
		stored, err := env.store.Get(context.Background(), stalled.Salt)
		require.NoError(t, err)
		assert.Empty(t, stored.Signature)

		intent, err := b.Resume(context.Background(), stalled.Salt)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, intent.Stage)
		assert.NotEmpty(t, intent.Signature)
		assert.Equal(t, 1, attestor.submits)
		assert.True(t, vaultBalance(t, env.src).Equal(dec("990")), "no second burn")
		assert.True(t, vaultBalance(t, env.dst).Equal(dec("8")))
	})

	t.Run("should reject unknown keys", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.bridge(&fakeAttestor{}, Policy{})

		_, err := b.Resume(context.Background(), "0xmissing")
		assert.ErrorIs(t, err, ErrIntentNotFound)
	})
}

func TestAttestationClient(t *testing.T) {
	t.Run("should submit and poll over HTTP", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/v1/burns":
				var intent SignedIntent
				require.NoError(t, json.NewDecoder(r.Body).Decode(&intent))
				assert.NotEmpty(t, intent.Signature)
				json.NewEncoder(w).Encode(AttestationResponse{Status: StatusPending, TransferID: "tid-http"})
			case r.Method == http.MethodGet && r.URL.Path == "/v1/transfers/tid-http":
				json.NewEncoder(w).Encode(AttestationResponse{
					Status:     StatusComplete,
					TransferID: "tid-http",
					Signature:  "0xattsig",
					Attestation: &ledger.Attestation{
						TransferID: "tid-http",
						Amount:     dec("10"),
						Fee:        dec("2"),
					},
				})
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		client := NewAttestationClient(srv.URL, time.Second)
		signer, err := NewLocalSigner(signerAddr, make([]byte, 32))
		require.NoError(t, err)

		signed, err := SignIntent(signer, BurnIntent{Salt: "0xsalt", Value: dec("10")})
		require.NoError(t, err)

		resp, err := client.Submit(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, resp.Status)

		resp, err = client.Poll(context.Background(), resp.TransferID)
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, resp.Status)
		require.NotNil(t, resp.Attestation)
		assert.True(t, resp.Attestation.Fee.Equal(dec("2")))
	})

	t.Run("should error on non-200 responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewAttestationClient(srv.URL, time.Second)
		_, err := client.Poll(context.Background(), "tid")
		assert.Error(t, err)
	})
}
