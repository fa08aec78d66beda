package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/vaultbridge/internal/auth"
	"github.com/terminal-bench/vaultbridge/internal/equity"
	"github.com/terminal-bench/vaultbridge/internal/governance"
	"github.com/terminal-bench/vaultbridge/internal/identity"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/internal/revenue"
	"github.com/terminal-bench/vaultbridge/internal/settlement"
	"github.com/terminal-bench/vaultbridge/internal/treasury"
	"github.com/terminal-bench/vaultbridge/internal/vault"
)

const (
	agentAddr = "0xagent"
	ownerAddr = "0xowner"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type testServer struct {
	gw      *Gateway
	authSvc *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	shares := equity.NewLedger(map[string]decimal.Decimal{"0xalice": dec("100")})
	home := ledger.NewMemoryClient(ledger.MemoryConfig{
		LedgerID: "home",
		Vault: vault.New(vault.Config{
			LedgerID: "home",
			Owner:    ownerAddr,
			Agent:    agentAddr,
			Governor: ownerAddr,
			Limits:   vault.Limits{MaxPerTx: dec("50"), DailyLimit: dec("100")},
		}),
		Shares: shares,
	})
	home.Faucet("funder", dec("1000"))
	_, err := home.Deposit(context.Background(), "funder", dec("1000"))
	require.NoError(t, err)

	signer, err := settlement.NewLocalSigner(agentAddr, make([]byte, 32))
	require.NoError(t, err)

	ledgers := map[string]ledger.Client{"home": home}
	bridge := settlement.NewBridge(settlement.BridgeConfig{
		Ledgers: ledgers,
		Agent:   agentAddr,
		Signer:  signer,
		Store:   settlement.NewMemoryStore(),
		Policy:  settlement.Policy{MaxFee: dec("5")},
	})

	linkReg := identity.NewRegistry(identity.NewMemorySource(), nil, 0)
	require.NoError(t, linkReg.Link(context.Background(), "alice@example.com", "0xalice"))

	orch := treasury.New(treasury.Config{
		Ledgers:    ledgers,
		HomeLedger: "home",
		Agent:      agentAddr,
		Governor:   ownerAddr,
		Bridge:     bridge,
		Revenue:    revenue.NewDistributor(shares, ownerAddr),
		Equity:     shares,
		Identity:   linkReg,
	})
	orch.SetGovernance(governance.NewController(shares, linkReg, orch.GovernanceExecutor(), nil, governance.Config{
		VotingDelay:  time.Hour,
		VotingPeriod: 24 * time.Hour,
	}))

	authSvc := auth.NewService("test-secret", time.Hour)
	gw := NewGateway(Config{}, orch, authSvc, nil)
	return &testServer{gw: gw, authSvc: authSvc}
}

func (s *testServer) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.gw.Handler().ServeHTTP(w, req)
	return w
}

func (s *testServer) token(t *testing.T, address string, roles ...string) string {
	t.Helper()
	token, err := s.authSvc.IssueToken(address, roles)
	require.NoError(t, err)
	return token
}

func TestGatewayAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("should serve health without auth", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should reject missing and invalid tokens", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/api/v1/vaults", "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = s.request(t, http.MethodGet, "/api/v1/vaults", "garbage", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should enforce the operator role on transfers", func(t *testing.T) {
		holder := s.token(t, "0xalice", RoleHolder)
		w := s.request(t, http.MethodPost, "/api/v1/vaults/home/transfers", holder,
			`{"recipient":"0xvendor","amount":"10"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestGatewayVaults(t *testing.T) {
	s := newTestServer(t)
	operator := s.token(t, "0xoperator", RoleOperator)

	t.Run("should execute a transfer and return the result", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/vaults/home/transfers", operator,
			`{"recipient":"0xvendor","amount":"40"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var result treasury.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.Success)
		assert.NotEmpty(t, result.TxHash)
	})

	t.Run("should answer a policy refusal with 422 and the reason", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/vaults/home/transfers", operator,
			`{"recipient":"0xvendor","amount":"60"}`)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var result treasury.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.False(t, result.Success)
		assert.Equal(t, string(vault.ReasonExceedsMaxPerTx), result.Reason)
	})

	t.Run("should 404 unknown ledgers", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/vaults/nowhere/transfers", operator,
			`{"recipient":"0xvendor","amount":"10"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should reject malformed amounts", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/vaults/home/transfers", operator,
			`{"recipient":"0xvendor","amount":"ten"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should preview transfers via query parameters", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/api/v1/vaults/home/preview?recipient=0xvendor&amount=45", operator, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Allowed bool   `json:"allowed"`
			Reason  string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Allowed)
	})

	t.Run("should run payroll and report per-line outcomes", func(t *testing.T) {
		s := newTestServer(t)
		operator := s.token(t, "0xoperator", RoleOperator)

		w := s.request(t, http.MethodPost, "/api/v1/vaults/home/payroll", operator,
			`{"payments":[{"recipient":"0xdev1","amount":"30"},{"recipient":"0xdev2","amount":"60"}]}`)
		require.Equal(t, http.StatusOK, w.Code)

		var result struct {
			Success bool `json:"success"`
			Detail  struct {
				Succeeded int `json:"succeeded"`
				Failed    int `json:"failed"`
			} `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Detail.Succeeded)
		assert.Equal(t, 1, result.Detail.Failed)
	})
}

func TestGatewayGovernance(t *testing.T) {
	s := newTestServer(t)
	holder := s.token(t, "0xalice", RoleHolder)

	t.Run("should create and list proposals as the token holder", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/governance/proposals", holder,
			`{"action":"dissolve","description":"wind down"}`)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.request(t, http.MethodGet, "/api/v1/governance/proposals", holder, "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Proposals []json.RawMessage `json:"proposals"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Proposals, 1)
	})

	t.Run("should reject unsupported actions with 422", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/governance/proposals", holder,
			`{"action":"mint_money","description":"nope"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}
