package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	nats "github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/vaultbridge/internal/auth"
	"github.com/terminal-bench/vaultbridge/internal/governance"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/internal/treasury"
	"github.com/terminal-bench/vaultbridge/pkg/messaging"
)

// Gateway roles. They gate which endpoints a token may hit; the vault policy
// on the ledger remains the real enforcement boundary.
const (
	RoleOperator = "operator"
	RoleHolder   = "holder"
	RoleAdmin    = "admin"
)

// Gateway is the HTTP API over the treasury orchestrator
type Gateway struct {
	router    *gin.Engine
	orch      *treasury.Orchestrator
	auth      *auth.Service
	msgClient *messaging.Client

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient

	rateLimiter *RateLimiter
}

// WSClient represents a connected event-stream subscriber
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn

	Send chan []byte
	Done chan struct{}
}

// RateLimiter implements per-IP sliding-window rate limiting
type RateLimiter struct {
	requests map[string][]time.Time

	mu     sync.Mutex
	limit  int
	window time.Duration
}

// Config holds gateway configuration
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway creates the API gateway. msgClient may be nil; the event stream
// is then unavailable but all request endpoints still work.
func NewGateway(cfg Config, orch *treasury.Orchestrator, authSvc *auth.Service, msgClient *messaging.Client) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.Default(),
		orch:      orch,
		auth:      authSvc,
		msgClient: msgClient,
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	g.subscribeEvents()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	// Health check
	g.router.GET("/health", g.healthCheck)

	// API v1
	v1 := g.router.Group("/api/v1")
	{
		// Vault status and policy preview
		v1.GET("/vaults", g.authMiddleware(), g.listVaults)
		v1.GET("/vaults/:ledger", g.authMiddleware(), g.getVault)
		v1.GET("/vaults/:ledger/preview", g.authMiddleware(), g.previewTransfer)

		// Vault operations
		v1.POST("/vaults/:ledger/transfers", g.authMiddleware(RoleOperator), g.createTransfer)
		v1.POST("/vaults/:ledger/deposits", g.authMiddleware(), g.createDeposit)
		v1.POST("/vaults/:ledger/payroll", g.authMiddleware(RoleOperator), g.runPayroll)

		// Cross-ledger settlements
		v1.POST("/settlements", g.authMiddleware(RoleOperator), g.createSettlement)
		v1.POST("/settlements/:key/resume", g.authMiddleware(RoleOperator), g.resumeSettlement)

		// Governance
		v1.GET("/governance/proposals", g.authMiddleware(), g.listProposals)
		v1.GET("/governance/proposals/:id", g.authMiddleware(), g.getProposal)
		v1.POST("/governance/proposals", g.authMiddleware(RoleHolder), g.createProposal)
		v1.POST("/governance/proposals/:id/votes", g.authMiddleware(RoleHolder), g.castVote)
		v1.POST("/governance/proposals/:id/execute", g.authMiddleware(RoleHolder), g.executeProposal)

		// Revenue
		v1.POST("/revenue/distributions", g.authMiddleware(RoleAdmin), g.createDistribution)
		v1.POST("/revenue/claims", g.authMiddleware(RoleHolder), g.createClaim)

		// Dissolution
		v1.POST("/dissolution/finalize", g.authMiddleware(RoleAdmin), g.finalize)

		// WebSocket event stream
		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start starts the gateway
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Handler exposes the router for tests
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

// authMiddleware verifies the bearer token and, when roles are given,
// requires at least one of them.
func (g *Gateway) authMiddleware(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if len(roles) > 0 {
			allowed := false
			for _, role := range roles {
				if claims.HasRole(role) {
					allowed = true
					break
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
				return
			}
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) claims(c *gin.Context) *auth.Claims {
	return c.MustGet("claims").(*auth.Claims)
}

// dispatch runs a request through the orchestrator and writes the Result.
// A refused operation is a 422 carrying the reason; only infrastructure
// failures map to 5xx.
func (g *Gateway) dispatch(c *gin.Context, req treasury.Request) {
	result, err := g.orch.Dispatch(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLedger) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if g.msgClient != nil {
		status["nats_connected"] = g.msgClient.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

func (g *Gateway) listVaults(c *gin.Context) {
	statuses, err := g.orch.StatusAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vaults": statuses})
}

func (g *Gateway) getVault(c *gin.Context) {
	status, err := g.orch.Status(c.Request.Context(), c.Param("ledger"))
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLedger) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (g *Gateway) previewTransfer(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	recipient := c.Query("recipient")
	if recipient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient is required"})
		return
	}

	ok, reason, err := g.orch.Preview(c.Request.Context(), c.Param("ledger"), recipient, amount)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLedger) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": ok, "reason": reason})
}

type transferRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

func (g *Gateway) createTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	g.dispatch(c, treasury.TransferRequest{
		LedgerID:  c.Param("ledger"),
		Recipient: req.Recipient,
		Amount:    amount,
	})
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) createDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	g.dispatch(c, treasury.DepositRequest{
		LedgerID:  c.Param("ledger"),
		Depositor: g.claims(c).Address,
		Amount:    amount,
	})
}

type payrollRequest struct {
	Payments []struct {
		Recipient string `json:"recipient" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
	} `json:"payments" binding:"required,min=1"`
}

func (g *Gateway) runPayroll(c *gin.Context) {
	var req payrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	payments := make([]treasury.Payment, 0, len(req.Payments))
	for _, p := range req.Payments {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount for " + p.Recipient})
			return
		}
		payments = append(payments, treasury.Payment{Recipient: p.Recipient, Amount: amount})
	}

	// A batch with failed lines is still a 200: the outcome reports each
	// recipient individually.
	result, err := g.orch.Payroll(c.Request.Context(), treasury.PayrollRequest{
		LedgerID: c.Param("ledger"),
		Payments: payments,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLedger) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type settlementRequest struct {
	SourceLedger string `json:"source_ledger" binding:"required"`
	DestLedger   string `json:"dest_ledger" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	MaxFee       string `json:"max_fee"`
}

func (g *Gateway) createSettlement(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	maxFee := decimal.Zero
	if req.MaxFee != "" {
		maxFee, err = decimal.NewFromString(req.MaxFee)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_fee"})
			return
		}
	}

	g.dispatch(c, treasury.SettleRequest{
		SourceLedger: req.SourceLedger,
		DestLedger:   req.DestLedger,
		Amount:       amount,
		MaxFee:       maxFee,
	})
}

func (g *Gateway) resumeSettlement(c *gin.Context) {
	g.dispatch(c, treasury.ResumeSettlementRequest{Key: c.Param("key")})
}

func (g *Gateway) listProposals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"proposals": g.orch.Governance().List()})
}

func (g *Gateway) getProposal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal ID"})
		return
	}
	p, err := g.orch.Governance().Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	state, _ := g.orch.Governance().State(id)
	c.JSON(http.StatusOK, gin.H{"proposal": p, "state": state.String()})
}

type proposalRequest struct {
	Action      string `json:"action" binding:"required"`
	Payload     string `json:"payload"`
	Description string `json:"description" binding:"required"`
}

func (g *Gateway) createProposal(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.dispatch(c, treasury.ProposeRequest{
		Proposer:    g.claims(c).Address,
		Action:      governance.Action(req.Action),
		Payload:     req.Payload,
		Description: req.Description,
	})
}

type voteRequest struct {
	Support string `json:"support" binding:"required"`
}

func (g *Gateway) castVote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal ID"})
		return
	}
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var support governance.Support
	switch req.Support {
	case "for":
		support = governance.For
	case "against":
		support = governance.Against
	case "abstain":
		support = governance.Abstain
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "support must be for, against or abstain"})
		return
	}

	g.dispatch(c, treasury.VoteRequest{
		ProposalID: id,
		Voter:      g.claims(c).Address,
		Support:    support,
	})
}

type executeRequest struct {
	Action      string `json:"action" binding:"required"`
	Payload     string `json:"payload"`
	Description string `json:"description" binding:"required"`
}

func (g *Gateway) executeProposal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal ID"})
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g.dispatch(c, treasury.ExecuteRequest{
		ProposalID:  id,
		Action:      governance.Action(req.Action),
		Payload:     req.Payload,
		Description: req.Description,
	})
}

type distributionRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) createDistribution(c *gin.Context) {
	var req distributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	g.dispatch(c, treasury.DistributeRequest{
		Caller: g.claims(c).Address,
		Amount: amount,
	})
}

func (g *Gateway) createClaim(c *gin.Context) {
	g.dispatch(c, treasury.ClaimRequest{Holder: g.claims(c).Address})
}

func (g *Gateway) finalize(c *gin.Context) {
	g.dispatch(c, treasury.FinalizeRequest{})
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage wraps one NATS event for the websocket feed
type StreamMessage struct {
	Subject string          `json:"subject"`
	Event   json.RawMessage `json:"event"`
}

// subscribeEvents fans the treasury event subjects out to connected
// websocket clients
func (g *Gateway) subscribeEvents() {
	if g.msgClient == nil {
		return
	}
	for _, subject := range []string{"vault.>", "settlement.>", "governance.>", "revenue.>"} {
		g.msgClient.Subscribe(subject, func(msg *nats.Msg) {
			payload, err := json.Marshal(StreamMessage{Subject: msg.Subject, Event: msg.Data})
			if err != nil {
				return
			}
			g.broadcast(payload)
		})
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if g.msgClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,

		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
			// Slow consumer; drop the event rather than block the feed
		}
	}
}

// Allow checks if a request is allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0)
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
