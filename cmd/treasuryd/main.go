package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/vaultbridge/internal/audit"
	"github.com/terminal-bench/vaultbridge/internal/auth"
	"github.com/terminal-bench/vaultbridge/internal/config"
	"github.com/terminal-bench/vaultbridge/internal/equity"
	"github.com/terminal-bench/vaultbridge/internal/gateway"
	"github.com/terminal-bench/vaultbridge/internal/governance"
	"github.com/terminal-bench/vaultbridge/internal/identity"
	"github.com/terminal-bench/vaultbridge/internal/ledger"
	"github.com/terminal-bench/vaultbridge/internal/revenue"
	"github.com/terminal-bench/vaultbridge/internal/settlement"
	"github.com/terminal-bench/vaultbridge/internal/treasury"
	"github.com/terminal-bench/vaultbridge/internal/vault"
	"github.com/terminal-bench/vaultbridge/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to NATS
	var msgClient *messaging.Client
	var events messaging.Publisher = messaging.NopPublisher{}
	if cfg.NATSUrl != "" {
		msgClient, err = messaging.NewClient(cfg.NATSUrl, messaging.ClientOptions{
			Name:          "treasuryd",
			ReconnectWait: time.Second,
			MaxReconnects: 60,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
		events = msgClient
	}

	// Share ledger. In remote mode the on-ledger registry is authoritative;
	// this mirror backs governance snapshots and revenue checkpoints.
	shares := equity.NewLedger(parseAllocation(os.Getenv("EQUITY_ALLOCATION"), cfg.GovernorAddress))

	// Ledger clients
	ledgers := make(map[string]ledger.Client)
	if len(cfg.Ledgers) == 0 {
		log.Println("No LEDGER_ENDPOINTS configured, running with in-memory ledgers")
		for _, id := range []string{cfg.HomeLedger, "base"} {
			ledgers[id] = ledger.NewMemoryClient(ledger.MemoryConfig{
				LedgerID:    id,
				ExplorerURL: "https://explorer.local/" + id + "/tx/",
				Vault: vault.New(vault.Config{
					LedgerID: id,
					Owner:    cfg.OwnerAddress,
					Agent:    cfg.AgentAddress,
					Governor: cfg.GovernorAddress,
				}),
				Shares: shares,
			})
		}
	} else {
		for id, url := range cfg.Ledgers {
			ledgers[id] = ledger.NewRPCClient(ledger.RPCConfig{
				LedgerID: id,
				BaseURL:  url,
			})
		}
	}
	if _, ok := ledgers[cfg.HomeLedger]; !ok {
		log.Fatalf("Home ledger %s has no configured endpoint", cfg.HomeLedger)
	}

	// Settlement intent store
	var store settlement.IntentStore = settlement.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		pg := settlement.NewPostgresStore(db)
		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		store = pg
	}

	// Settlement signer
	seed := make([]byte, 32)
	if cfg.SignerSeed != "" {
		seed, err = hex.DecodeString(strings.TrimPrefix(cfg.SignerSeed, "0x"))
		if err != nil {
			log.Fatalf("Invalid SIGNER_SEED: %v", err)
		}
	} else if _, err := rand.Read(seed); err != nil {
		log.Fatalf("Failed to generate signer seed: %v", err)
	}
	signer, err := settlement.NewLocalSigner(cfg.AgentAddress, seed)
	if err != nil {
		log.Fatalf("Failed to create signer: %v", err)
	}

	bridge := settlement.NewBridge(settlement.BridgeConfig{
		Ledgers:  ledgers,
		Agent:    cfg.AgentAddress,
		Signer:   signer,
		Attestor: settlement.NewAttestationClient(cfg.AttestorURL, 10*time.Second),
		Store:    store,
		Events:   events,
		Policy: settlement.Policy{
			MaxFee:       cfg.SettlementMaxFee,
			PollInterval: cfg.PollInterval,
			MaxWait:      cfg.MaxWait,
		},
	})

	// Identity registry with optional Redis cache
	var cache identity.KV
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		cache = identity.NewRedisKV(rdb)
	}
	registry := identity.NewRegistry(identity.NewMemorySource(), cache, 5*time.Minute)

	// Optional etcd for cross-process vault locks
	var etcdClient *clientv3.Client
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdClient.Close()
	}

	recorder := audit.NewRecorder(audit.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	defer recorder.Close()

	orch := treasury.New(treasury.Config{
		Ledgers:    ledgers,
		HomeLedger: cfg.HomeLedger,
		Agent:      cfg.AgentAddress,
		Governor:   cfg.GovernorAddress,
		Bridge:     bridge,
		Revenue:    revenue.NewDistributor(shares, cfg.OwnerAddress),
		Equity:     shares,
		Identity:   registry,
		Events:     events,
		Audit:      recorder,
		Etcd:       etcdClient,
	})
	orch.SetGovernance(governance.NewController(shares, registry, orch.GovernanceExecutor(), events, governance.Config{
		VotingDelay:    cfg.VotingDelay,
		VotingPeriod:   cfg.VotingPeriod,
		QuorumFraction: cfg.QuorumFraction,
	}))

	gw := gateway.NewGateway(gateway.Config{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, orch, auth.NewService(cfg.JWTSecret, cfg.TokenTTL), msgClient)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Treasury service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down treasury service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Treasury service stopped")
}

// parseAllocation reads "addr=shares,addr=shares". When empty, the whole
// supply goes to the fallback address.
func parseAllocation(raw, fallback string) map[string]decimal.Decimal {
	allocation := make(map[string]decimal.Decimal)
	if raw == "" {
		allocation[fallback] = decimal.NewFromInt(1_000_000)
		return allocation
	}
	for _, pair := range strings.Split(raw, ",") {
		addr, sharesStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			log.Fatalf("Invalid EQUITY_ALLOCATION entry %q", pair)
		}
		shares, err := decimal.NewFromString(sharesStr)
		if err != nil {
			log.Fatalf("Invalid EQUITY_ALLOCATION amount %q: %v", sharesStr, err)
		}
		allocation[addr] = shares
	}
	return allocation
}
