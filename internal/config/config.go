package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the full treasury service configuration, loaded from the
// environment. Optional backends (Postgres, Redis, etcd, InfluxDB, NATS)
// are disabled when their endpoint is empty; the service then runs with
// in-process fallbacks.
type Config struct {
	Port      string
	JWTSecret string
	TokenTTL  time.Duration

	// Ledgers maps ledger id to vault RPC endpoint, parsed from
	// LEDGER_ENDPOINTS ("home=http://a:8545,base=http://b:8545"). Empty
	// means local in-memory ledgers for development.
	Ledgers    map[string]string
	HomeLedger string

	AgentAddress    string
	OwnerAddress    string
	GovernorAddress string
	SignerSeed      string

	AttestorURL string

	NATSUrl       string
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
	EtcdEndpoints []string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	SettlementMaxFee decimal.Decimal
	PollInterval     time.Duration
	MaxWait          time.Duration

	VotingDelay    time.Duration
	VotingPeriod   time.Duration
	QuorumFraction decimal.Decimal

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		Port:      getEnv("PORT", "8000"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getDuration("TOKEN_TTL", 24*time.Hour),

		HomeLedger: getEnv("HOME_LEDGER", "home"),

		AgentAddress:    getEnv("AGENT_ADDRESS", ""),
		OwnerAddress:    getEnv("OWNER_ADDRESS", ""),
		GovernorAddress: getEnv("GOVERNOR_ADDRESS", ""),
		SignerSeed:      getEnv("SIGNER_SEED", ""),

		AttestorURL: getEnv("ATTESTOR_URL", ""),

		NATSUrl:       getEnv("NATS_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "treasury"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "audit"),

		PollInterval: getDuration("SETTLEMENT_POLL_INTERVAL", 3*time.Second),
		MaxWait:      getDuration("SETTLEMENT_MAX_WAIT", 180*time.Second),

		VotingDelay:  getDuration("VOTING_DELAY", time.Hour),
		VotingPeriod: getDuration("VOTING_PERIOD", 72*time.Hour),

		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: getDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	// Without a dedicated owner the governor holds both roles and keeps
	// their combined capabilities.
	if cfg.OwnerAddress == "" {
		cfg.OwnerAddress = cfg.GovernorAddress
	}

	var err error
	cfg.Ledgers, err = parseLedgers(getEnv("LEDGER_ENDPOINTS", ""))
	if err != nil {
		return nil, err
	}

	if eps := getEnv("ETCD_ENDPOINTS", ""); eps != "" {
		cfg.EtcdEndpoints = strings.Split(eps, ",")
	}

	cfg.SettlementMaxFee, err = getDecimal("SETTLEMENT_MAX_FEE", "0")
	if err != nil {
		return nil, err
	}
	cfg.QuorumFraction, err = getDecimal("QUORUM_FRACTION", "0.25")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseLedgers(raw string) (map[string]string, error) {
	ledgers := make(map[string]string)
	if raw == "" {
		return ledgers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid LEDGER_ENDPOINTS entry %q", pair)
		}
		ledgers[id] = url
	}
	return ledgers, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	val := getEnv(key, defaultVal)
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
