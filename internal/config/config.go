// Package config provides configuration management for the gift service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chain     ChainConfig
	Gift      GiftConfig
	Observer  ObserverConfig
	Reaper    ReaperConfig
	Wallet    WalletConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Workers   WorkersConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port       string
	Host       string
	AdminToken string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration.
// The audit trail is skipped when Enabled is false.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the chain client and contract configuration
type ChainConfig struct {
	Name               string
	ChainID            int64
	RPCPrimary         string
	RPCSecondary       string
	WSURL              string
	ContractAddress    string
	OperatorAddress    string
	OperatorPrivateKey string
	FallbackAddress    string
	CallTimeout        time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	Confirmations      uint64
}

// GiftConfig holds gift creation parameters
type GiftConfig struct {
	FeeRate           decimal.Decimal
	GasLimitEstimate  uint64
	GasFeeFallback    decimal.Decimal
	MinUnlockLead     time.Duration
	ReservationWindow time.Duration
	Currencies        []string
}

// ObserverConfig holds payment observer configuration
type ObserverConfig struct {
	PollInterval            time.Duration
	Tolerance               decimal.Decimal
	ReservationGrace        time.Duration
	MaxLockAttempts         int
	LockLease               time.Duration
	MinGasReserve           decimal.Decimal
	SubscribeMaxAttempts    int
	SubscribeInitialBackoff time.Duration
	SubscribeMaxBackoff     time.Duration
	BatchSize               int
}

// ReaperConfig holds expiry reaper configuration
type ReaperConfig struct {
	AutoTransferInterval    time.Duration
	ExpirySweepInterval     time.Duration
	MaxAutoTransferAttempts int
	ExpiryGrace             time.Duration
	BatchSize               int
}

// WalletConfig holds wallet pool configuration
type WalletConfig struct {
	EncryptionSecret string
	MinPoolSize      int
	MaintainInterval time.Duration
	BalanceCacheTTL  time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// WorkersConfig controls which background workers a binary starts
type WorkersConfig struct {
	Enabled         bool
	EventSubscriber bool
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "timelock_gifts"),
				User:           getEnv("POSTGRES_USER", "gifts"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "timelock_gifts"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			Name:               getEnv("CHAIN_NAME", "polygon"),
			ChainID:            int64(getEnvAsInt("CHAIN_ID", 137)),
			RPCPrimary:         getEnv("CHAIN_RPC_PRIMARY", ""),
			RPCSecondary:       getEnv("CHAIN_RPC_SECONDARY", ""),
			WSURL:              getEnv("CHAIN_WS_URL", ""),
			ContractAddress:    getEnv("GIFT_CONTRACT_ADDRESS", ""),
			OperatorAddress:    getEnv("OPERATOR_ADDRESS", ""),
			OperatorPrivateKey: getEnv("OPERATOR_PRIVATE_KEY", ""),
			FallbackAddress:    getEnv("FALLBACK_ADDRESS", ""),
			CallTimeout:        getEnvAsDuration("CHAIN_CALL_TIMEOUT", 10*time.Second),
			MaxRetries:         getEnvAsInt("CHAIN_MAX_RETRIES", 3),
			RetryDelay:         getEnvAsDuration("CHAIN_RETRY_DELAY", time.Second),
			Confirmations:      uint64(getEnvAsInt("CHAIN_CONFIRMATIONS", 1)),
		},
		Gift: GiftConfig{
			FeeRate:           getEnvAsDecimal("GIFT_FEE_RATE", decimal.RequireFromString("0.02")),
			GasLimitEstimate:  uint64(getEnvAsInt("GIFT_GAS_LIMIT_ESTIMATE", 250000)),
			GasFeeFallback:    getEnvAsDecimal("GIFT_GAS_FEE_FALLBACK", decimal.RequireFromString("0.05")),
			MinUnlockLead:     getEnvAsDuration("GIFT_MIN_UNLOCK_LEAD", 2*time.Hour),
			ReservationWindow: getEnvAsDuration("GIFT_RESERVATION_WINDOW", time.Hour),
			Currencies:        getEnvAsList("GIFT_CURRENCIES", []string{"MATIC", "POL", "ETH"}),
		},
		Observer: ObserverConfig{
			PollInterval:            getEnvAsDuration("OBSERVER_POLL_INTERVAL", 30*time.Second),
			Tolerance:               getEnvAsDecimal("OBSERVER_TOLERANCE", decimal.RequireFromString("0.01")),
			ReservationGrace:        getEnvAsDuration("OBSERVER_RESERVATION_GRACE", 24*time.Hour),
			MaxLockAttempts:         getEnvAsInt("OBSERVER_MAX_LOCK_ATTEMPTS", 3),
			LockLease:               getEnvAsDuration("OBSERVER_LOCK_LEASE", 5*time.Minute),
			MinGasReserve:           getEnvAsDecimal("OBSERVER_MIN_GAS_RESERVE", decimal.RequireFromString("0.001")),
			SubscribeMaxAttempts:    getEnvAsInt("OBSERVER_SUBSCRIBE_MAX_ATTEMPTS", 5),
			SubscribeInitialBackoff: getEnvAsDuration("OBSERVER_SUBSCRIBE_INITIAL_BACKOFF", time.Second),
			SubscribeMaxBackoff:     getEnvAsDuration("OBSERVER_SUBSCRIBE_MAX_BACKOFF", 30*time.Second),
			BatchSize:               getEnvAsInt("OBSERVER_BATCH_SIZE", 100),
		},
		Reaper: ReaperConfig{
			AutoTransferInterval:    getEnvAsDuration("REAPER_AUTO_TRANSFER_INTERVAL", 15*time.Minute),
			ExpirySweepInterval:     getEnvAsDuration("REAPER_EXPIRY_SWEEP_INTERVAL", 24*time.Hour),
			MaxAutoTransferAttempts: getEnvAsInt("REAPER_MAX_AUTO_TRANSFER_ATTEMPTS", 5),
			ExpiryGrace:             getEnvAsDuration("REAPER_EXPIRY_GRACE", 30*24*time.Hour),
			BatchSize:               getEnvAsInt("REAPER_BATCH_SIZE", 100),
		},
		Wallet: WalletConfig{
			EncryptionSecret: getEnv("WALLET_ENCRYPTION_SECRET", ""),
			MinPoolSize:      getEnvAsInt("WALLET_MIN_POOL_SIZE", 20),
			MaintainInterval: getEnvAsDuration("WALLET_MAINTAIN_INTERVAL", 10*time.Minute),
			BalanceCacheTTL:  getEnvAsDuration("WALLET_BALANCE_CACHE_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Workers: WorkersConfig{
			Enabled:         getEnvAsBool("WORKERS_ENABLED", true),
			EventSubscriber: getEnvAsBool("WORKERS_EVENT_SUBSCRIBER", true),
		},
	}

	return config, nil
}

// Validate checks the settings every binary depends on
func (c *Config) Validate() error {
	if c.Wallet.EncryptionSecret == "" {
		return fmt.Errorf("WALLET_ENCRYPTION_SECRET is required")
	}
	if c.Chain.RPCPrimary == "" {
		return fmt.Errorf("CHAIN_RPC_PRIMARY is required")
	}

	addresses := map[string]string{
		"GIFT_CONTRACT_ADDRESS": c.Chain.ContractAddress,
		"OPERATOR_ADDRESS":      c.Chain.OperatorAddress,
		"FALLBACK_ADDRESS":      c.Chain.FallbackAddress,
	}
	for key, value := range addresses {
		if !addressPattern.MatchString(value) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address, got %q", key, value)
		}
	}

	if c.Observer.PollInterval <= 0 || c.Reaper.AutoTransferInterval <= 0 || c.Reaper.ExpirySweepInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if c.Observer.Tolerance.IsNegative() || c.Gift.FeeRate.IsNegative() {
		return fmt.Errorf("tolerance and fee rate must not be negative")
	}
	if c.Chain.Confirmations < 1 {
		return fmt.Errorf("CHAIN_CONFIRMATIONS must be at least 1")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal parses a decimal amount, keeping the default on malformed input
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value, err := decimal.NewFromString(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToUpper(item))
		}
	}
	return out
}
