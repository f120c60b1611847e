package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("OBSERVER_POLL_INTERVAL", "45s")
	t.Setenv("OBSERVER_TOLERANCE", "0.02")
	t.Setenv("GIFT_CURRENCIES", "matic, eth")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, 45*time.Second, cfg.Observer.PollInterval)
	assert.True(t, cfg.Observer.Tolerance.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, []string{"MATIC", "ETH"}, cfg.Gift.Currencies)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Gift.MinUnlockLead)
	assert.Equal(t, time.Hour, cfg.Gift.ReservationWindow)
	assert.Equal(t, 30*24*time.Hour, cfg.Reaper.ExpiryGrace)
	assert.Equal(t, uint64(1), cfg.Chain.Confirmations)
	assert.True(t, cfg.Observer.Tolerance.Equal(decimal.RequireFromString("0.01")))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		cfg.Wallet.EncryptionSecret = "secret"
		cfg.Chain.RPCPrimary = "http://localhost:8545"
		cfg.Chain.ContractAddress = "0x1111111111111111111111111111111111111111"
		cfg.Chain.OperatorAddress = "0x2222222222222222222222222222222222222222"
		cfg.Chain.FallbackAddress = "0x3333333333333333333333333333333333333333"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.Wallet.EncryptionSecret = "" },
			wantErr: "WALLET_ENCRYPTION_SECRET",
		},
		{
			name:    "bad fallback address",
			mutate:  func(c *Config) { c.Chain.FallbackAddress = "0x123" },
			wantErr: "FALLBACK_ADDRESS",
		},
		{
			name:    "zero confirmations",
			mutate:  func(c *Config) { c.Chain.Confirmations = 0 },
			wantErr: "CHAIN_CONFIRMATIONS",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(c *Config) { c.Observer.PollInterval = 0 },
			wantErr: "intervals",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")
	t.Setenv("TEST_DURATION", "5m")
	t.Setenv("TEST_DECIMAL", "1.25")
	t.Setenv("TEST_BOOL", "false")

	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))
	assert.Equal(t, 5*time.Minute, getEnvAsDuration("TEST_DURATION", time.Second))
	assert.True(t, getEnvAsDecimal("TEST_DECIMAL", decimal.Zero).Equal(decimal.RequireFromString("1.25")))
	assert.False(t, getEnvAsBool("TEST_BOOL", true))
	assert.Equal(t, "fallback", getEnv("NONEXISTENT_KEY", "fallback"))
}
