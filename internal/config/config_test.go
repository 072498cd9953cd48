package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.AdminEnforceFunds)
	assert.Equal(t, FeedCoinGecko, cfg.Oracle.Feed)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"PORT":                     "9090",
		"DATABASE_URL":             "postgres://localhost/simtrade",
		"PRICE_FEED":               "Binance",
		"STARTING_BALANCE":         "10000.50",
		"ADMIN_ENFORCE_FUNDS":      "false",
		"ORACLE_FAILURE_THRESHOLD": "3",
		"ORACLE_COOLDOWN":          "30s",
		"PRICE_CACHE_TTL":          "2m",
		"LOG_LEVEL":                "debug",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://localhost/simtrade", cfg.DatabaseURL)
	assert.Equal(t, FeedBinance, cfg.Oracle.Feed)
	assert.True(t, cfg.StartingBalance.Equal(decimal.RequireFromString("10000.50")))
	assert.False(t, cfg.AdminEnforceFunds)
	assert.Equal(t, 3, cfg.Oracle.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Oracle.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Cache.PriceTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnv_EmptyValuesKeepDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{"PORT": "", "ADMIN_ENFORCE_FUNDS": ""})))
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.AdminEnforceFunds)
}

func TestApplyEnv_Malformed(t *testing.T) {
	for key, val := range map[string]string{
		"STARTING_BALANCE":         "lots",
		"ADMIN_ENFORCE_FUNDS":      "maybe",
		"ORACLE_FAILURE_THRESHOLD": "x",
		"CACHE_TTL":                "soon",
	} {
		cfg := Default()
		err := cfg.applyEnv(env(map[string]string{key: val}))
		assert.ErrorContains(t, err, key)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = "http" }},
		{"negative balance", func(c *Config) { c.StartingBalance = decimal.NewFromInt(-1) }},
		{"feed", func(c *Config) { c.Oracle.Feed = "kraken" }},
		{"threshold", func(c *Config) { c.Oracle.FailureThreshold = 0 }},
		{"cooldown", func(c *Config) { c.Oracle.Cooldown = 0 }},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
starting_balance: 2500
admin_enforce_funds: false
oracle:
  feed: static
  cooldown: 90s
assets:
  - id: dogecoin
    symbol: doge
    name: Dogecoin
    class: crypto
    reference_price: "0.12"
`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "7000", cfg.Port)
	assert.True(t, cfg.StartingBalance.Equal(decimal.NewFromInt(2500)))
	assert.False(t, cfg.AdminEnforceFunds)
	assert.Equal(t, FeedStatic, cfg.Oracle.Feed)
	assert.Equal(t, 90*time.Second, cfg.Oracle.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Oracle.Timeout, "unset keys keep defaults")

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	doge, ok := catalog.BySymbol("DOGE")
	require.True(t, ok)
	assert.Equal(t, "dogecoin", doge.ID)
	assert.True(t, doge.ReferencePrice.Equal(decimal.RequireFromString("0.12")))
	_, ok = catalog.BySymbol("BTC")
	assert.True(t, ok, "built-in assets kept")
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.loadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unclosed"), 0o600))
	assert.Error(t, cfg.loadFile(path))
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env here
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "8181")
	t.Setenv("PRICE_FEED", "static")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8181", cfg.Port)
	assert.Equal(t, FeedStatic, cfg.Oracle.Feed)
}
