// Package config loads service configuration. Sources are applied in order,
// later ones winning: built-in defaults, an optional YAML file named by
// CONFIG_FILE, a .env file, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/simtrade/ledger-service/internal/asset"
)

// Price feed names accepted by PRICE_FEED.
const (
	FeedCoinGecko = "coingecko"
	FeedBinance   = "binance"
	FeedStatic    = "static"
)

// Config holds every setting of the service.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Cash credited to self-registered accounts.
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
	// Whether operator trades are refused when the balance does not cover them.
	AdminEnforceFunds bool `yaml:"admin_enforce_funds"`

	Oracle OracleConfig `yaml:"oracle"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`

	// Extra assets appended to the built-in catalog; an entry with an
	// existing id or symbol replaces it.
	Assets []asset.Asset `yaml:"assets"`
}

type OracleConfig struct {
	Feed             string        `yaml:"feed"`
	CoinGeckoURL     string        `yaml:"coingecko_url"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	PriceTTL time.Duration `yaml:"price_ttl"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "text"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              "8080",
		StartingBalance:   decimal.Zero,
		AdminEnforceFunds: true,
		Oracle: OracleConfig{
			Feed:             FeedCoinGecko,
			CoinGeckoURL:     "https://api.coingecko.com/api/v3",
			Timeout:          5 * time.Second,
			FailureThreshold: 1,
			Cooldown:         time.Minute,
		},
		Cache: CacheConfig{
			TTL:      30 * time.Second,
			PriceTTL: time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration from every source. A missing .env file is
// not an error; a missing CONFIG_FILE is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables. lookup is
// os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("PRICE_FEED", &c.Oracle.Feed)
	str("COINGECKO_URL", &c.Oracle.CoinGeckoURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup("STARTING_BALANCE"); ok && v != "" {
		b, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("STARTING_BALANCE: %w", err)
		}
		c.StartingBalance = b
	}
	if v, ok := lookup("ADMIN_ENFORCE_FUNDS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ADMIN_ENFORCE_FUNDS: %w", err)
		}
		c.AdminEnforceFunds = b
	}
	if v, ok := lookup("ORACLE_FAILURE_THRESHOLD"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORACLE_FAILURE_THRESHOLD: %w", err)
		}
		c.Oracle.FailureThreshold = n
	}

	for key, dst := range map[string]*time.Duration{
		"ORACLE_TIMEOUT":  &c.Oracle.Timeout,
		"ORACLE_COOLDOWN": &c.Oracle.Cooldown,
		"CACHE_TTL":       &c.Cache.TTL,
		"PRICE_CACHE_TTL": &c.Cache.PriceTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("port must be numeric, got %q", c.Port)
	}
	if c.StartingBalance.IsNegative() {
		return fmt.Errorf("starting balance must not be negative, got %s", c.StartingBalance)
	}

	c.Oracle.Feed = strings.ToLower(c.Oracle.Feed)
	switch c.Oracle.Feed {
	case FeedCoinGecko, FeedBinance, FeedStatic:
	default:
		return fmt.Errorf("unknown price feed %q (want %s, %s or %s)",
			c.Oracle.Feed, FeedCoinGecko, FeedBinance, FeedStatic)
	}
	if c.Oracle.FailureThreshold < 1 {
		return fmt.Errorf("oracle failure threshold must be at least 1")
	}
	if c.Oracle.Timeout <= 0 || c.Oracle.Cooldown <= 0 {
		return fmt.Errorf("oracle timeout and cooldown must be positive")
	}
	if c.Cache.TTL <= 0 || c.Cache.PriceTTL <= 0 {
		return fmt.Errorf("cache ttls must be positive")
	}

	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Catalog builds the asset catalog: the built-in table plus configured assets.
func (c *Config) Catalog() (*asset.Catalog, error) {
	return asset.NewCatalog(append(asset.Defaults(), c.Assets...))
}
