// Package config defines the top-level configuration for the perp agent
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPAGENT_* environment variables.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Venue    VenueConfig    `toml:"venue"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Trading  TradingConfig  `toml:"trading"`
	Worker   WorkerConfig   `toml:"worker"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VaultConfig holds key-vault material for decrypting agent signing keys
// and the optional operator fallback key.
type VaultConfig struct {
	// EncryptionKey is the master passphrase the per-agent AES keys are
	// derived from. Injected via PERPAGENT_VAULT_ENCRYPTION_KEY in
	// production.
	EncryptionKey      string `toml:"encryption_key"`
	OperatorPrivateKey string `toml:"operator_private_key"`
	EncryptedKeyPath   string `toml:"encrypted_key_path"`
	KeyPassword        string `toml:"key_password"`
}

// VenueConfig holds on-chain venue endpoints and contract parameters.
type VenueConfig struct {
	Name            string `toml:"name"`
	RPCURL          string `toml:"rpc_url"`
	BackupRPCURL    string `toml:"backup_rpc_url"`
	ChainID         int64  `toml:"chain_id"`
	TradingContract string `toml:"trading_contract"`
	SubgraphURL     string `toml:"subgraph_url"`
	SubgraphAPIKey  string `toml:"subgraph_api_key"`
	PriceFeedURL    string `toml:"price_feed_url"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the lifecycle parameters: retry bounds, index
// resolution pacing, and protective-order safety margins.
type TradingConfig struct {
	// MaxAttempts bounds OrderSubmitter retries per operation.
	MaxAttempts int `toml:"max_attempts"`
	// BackoffBase scales linearly per attempt (2s, 4s, 6s, ...).
	BackoffBase duration `toml:"backoff_base"`
	// ResolveDelay is the initial keeper-fill wait before the first
	// index poll.
	ResolveDelay        duration `toml:"resolve_delay"`
	ResolveMaxPolls     int      `toml:"resolve_max_polls"`
	ResolveInterval     duration `toml:"resolve_interval"`
	CollateralTolerance float64  `toml:"collateral_tolerance"`
	LiquidationBuffer   float64  `toml:"liquidation_buffer"`
	// FailOpen lets open requests proceed when the idempotency store is
	// unreachable. Off by default: duplicate submission moves real
	// capital.
	FailOpen     bool     `toml:"fail_open"`
	ProbeTimeout duration `toml:"probe_timeout"`
	PriceMaxAge  duration `toml:"price_max_age"`
	MarketTTL    duration `toml:"market_ttl"`
}

// WorkerConfig holds background reconciliation and archive parameters.
type WorkerConfig struct {
	Enabled              bool     `toml:"enabled"`
	ReconcileInterval    duration `toml:"reconcile_interval"`
	ReconcileBatch       int      `toml:"reconcile_batch"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			Name:         "OSTIUM",
			RPCURL:       "https://arb1.arbitrum.io/rpc",
			ChainID:      42161,
			SubgraphURL:  "https://subgraph.satsuma-prod.com/ostium/mainnet/api",
			PriceFeedURL: "https://metadata-backend.ostium.io/PricePublish/latest-prices",
		},
		Database: DatabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "perpagent",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpagent-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			MaxAttempts:         3,
			BackoffBase:         duration{2 * time.Second},
			ResolveDelay:        duration{10 * time.Second},
			ResolveMaxPolls:     5,
			ResolveInterval:     duration{3 * time.Second},
			CollateralTolerance: 0.05,
			LiquidationBuffer:   0.02,
			FailOpen:            false,
			ProbeTimeout:        duration{3 * time.Second},
			PriceMaxAge:         duration{30 * time.Second},
			MarketTTL:           duration{5 * time.Minute},
		},
		Worker: WorkerConfig{
			Enabled:              true,
			ReconcileInterval:    duration{30 * time.Second},
			ReconcileBatch:       25,
			ArchiveRetentionDays: 90,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   60,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "position_failed", "agent_low_funds"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"reconcile": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, reconcile, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Vault: the master key is required to decrypt agent keys; the
	// operator key is an optional fallback for non-delegated operation.
	if c.Vault.EncryptionKey == "" && c.Vault.OperatorPrivateKey == "" && c.Vault.EncryptedKeyPath == "" {
		errs = append(errs, "vault: encryption_key, operator_private_key, or encrypted_key_path must be set")
	}
	if c.Vault.EncryptedKeyPath != "" && c.Vault.KeyPassword == "" {
		errs = append(errs, "vault: key_password is required when encrypted_key_path is set")
	}

	// Venue endpoints
	if c.Venue.Name == "" {
		errs = append(errs, "venue: name must not be empty")
	}
	if c.Venue.RPCURL == "" {
		errs = append(errs, "venue: rpc_url must not be empty")
	}
	if c.Venue.ChainID <= 0 {
		errs = append(errs, "venue: chain_id must be positive")
	}
	if c.Venue.TradingContract == "" {
		errs = append(errs, "venue: trading_contract must not be empty")
	}
	if c.Venue.SubgraphURL == "" {
		errs = append(errs, "venue: subgraph_url must not be empty")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Trading
	if c.Trading.MaxAttempts < 1 {
		errs = append(errs, "trading: max_attempts must be >= 1")
	}
	if c.Trading.BackoffBase.Duration <= 0 {
		errs = append(errs, "trading: backoff_base must be positive")
	}
	if c.Trading.ResolveMaxPolls < 1 {
		errs = append(errs, "trading: resolve_max_polls must be >= 1")
	}
	if c.Trading.CollateralTolerance <= 0 || c.Trading.CollateralTolerance >= 1 {
		errs = append(errs, fmt.Sprintf("trading: collateral_tolerance must be in (0,1), got %g", c.Trading.CollateralTolerance))
	}
	if c.Trading.LiquidationBuffer < 0 || c.Trading.LiquidationBuffer >= 1 {
		errs = append(errs, fmt.Sprintf("trading: liquidation_buffer must be in [0,1), got %g", c.Trading.LiquidationBuffer))
	}

	// Worker
	if c.Worker.Enabled {
		if c.Worker.ReconcileInterval.Duration <= 0 {
			errs = append(errs, "worker: reconcile_interval must be positive when enabled")
		}
		if c.Worker.ReconcileBatch < 1 {
			errs = append(errs, "worker: reconcile_batch must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
