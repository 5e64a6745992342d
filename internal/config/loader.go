package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPAGENT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPAGENT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vault ──
	setStr(&cfg.Vault.EncryptionKey, "PERPAGENT_VAULT_ENCRYPTION_KEY")
	setStr(&cfg.Vault.EncryptionKey, "ENCRYPTION_KEY") // compatibility alias
	setStr(&cfg.Vault.OperatorPrivateKey, "PERPAGENT_VAULT_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Vault.EncryptedKeyPath, "PERPAGENT_VAULT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Vault.KeyPassword, "PERPAGENT_VAULT_KEY_PASSWORD")

	// ── Venue ──
	setStr(&cfg.Venue.Name, "PERPAGENT_VENUE_NAME")
	setStr(&cfg.Venue.RPCURL, "PERPAGENT_VENUE_RPC_URL")
	setStr(&cfg.Venue.BackupRPCURL, "PERPAGENT_VENUE_BACKUP_RPC_URL")
	setInt64(&cfg.Venue.ChainID, "PERPAGENT_VENUE_CHAIN_ID")
	setStr(&cfg.Venue.TradingContract, "PERPAGENT_VENUE_TRADING_CONTRACT")
	setStr(&cfg.Venue.SubgraphURL, "PERPAGENT_VENUE_SUBGRAPH_URL")
	setStr(&cfg.Venue.SubgraphAPIKey, "PERPAGENT_VENUE_SUBGRAPH_API_KEY")
	setStr(&cfg.Venue.PriceFeedURL, "PERPAGENT_VENUE_PRICE_FEED_URL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "PERPAGENT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "PERPAGENT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "PERPAGENT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PERPAGENT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "PERPAGENT_DATABASE_NAME")
	setStr(&cfg.Database.User, "PERPAGENT_DATABASE_USER")
	setStr(&cfg.Database.Password, "PERPAGENT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PERPAGENT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "PERPAGENT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PERPAGENT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PERPAGENT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPAGENT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPAGENT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPAGENT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPAGENT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPAGENT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPAGENT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPAGENT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPAGENT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPAGENT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPAGENT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPAGENT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPAGENT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPAGENT_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setInt(&cfg.Trading.MaxAttempts, "PERPAGENT_TRADING_MAX_ATTEMPTS")
	setDuration(&cfg.Trading.BackoffBase, "PERPAGENT_TRADING_BACKOFF_BASE")
	setDuration(&cfg.Trading.ResolveDelay, "PERPAGENT_TRADING_RESOLVE_DELAY")
	setInt(&cfg.Trading.ResolveMaxPolls, "PERPAGENT_TRADING_RESOLVE_MAX_POLLS")
	setDuration(&cfg.Trading.ResolveInterval, "PERPAGENT_TRADING_RESOLVE_INTERVAL")
	setFloat64(&cfg.Trading.CollateralTolerance, "PERPAGENT_TRADING_COLLATERAL_TOLERANCE")
	setFloat64(&cfg.Trading.LiquidationBuffer, "PERPAGENT_TRADING_LIQUIDATION_BUFFER")
	setBool(&cfg.Trading.FailOpen, "PERPAGENT_TRADING_FAIL_OPEN")
	setDuration(&cfg.Trading.ProbeTimeout, "PERPAGENT_TRADING_PROBE_TIMEOUT")
	setDuration(&cfg.Trading.PriceMaxAge, "PERPAGENT_TRADING_PRICE_MAX_AGE")
	setDuration(&cfg.Trading.MarketTTL, "PERPAGENT_TRADING_MARKET_TTL")

	// ── Worker ──
	setBool(&cfg.Worker.Enabled, "PERPAGENT_WORKER_ENABLED")
	setDuration(&cfg.Worker.ReconcileInterval, "PERPAGENT_WORKER_RECONCILE_INTERVAL")
	setInt(&cfg.Worker.ReconcileBatch, "PERPAGENT_WORKER_RECONCILE_BATCH")
	setInt(&cfg.Worker.ArchiveRetentionDays, "PERPAGENT_WORKER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Worker.ArchiveInterval, "PERPAGENT_WORKER_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPAGENT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPAGENT_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "PERPAGENT_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPAGENT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "PERPAGENT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPAGENT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPAGENT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPAGENT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPAGENT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPAGENT_MODE")
	setStr(&cfg.LogLevel, "PERPAGENT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
