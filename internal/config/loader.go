package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADELEDGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADELEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.DataHost, "TRADELEDGER_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.GammaHost, "TRADELEDGER_POLYMARKET_GAMMA_HOST")

	// ── Backfill ──
	setInt(&cfg.Backfill.PageSize, "TRADELEDGER_BACKFILL_PAGE_SIZE")
	setInt(&cfg.Backfill.MaxOffset, "TRADELEDGER_BACKFILL_MAX_OFFSET")
	setDuration(&cfg.Backfill.RequestInterval, "TRADELEDGER_BACKFILL_REQUEST_INTERVAL")
	setInt(&cfg.Backfill.MaxRetries, "TRADELEDGER_BACKFILL_MAX_RETRIES")
	setDuration(&cfg.Backfill.RetryBackoff, "TRADELEDGER_BACKFILL_RETRY_BACKOFF")
	setStr(&cfg.Backfill.Task, "TRADELEDGER_BACKFILL_TASK")
	setBool(&cfg.Backfill.Resume, "TRADELEDGER_BACKFILL_RESUME")
	setBool(&cfg.Backfill.SkipFetched, "TRADELEDGER_BACKFILL_SKIP_FETCHED")
	setStr(&cfg.Backfill.Filter, "TRADELEDGER_BACKFILL_FILTER")
	setBool(&cfg.Backfill.ArchiveRaw, "TRADELEDGER_BACKFILL_ARCHIVE_RAW")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "TRADELEDGER_CHAIN_RPC_URL")
	setStringSlice(&cfg.Chain.Exchanges, "TRADELEDGER_CHAIN_EXCHANGES")
	setUint64(&cfg.Chain.BackfillBlocks, "TRADELEDGER_CHAIN_BACKFILL_BLOCKS")
	setUint64(&cfg.Chain.ChunkSize, "TRADELEDGER_CHAIN_CHUNK_SIZE")
	setDuration(&cfg.Chain.CallTimeout, "TRADELEDGER_CHAIN_CALL_TIMEOUT")
	setDuration(&cfg.Chain.BackoffInitial, "TRADELEDGER_CHAIN_BACKOFF_INITIAL")
	setDuration(&cfg.Chain.BackoffMax, "TRADELEDGER_CHAIN_BACKOFF_MAX")

	// ── Store ──
	setStr(&cfg.Store.Driver, "TRADELEDGER_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "TRADELEDGER_STORE_SQLITE_PATH")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "TRADELEDGER_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "TRADELEDGER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "TRADELEDGER_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "TRADELEDGER_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "TRADELEDGER_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "TRADELEDGER_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "TRADELEDGER_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "TRADELEDGER_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "TRADELEDGER_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "TRADELEDGER_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "TRADELEDGER_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADELEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADELEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADELEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADELEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADELEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADELEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TRADELEDGER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADELEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADELEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADELEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADELEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADELEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADELEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADELEDGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "TRADELEDGER_S3_PREFIX")

	// ── Markets ──
	setInt(&cfg.Markets.PageSize, "TRADELEDGER_MARKETS_PAGE_SIZE")
	setBool(&cfg.Markets.IncludeClosed, "TRADELEDGER_MARKETS_INCLUDE_CLOSED")
	setInt(&cfg.Markets.MaxEvents, "TRADELEDGER_MARKETS_MAX_EVENTS")
	setDuration(&cfg.Markets.SyncInterval, "TRADELEDGER_MARKETS_SYNC_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADELEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADELEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADELEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRADELEDGER_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADELEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADELEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADELEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADELEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADELEDGER_MODE")
	setStr(&cfg.LogLevel, "TRADELEDGER_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
