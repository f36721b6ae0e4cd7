// Package config defines the top-level configuration for tradeledger and
// provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADELEDGER_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Backfill   BackfillConfig   `toml:"backfill"`
	Chain      ChainConfig      `toml:"chain"`
	Store      StoreConfig      `toml:"store"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Markets    MarketsConfig    `toml:"markets"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds the public API endpoints.
type PolymarketConfig struct {
	DataHost  string `toml:"data_host"`
	GammaHost string `toml:"gamma_host"`
}

// BackfillConfig tunes the historical trade backfill.
type BackfillConfig struct {
	PageSize        int      `toml:"page_size"`
	MaxOffset       int      `toml:"max_offset"`
	RequestInterval duration `toml:"request_interval"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBackoff    duration `toml:"retry_backoff"`
	LockTTL         duration `toml:"lock_ttl"`
	Task            string   `toml:"task"`
	Resume          bool     `toml:"resume"`
	SkipFetched     bool     `toml:"skip_fetched"`
	// Filter is a case-insensitive keyword over sport, slugs and question.
	Filter     string `toml:"filter"`
	ArchiveRaw bool   `toml:"archive_raw"`
}

// ChainConfig holds the Polygon node connection and replay parameters.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	Exchanges      []string `toml:"exchanges"`
	BackfillBlocks uint64   `toml:"backfill_blocks"`
	ChunkSize      uint64   `toml:"chunk_size"`
	CallTimeout    duration `toml:"call_timeout"`
	BackoffInitial duration `toml:"backoff_initial"`
	BackoffMax     duration `toml:"backoff_max"`
}

// StoreConfig selects the trade store backend.
type StoreConfig struct {
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters. An empty Addr runs without
// Redis: task locks and signals stay in-process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters, used for raw page
// archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// MarketsConfig tunes the Gamma market sync.
type MarketsConfig struct {
	PageSize      int      `toml:"page_size"`
	IncludeClosed bool     `toml:"include_closed"`
	MaxEvents     int      `toml:"max_events"`
	SyncInterval  duration `toml:"sync_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
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
		Polymarket: PolymarketConfig{
			DataHost:  "https://data-api.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
		},
		Backfill: BackfillConfig{
			PageSize:        1000,
			MaxOffset:       3000,
			RequestInterval: duration{350 * time.Millisecond},
			MaxRetries:      5,
			RetryBackoff:    duration{800 * time.Millisecond},
			LockTTL:         duration{10 * time.Minute},
			Resume:          true,
		},
		Chain: ChainConfig{
			RPCURL:         "wss://polygon-bor-rpc.publicnode.com",
			BackfillBlocks: 100,
			ChunkSize:      100,
			CallTimeout:    duration{30 * time.Second},
			BackoffInitial: duration{time.Second},
			BackoffMax:     duration{60 * time.Second},
		},
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "tradeledger.db",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "tradeledger:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeledger-raw",
			ForcePathStyle: true,
			Prefix:         "raw/trades",
		},
		Markets: MarketsConfig{
			PageSize:     100,
			SyncInterval: duration{30 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8765,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"backfill_complete", "backfill_failed", "chain_reconnect"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"backfill":     true,
	"stream":       true,
	"full":         true,
	"sync-markets": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers enumerates the accepted values for StoreConfig.Driver.
var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns
// every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: backfill, stream, full, sync-markets)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	needsAPI := mode == "backfill" || mode == "full" || mode == "sync-markets"
	if needsAPI {
		if c.Polymarket.GammaHost == "" {
			add("polymarket: gamma_host must not be empty")
		}
		if mode != "sync-markets" && c.Polymarket.DataHost == "" {
			add("polymarket: data_host must not be empty")
		}
	}

	// Backfill
	if c.Backfill.PageSize < 1 {
		add("backfill: page_size must be >= 1")
	}
	if c.Backfill.MaxOffset < 0 {
		add("backfill: max_offset must be >= 0")
	}
	if c.Backfill.RequestInterval.Duration < 0 {
		add("backfill: request_interval must not be negative")
	}
	if c.Backfill.MaxRetries < 1 {
		add("backfill: max_retries must be >= 1")
	}
	if c.Backfill.ArchiveRaw && c.S3.Bucket == "" {
		add("backfill: archive_raw needs s3.bucket")
	}

	// Chain
	if mode == "stream" || mode == "full" {
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url must not be empty")
		} else if !strings.HasPrefix(c.Chain.RPCURL, "ws://") && !strings.HasPrefix(c.Chain.RPCURL, "wss://") {
			add("chain: rpc_url must be a ws:// or wss:// url, got %q", c.Chain.RPCURL)
		}
	}
	for _, addr := range c.Chain.Exchanges {
		if !common.IsHexAddress(addr) {
			add("chain: exchange %q is not a hex address", addr)
		}
	}
	if c.Chain.ChunkSize < 1 {
		add("chain: chunk_size must be >= 1")
	}
	if c.Chain.BackoffInitial.Duration <= 0 {
		add("chain: backoff_initial must be > 0")
	}
	if c.Chain.BackoffMax.Duration < c.Chain.BackoffInitial.Duration {
		add("chain: backoff_max must not be below backoff_initial")
	}

	// Store
	driver := strings.ToLower(c.Store.Driver)
	if !validDrivers[driver] {
		add("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver)
	}
	if driver == "sqlite" && c.Store.SQLitePath == "" {
		add("store: sqlite_path must not be empty for the sqlite driver")
	}

	// Supabase
	if driver == "postgres" {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				add("supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				add("supabase: port must be 1-65535, got %d", c.Supabase.Port)
			}
			if c.Supabase.Database == "" {
				add("supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			add("supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			add("supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			add("supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// Markets
	if c.Markets.PageSize < 1 {
		add("markets: page_size must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ExchangeAddresses parses Chain.Exchanges. Empty means the decoder defaults.
func (c *Config) ExchangeAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Chain.Exchanges))
	for _, a := range c.Chain.Exchanges {
		out = append(out, common.HexToAddress(a))
	}
	return out
}
