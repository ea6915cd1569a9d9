// Package config defines the top-level configuration for the webhook trade
// router and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEHOOK_* environment variables.
type Config struct {
	Webhook    WebhookConfig             `toml:"webhook"`
	Engine     EngineConfig              `toml:"engine"`
	Retry      RetryConfig               `toml:"retry"`
	Monitor    MonitorConfig             `toml:"monitor"`
	Reconcile  ReconcileConfig           `toml:"reconcile"`
	Archive    ArchiveConfig             `toml:"archive"`
	Database   DatabaseConfig            `toml:"database"`
	Redis      RedisConfig               `toml:"redis"`
	S3         S3Config                  `toml:"s3"`
	Exchange   ExchangeConfig            `toml:"exchange"`
	Accounts   map[string]AccountConfig  `toml:"accounts"`
	Routing    map[string]RoutingRule    `toml:"routing"`
	Strategies map[string]StrategyConfig `toml:"strategies"`
	Server     ServerConfig              `toml:"server"`
	Notify     NotifyConfig              `toml:"notify"`
	Mode       string                    `toml:"mode"`
	LogLevel   string                    `toml:"log_level"`
}

// WebhookConfig holds inbound signal parameters.
type WebhookConfig struct {
	Passphrase string   `toml:"passphrase"`
	DedupeTTL  duration `toml:"dedupe_ttl"`
	// RateLimit is the number of webhook requests allowed per RateWindow and
	// client IP. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// EngineConfig holds position lifecycle defaults.
type EngineConfig struct {
	DefaultTPFraction   float64 `toml:"default_tp_fraction"`
	DefaultPositionSize float64 `toml:"default_position_size"`
	DefaultLeverage     int     `toml:"default_leverage"`
	DefaultMarginMode   string  `toml:"default_margin_mode"`
}

// RetryConfig holds storage contention retry parameters.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
}

// MonitorConfig holds price-triggered exit monitor parameters.
type MonitorConfig struct {
	Enabled      bool     `toml:"enabled"`
	Interval     duration `toml:"interval"`
	ErrorBackoff duration `toml:"error_backoff"`
}

// ReconcileConfig holds exchange reconciliation parameters.
type ReconcileConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"`
	LockTTL  duration `toml:"lock_ttl"`
}

// ArchiveConfig holds object-storage export parameters.
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
	// Days is how many whole days back each run exports, ending yesterday.
	Days int `toml:"days"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	// Backend selects "postgres" or "memory".
	Backend       string   `toml:"backend"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	LockTimeout   duration `toml:"lock_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExchangeConfig holds settings shared by every exchange account.
type ExchangeConfig struct {
	UseTestnet bool `toml:"use_testnet"`
}

// AccountConfig describes one trading account.
type AccountConfig struct {
	// Exchange is "binance" or "paper".
	Exchange     string   `toml:"exchange"`
	APIKey       string   `toml:"api_key"`
	APISecret    string   `toml:"api_secret"`
	Enabled      *bool    `toml:"enabled"`
	SymbolsAllow []string `toml:"symbols_allowlist"`
	SymbolsDeny  []string `toml:"symbols_denylist"`
	PositionSize float64  `toml:"position_size"`
	Leverage     int      `toml:"leverage"`
	MarginMode   string   `toml:"margin_mode"`
}

// IsEnabled reports the enabled flag; accounts are enabled unless set false.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RoutingRule selects target accounts for a strategy. The rule named
// "default" applies to strategies without their own rule.
type RoutingRule struct {
	// Accounts lists target accounts in order. Empty means every account.
	Accounts       []string `toml:"accounts" json:"accounts"`
	AllowedSymbols []string `toml:"allowed_symbols" json:"allowed_symbols"`
	DeniedSymbols  []string `toml:"denied_symbols" json:"denied_symbols"`
}

// StrategyConfig holds per-strategy symbol filters and take-profit fractions.
type StrategyConfig struct {
	AllowedSymbols []string           `toml:"allowed_symbols" json:"allowed_symbols"`
	DeniedSymbols  []string           `toml:"denied_symbols" json:"denied_symbols"`
	TPPercentages  map[string]float64 `toml:"tp_percentages" json:"tp_percentages"`
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
	// APIKey protects /api/*. Empty leaves the read endpoints open.
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Webhook: WebhookConfig{
			DedupeTTL:  duration{10 * time.Minute},
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Engine: EngineConfig{
			DefaultTPFraction:   0.2,
			DefaultPositionSize: 0.001,
			DefaultLeverage:     1,
			DefaultMarginMode:   "cross",
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: duration{100 * time.Millisecond},
			MaxBackoff:     duration{5 * time.Second},
			Multiplier:     2.5,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Interval:     duration{time.Second},
			ErrorBackoff: duration{5 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "0 * * * * *",
			LockTTL:  duration{50 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Schedule: "0 30 0 * * *",
			Days:     1,
		},
		Database: DatabaseConfig{
			Backend:       "postgres",
			Host:          "localhost",
			Port:          5432,
			Database:      "tradehook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			LockTimeout:   duration{5 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradehook-archive",
			ForcePathStyle: true,
		},
		Exchange: ExchangeConfig{
			UseTestnet: true,
		},
		Accounts:   map[string]AccountConfig{},
		Routing:    map[string]RoutingRule{},
		Strategies: map[string]StrategyConfig{},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "reconciled", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"api":    true,
	"worker": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validExchanges = map[string]bool{
	"binance": true,
	"paper":   true,
}

// AccountNames returns the configured account names in sorted order.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, api, worker)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Webhook
	if c.Mode != "worker" && c.Webhook.Passphrase == "" {
		errs = append(errs, "webhook: passphrase must be set")
	}
	if c.Webhook.RateLimit < 0 {
		errs = append(errs, "webhook: rate_limit must be >= 0")
	}

	// Engine
	if c.Engine.DefaultTPFraction <= 0 || c.Engine.DefaultTPFraction > 1 {
		errs = append(errs, "engine: default_tp_fraction must be in (0, 1]")
	}
	if c.Engine.DefaultPositionSize <= 0 {
		errs = append(errs, "engine: default_position_size must be > 0")
	}
	if c.Engine.DefaultLeverage < 1 {
		errs = append(errs, "engine: default_leverage must be >= 1")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry: multiplier must be >= 1")
	}

	if c.Monitor.Enabled && c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Reconcile.Enabled && c.Reconcile.Schedule == "" {
		errs = append(errs, "reconcile: schedule must not be empty when enabled")
	}
	if c.Archive.Enabled {
		if c.Archive.Schedule == "" {
			errs = append(errs, "archive: schedule must not be empty when enabled")
		}
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.Days < 1 {
			errs = append(errs, "archive: days must be >= 1")
		}
	}

	// Database
	switch c.Database.Backend {
	case "memory":
	case "postgres":
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
	default:
		errs = append(errs, fmt.Sprintf("database: unknown backend %q (valid: postgres, memory)", c.Database.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Accounts
	if len(c.Accounts) == 0 {
		errs = append(errs, "accounts: at least one account must be configured")
	}
	for _, name := range c.AccountNames() {
		acc := c.Accounts[name]
		if !validExchanges[strings.ToLower(acc.Exchange)] {
			errs = append(errs, fmt.Sprintf("accounts.%s: unknown exchange %q (valid: binance, paper)", name, acc.Exchange))
		}
		if strings.EqualFold(acc.Exchange, "binance") && acc.IsEnabled() && (acc.APIKey == "" || acc.APISecret == "") {
			errs = append(errs, fmt.Sprintf("accounts.%s: api_key and api_secret are required", name))
		}
		if acc.PositionSize < 0 {
			errs = append(errs, fmt.Sprintf("accounts.%s: position_size must be >= 0", name))
		}
		if acc.Leverage < 0 {
			errs = append(errs, fmt.Sprintf("accounts.%s: leverage must be >= 0", name))
		}
		if m := strings.ToLower(acc.MarginMode); m != "" && m != "cross" && m != "isolated" {
			errs = append(errs, fmt.Sprintf("accounts.%s: margin_mode must be cross or isolated", name))
		}
	}

	// Routing
	for rule, r := range c.Routing {
		for _, acc := range r.Accounts {
			if _, ok := c.Accounts[acc]; !ok {
				errs = append(errs, fmt.Sprintf("routing.%s: unknown account %q", rule, acc))
			}
		}
	}
	for name, s := range c.Strategies {
		for lvl, f := range s.TPPercentages {
			if f <= 0 || f > 1 {
				errs = append(errs, fmt.Sprintf("strategies.%s: tp_percentages.%s must be in (0, 1]", name, lvl))
			}
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
