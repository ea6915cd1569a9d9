package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "TRADEHOOK_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEHOOK_* environment variable overrides, and
// returns the final Config. An empty path skips the file so a deployment can
// be configured from the environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	applyAccountEnv(&cfg, os.Environ())

	if err := applyJSONEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEHOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Webhook ──
	setStr(&cfg.Webhook.Passphrase, "TRADEHOOK_WEBHOOK_PASSPHRASE")
	setStr(&cfg.Webhook.Passphrase, "WEBHOOK_PASSPHRASE") // compatibility alias
	setDuration(&cfg.Webhook.DedupeTTL, "TRADEHOOK_WEBHOOK_DEDUPE_TTL")
	setInt(&cfg.Webhook.RateLimit, "TRADEHOOK_WEBHOOK_RATE_LIMIT")
	setDuration(&cfg.Webhook.RateWindow, "TRADEHOOK_WEBHOOK_RATE_WINDOW")

	// ── Engine ──
	setFloat64(&cfg.Engine.DefaultTPFraction, "TRADEHOOK_ENGINE_DEFAULT_TP_FRACTION")
	setFloat64(&cfg.Engine.DefaultPositionSize, "TRADEHOOK_ENGINE_DEFAULT_POSITION_SIZE")
	setInt(&cfg.Engine.DefaultLeverage, "TRADEHOOK_ENGINE_DEFAULT_LEVERAGE")
	setStr(&cfg.Engine.DefaultMarginMode, "TRADEHOOK_ENGINE_DEFAULT_MARGIN_MODE")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "TRADEHOOK_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialBackoff, "TRADEHOOK_RETRY_INITIAL_BACKOFF")
	setDuration(&cfg.Retry.MaxBackoff, "TRADEHOOK_RETRY_MAX_BACKOFF")
	setFloat64(&cfg.Retry.Multiplier, "TRADEHOOK_RETRY_MULTIPLIER")

	// ── Monitor / reconcile / archive ──
	setBool(&cfg.Monitor.Enabled, "TRADEHOOK_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.Interval, "TRADEHOOK_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.ErrorBackoff, "TRADEHOOK_MONITOR_ERROR_BACKOFF")
	setBool(&cfg.Reconcile.Enabled, "TRADEHOOK_RECONCILE_ENABLED")
	setStr(&cfg.Reconcile.Schedule, "TRADEHOOK_RECONCILE_SCHEDULE")
	setDuration(&cfg.Reconcile.LockTTL, "TRADEHOOK_RECONCILE_LOCK_TTL")
	setBool(&cfg.Archive.Enabled, "TRADEHOOK_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Schedule, "TRADEHOOK_ARCHIVE_SCHEDULE")
	setInt(&cfg.Archive.Days, "TRADEHOOK_ARCHIVE_DAYS")

	// ── Database ──
	setStr(&cfg.Database.Backend, "TRADEHOOK_DATABASE_BACKEND")
	setStr(&cfg.Database.DSN, "TRADEHOOK_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TRADEHOOK_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TRADEHOOK_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TRADEHOOK_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "TRADEHOOK_DATABASE_USER")
	setStr(&cfg.Database.Password, "TRADEHOOK_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TRADEHOOK_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "TRADEHOOK_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TRADEHOOK_DATABASE_POOL_MIN_CONNS")
	setDuration(&cfg.Database.LockTimeout, "TRADEHOOK_DATABASE_LOCK_TIMEOUT")
	setBool(&cfg.Database.RunMigrations, "TRADEHOOK_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEHOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEHOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEHOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEHOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEHOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEHOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEHOOK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEHOOK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEHOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEHOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEHOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEHOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEHOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEHOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEHOOK_S3_FORCE_PATH_STYLE")

	// ── Exchange ──
	setBool(&cfg.Exchange.UseTestnet, "TRADEHOOK_USE_TESTNET")
	setBool(&cfg.Exchange.UseTestnet, "USE_TESTNET") // compatibility alias

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEHOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEHOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEHOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRADEHOOK_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEHOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEHOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEHOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEHOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEHOOK_MODE")
	setStr(&cfg.LogLevel, "TRADEHOOK_LOG_LEVEL")
}

// applyAccountEnv declares and overrides accounts from variables of the form
// TRADEHOOK_ACCOUNT_<NAME>_<FIELD>. An account not present in the TOML file
// is created when its _EXCHANGE variable is set. Account names are lower-cased.
func applyAccountEnv(cfg *Config, environ []string) {
	const accPrefix = envPrefix + "ACCOUNT_"
	const exchangeSuffix = "_EXCHANGE"

	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, accPrefix) || !strings.HasSuffix(key, exchangeSuffix) {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, accPrefix), exchangeSuffix))
		if name == "" {
			continue
		}
		if _, exists := cfg.Accounts[name]; !exists {
			if cfg.Accounts == nil {
				cfg.Accounts = map[string]AccountConfig{}
			}
			cfg.Accounts[name] = AccountConfig{}
		}
	}

	for name, acc := range cfg.Accounts {
		p := accPrefix + strings.ToUpper(name) + "_"
		setStr(&acc.Exchange, p+"EXCHANGE")
		setStr(&acc.APIKey, p+"API_KEY")
		setStr(&acc.APISecret, p+"API_SECRET")
		setStringSlice(&acc.SymbolsAllow, p+"SYMBOLS_ALLOWLIST")
		setStringSlice(&acc.SymbolsDeny, p+"SYMBOLS_DENYLIST")
		setFloat64(&acc.PositionSize, p+"POSITION_SIZE")
		setInt(&acc.Leverage, p+"LEVERAGE")
		setStr(&acc.MarginMode, p+"MARGIN_MODE")
		if v := os.Getenv(p + "ENABLED"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				acc.Enabled = &b
			}
		}
		acc.Exchange = strings.ToLower(acc.Exchange)
		cfg.Accounts[name] = acc
	}
}

// applyJSONEnv merges routing rules and strategy configs supplied as JSON
// objects, replacing entries with the same name.
func applyJSONEnv(cfg *Config) error {
	if v := os.Getenv(envPrefix + "ROUTING_RULES"); v != "" {
		var rules map[string]RoutingRule
		if err := json.Unmarshal([]byte(v), &rules); err != nil {
			return fmt.Errorf("config: %sROUTING_RULES: %w", envPrefix, err)
		}
		if cfg.Routing == nil {
			cfg.Routing = map[string]RoutingRule{}
		}
		for name, r := range rules {
			cfg.Routing[name] = r
		}
	}
	if v := os.Getenv(envPrefix + "STRATEGY_CONFIGS"); v != "" {
		var strategies map[string]StrategyConfig
		if err := json.Unmarshal([]byte(v), &strategies); err != nil {
			return fmt.Errorf("config: %sSTRATEGY_CONFIGS: %w", envPrefix, err)
		}
		if cfg.Strategies == nil {
			cfg.Strategies = map[string]StrategyConfig{}
		}
		for name, s := range strategies {
			cfg.Strategies[name] = s
		}
	}
	return nil
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
