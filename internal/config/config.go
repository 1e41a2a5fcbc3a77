// Package config loads process configuration from flags and environment
// variables (with optional .env support), mirroring the flag.*Var +
// envStr/envInt helper shape this codebase has always used, generalized
// from a feed-simulator's server config to the tracker's broker/sink/audit
// config.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the tracker's composition root needs.
type Config struct {
	// Broker (Zerodha-shaped).
	APIKey      string
	AccessToken string
	APISecret   string
	UserID      string
	Password    string
	TOTPSecret  string

	FeedURL        string // wss://..., without query params
	CatalogBaseURL string // https://..., instrument list lives at CatalogBaseURL+"/instruments/NSE"
	LoginURL       string
	ProfileURL     string // used by the rotator's credential validator

	FeedMode string // "ltp" | "quote" | "full"

	// Chat sink (Discord).
	DiscordBotToken        string
	DiscordLogChannelID    string
	DiscordTickerChannelID string

	// Subscription registry.
	SubscriptionsPath string

	// Credential rotation.
	Timezone         string // IANA zone name; default Asia/Kolkata
	RotationSchedule string // cron expression; default "45 5 * * *"
	EnvFilePath      string // where a rotated access token is persisted

	// Audit trail (Mongo; on by default via a localhost URI, disabled by an
	// empty -mongo-uri) + cold archival (S3; opt-in via a bucket name).
	MongoURI             string
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveMaxAgeHours   int
	ArchiveMaxGB         int

	// Misc.
	TradingMode string // optional operator annotation; not interpreted by the pipeline
}

// Load parses flags (seeded from env vars, seeded in turn from an
// optional .env file) into a Config. Flag defaults always win over a
// missing env var; an explicit -flag always wins over both.
func Load() *Config {
	// Best-effort: a missing .env file is not an error, same posture the
	// rest of this pipeline takes toward optional configuration sources.
	_ = godotenv.Load()

	c := &Config{}

	flag.StringVar(&c.APIKey, "api-key", envStr("ZERODHA_API_KEY", ""), "broker API key")
	flag.StringVar(&c.AccessToken, "access-token", envStr("ZERODHA_ACCESS_TOKEN", ""), "broker access token")
	flag.StringVar(&c.APISecret, "api-secret", envStr("ZERODHA_API_SECRET", ""), "broker API secret")
	flag.StringVar(&c.UserID, "user-id", envStr("ZERODHA_USER_ID", ""), "broker login user id")
	flag.StringVar(&c.Password, "password", envStr("ZERODHA_PASSWORD", ""), "broker login password")
	flag.StringVar(&c.TOTPSecret, "totp-secret", envStr("ZERODHA_TOTP_SECRET", ""), "broker login TOTP secret")

	flag.StringVar(&c.FeedURL, "feed-url", envStr("FEED_URL", "wss://ws.kite.trade"), "broker streaming websocket URL")
	flag.StringVar(&c.CatalogBaseURL, "catalog-base-url", envStr("CATALOG_BASE_URL", "https://api.kite.trade"), "instrument catalog API base URL")
	flag.StringVar(&c.LoginURL, "login-url", envStr("LOGIN_URL", "https://kite.zerodha.com/connect/login"), "broker login page URL")
	flag.StringVar(&c.ProfileURL, "profile-url", envStr("PROFILE_URL", "https://api.kite.trade/user/profile"), "broker profile endpoint used to validate a credential")

	flag.StringVar(&c.FeedMode, "feed-mode", envStr("FEED_MODE", "full"), "default subscription mode: ltp|quote|full")

	flag.StringVar(&c.DiscordBotToken, "discord-bot-token", envStr("DISCORD_BOT_TOKEN", ""), "Discord bot token")
	flag.StringVar(&c.DiscordLogChannelID, "discord-log-channel", envStr("DISCORD_LOG_CHANNEL_ID", ""), "Discord channel for alerts and operator messages")
	flag.StringVar(&c.DiscordTickerChannelID, "discord-ticker-channel", envStr("DISCORD_TICKER_CHANNEL_ID", ""), "Discord channel for the live tracker view")

	flag.StringVar(&c.SubscriptionsPath, "subscriptions-path", envStr("SUBSCRIPTIONS_PATH", "subscriptions.json"), "path to the subscription registry file")

	flag.StringVar(&c.Timezone, "timezone", envStr("TRACKER_TIMEZONE", "Asia/Kolkata"), "civil time zone for the 05:45 rotation trigger and rendered timestamps")
	flag.StringVar(&c.RotationSchedule, "rotation-schedule", envStr("ROTATION_SCHEDULE", "45 5 * * *"), "cron expression for scheduled credential rotation")
	flag.StringVar(&c.EnvFilePath, "env-file", envStr("TRACKER_ENV_FILE", ".env"), "file a rotated access token is persisted into")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/tickfeed"), "MongoDB connection URI for the audit trail")

	flag.StringVar(&c.S3Bucket, "audit-s3-bucket", envStr("AUDIT_S3_BUCKET", ""), "S3 bucket for audit cold archival (empty = disabled)")
	flag.StringVar(&c.S3Region, "audit-s3-region", envStr("AUDIT_S3_REGION", "us-east-1"), "AWS region for the audit archive bucket")
	flag.StringVar(&c.S3Prefix, "audit-s3-prefix", envStr("AUDIT_S3_PREFIX", "tickfeed-audit"), "S3 key prefix for archived audit records")
	flag.IntVar(&c.ArchiveIntervalHours, "audit-archive-interval", envInt("AUDIT_ARCHIVE_INTERVAL_HOURS", 6), "hours between audit archive runs")
	flag.IntVar(&c.ArchiveMaxAgeHours, "audit-archive-after", envInt("AUDIT_ARCHIVE_AFTER_HOURS", 24*7), "archive audit records older than this many hours")
	flag.IntVar(&c.ArchiveMaxGB, "audit-archive-max-gb", envInt("AUDIT_ARCHIVE_MAX_GB", 5), "prune oldest archives once the prefix exceeds this size")

	flag.StringVar(&c.TradingMode, "trading-mode", envStr("TRADING_MODE", ""), "optional operator annotation, not interpreted by the pipeline")

	flag.Parse()

	return c
}

// Location resolves Timezone into a *time.Location. An unknown zone name
// yields a nil location and an error; there is no fallback zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
