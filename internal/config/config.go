package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/djlord-it/carecal/internal/domain"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	SinkRedis   = "redis"
	SinkWebhook = "webhook"
	SinkChannel = "channel"
)

// Config holds all configuration for the carecal application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	Store       string `json:"store"`
	HTTPAddr    string `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Timezone is the IANA zone occurrences are anchored in.
	Timezone string         `json:"timezone"`
	Location *time.Location `json:"-"`

	// DefaultAlarmTime is when all-day occurrences ring.
	DefaultAlarmTimeStr string           `json:"default_alarm_time"`
	DefaultAlarmTime    domain.TimeOfDay `json:"-"`

	HorizonDays int `json:"horizon_days"`
	MaxAnchors  int `json:"max_anchors"`

	DispatchInterval    time.Duration `json:"-"`
	DispatchIntervalStr string        `json:"dispatch_interval"`

	// DispatchLookback widens every scan backwards so alarms missed during
	// downtime are still delivered.
	DispatchLookback    time.Duration `json:"-"`
	DispatchLookbackStr string        `json:"dispatch_lookback"`

	DispatchBatchSize   int `json:"dispatch_batch_size"`
	DispatchMaxAttempts int `json:"dispatch_max_attempts"`

	// DispatchRateLimit caps publishes per second. 0 disables the limiter.
	DispatchRateLimit float64 `json:"dispatch_rate_limit"`

	SinkTimeout    time.Duration `json:"-"`
	SinkTimeoutStr string        `json:"sink_timeout"`

	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	Sink               string `json:"sink"`
	RedisAddr          string `json:"redis_addr,omitempty"`
	RedisStream        string `json:"redis_stream"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`
	EventBusBufferSize int    `json:"eventbus_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// HorizonSchedule is a cron expression in Timezone. Empty runs the
	// horizon extender every hour.
	HorizonSchedule  string `json:"horizon_schedule"`
	HorizonBatchSize int    `json:"horizon_batch_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port,omitempty"`

	// LeaderElection gates the dispatch loop and horizon extender behind a
	// Postgres advisory lock. Requires STORE=postgres.
	LeaderElection bool `json:"leader_election"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// Warnings collects values that were malformed and replaced by defaults.
	Warnings []string `json:"-"`
}

// LoadEnvFile loads variables from the given .env files (".env" when none
// are given) without overriding variables already set. A missing file is
// not an error; the returned bool reports whether anything was loaded.
func LoadEnvFile(paths ...string) (bool, error) {
	err := godotenv.Load(paths...)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load env file: %w", err)
	}
	return true, nil
}

// Load reads configuration from environment variables with defaults.
// Malformed numeric values fall back to their default and are reported in
// Warnings; durations and enums are checked by Validate.
func Load() Config {
	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Store:         strings.ToLower(envOr("STORE", StorePostgres)),
		HTTPAddr:      os.Getenv("HTTP_ADDR"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		Timezone:      envOr("TIMEZONE", "UTC"),
		Sink:          strings.ToLower(envOr("SINK", SinkRedis)),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisStream:   envOr("REDIS_STREAM", "carecal:reminders"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		HorizonSchedule: os.Getenv("HORIZON_SCHEDULE"),
		MetricsEnabled:  os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:     envOr("METRICS_PATH", "/metrics"),
		MetricsPort:     envOr("METRICS_PORT", "9090"),
		LeaderElection:  os.Getenv("LEADER_ELECTION") == "true",

		DefaultAlarmTimeStr:        envOr("DEFAULT_ALARM_TIME", "09:00"),
		DispatchIntervalStr:        envOr("DISPATCH_INTERVAL", "1m"),
		DispatchLookbackStr:        envOr("DISPATCH_LOOKBACK", "10m"),
		SinkTimeoutStr:             envOr("SINK_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr:  envOr("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		CircuitBreakerCooldownStr:  envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		LeaderRetryIntervalStr:     envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),
		DBOpTimeoutStr:             envOr("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:       envOr("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:       envOr("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:     envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.HorizonDays = cfg.positiveInt("HORIZON_DAYS", 90)
	cfg.MaxAnchors = cfg.positiveInt("MAX_ANCHORS", 5000)
	cfg.DispatchBatchSize = cfg.positiveInt("DISPATCH_BATCH_SIZE", 500)
	cfg.DispatchMaxAttempts = cfg.positiveInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.EventBusBufferSize = cfg.positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.HorizonBatchSize = cfg.positiveInt("HORIZON_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = cfg.positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.LeaderLockKey = int64(cfg.positiveInt("LEADER_LOCK_KEY", 728380))

	// 0 is meaningful here: it disables the breaker.
	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			cfg.warnf("invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	if s := os.Getenv("DISPATCH_RATE_LIMIT"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
			cfg.DispatchRateLimit = f
		} else {
			cfg.warnf("invalid DISPATCH_RATE_LIMIT %q (must be a non-negative number), rate limiting disabled", s)
		}
	}

	// Parse derived values; validation is handled separately by Validate().
	if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
		cfg.Location = loc
	}
	if t, err := domain.ParseTimeOfDay(cfg.DefaultAlarmTimeStr); err == nil {
		cfg.DefaultAlarmTime = t
	}
	cfg.DispatchInterval = parseDuration(cfg.DispatchIntervalStr)
	cfg.DispatchLookback = parseDuration(cfg.DispatchLookbackStr)
	cfg.SinkTimeout = parseDuration(cfg.SinkTimeoutStr)
	cfg.DispatcherDrainTimeout = parseDuration(cfg.DispatcherDrainTimeoutStr)
	cfg.CircuitBreakerCooldown = parseDuration(cfg.CircuitBreakerCooldownStr)
	cfg.LeaderRetryInterval = parseDuration(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parseDuration(cfg.LeaderHeartbeatIntervalStr)
	cfg.DBOpTimeout = parseDuration(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)

	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		c.warnf("invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// parseDuration returns 0 for malformed input; Validate reports it.
func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.WebhookSecret = maskSecret(c.WebhookSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
