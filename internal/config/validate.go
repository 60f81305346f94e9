package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/djlord-it/carecal/internal/cron"
	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE=postgres")
		}
	case StoreMemory:
		if cfg.LeaderElection {
			add("LEADER_ELECTION", "requires STORE=postgres")
		}
	default:
		add("STORE", "must be 'postgres' or 'memory', got %q", cfg.Store)
	}

	switch cfg.Sink {
	case SinkRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when SINK=redis")
		}
		if cfg.RedisStream == "" {
			add("REDIS_STREAM", "required when SINK=redis")
		}
	case SinkWebhook:
		if u, err := url.Parse(cfg.WebhookURL); cfg.WebhookURL == "" || err != nil || u.Host == "" {
			add("WEBHOOK_URL", "must be an absolute URL when SINK=webhook")
		}
	case SinkChannel:
	default:
		add("SINK", "must be 'redis', 'webhook' or 'channel', got %q", cfg.Sink)
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		add("LOG_LEVEL", "unknown level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		add("TIMEZONE", "unknown time zone %q", cfg.Timezone)
	}
	if _, err := domain.ParseTimeOfDay(cfg.DefaultAlarmTimeStr); err != nil {
		add("DEFAULT_ALARM_TIME", "must be HH:MM, got %q", cfg.DefaultAlarmTimeStr)
	}

	if cfg.HorizonDays < 1 || cfg.HorizonDays > 3660 {
		add("HORIZON_DAYS", "must be between 1 and 3660, got %d", cfg.HorizonDays)
	}
	if cfg.MaxAnchors < 1 {
		add("MAX_ANCHORS", "must be positive")
	}
	if cfg.DispatchBatchSize < 1 {
		add("DISPATCH_BATCH_SIZE", "must be positive")
	}
	if cfg.DispatchMaxAttempts < 1 {
		add("DISPATCH_MAX_ATTEMPTS", "must be positive")
	}
	if cfg.DispatchRateLimit < 0 {
		add("DISPATCH_RATE_LIMIT", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	positive := []struct{ field, value string }{
		{"DISPATCH_INTERVAL", cfg.DispatchIntervalStr},
		{"SINK_TIMEOUT", cfg.SinkTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
	}
	for _, p := range positive {
		if p.value == "" {
			continue
		}
		d, err := time.ParseDuration(p.value)
		if err != nil {
			add(p.field, "invalid duration: %v", err)
		} else if d <= 0 {
			add(p.field, "must be positive")
		}
	}

	// A zero lookback is allowed: only the forward window is scanned.
	if cfg.DispatchLookbackStr != "" {
		d, err := time.ParseDuration(cfg.DispatchLookbackStr)
		if err != nil {
			add("DISPATCH_LOOKBACK", "invalid duration: %v", err)
		} else if d < 0 {
			add("DISPATCH_LOOKBACK", "must not be negative")
		}
	}

	if cfg.HorizonSchedule != "" {
		if _, err := cron.Parse(cfg.HorizonSchedule, cfg.Location); err != nil {
			add("HORIZON_SCHEDULE", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
