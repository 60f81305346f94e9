package config

import (
	"errors"
	"strings"
	"testing"
)

// validConfig is what Load produces for a memory store with the channel sink.
func validConfig(t *testing.T) Config {
	t.Helper()
	clearEnv(t)
	t.Setenv("STORE", "memory")
	t.Setenv("SINK", "channel")
	return Load()
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr string
	}{
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, "DATABASE_URL", "required"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "STORE", "must be"},
		{"leader on memory", func(c *Config) { c.LeaderElection = true }, "LEADER_ELECTION", "requires STORE=postgres"},
		{"redis without addr", func(c *Config) { c.Sink = SinkRedis }, "REDIS_ADDR", "required"},
		{"webhook without url", func(c *Config) { c.Sink = SinkWebhook }, "WEBHOOK_URL", "absolute URL"},
		{"webhook relative url", func(c *Config) { c.Sink, c.WebhookURL = SinkWebhook, "/hook" }, "WEBHOOK_URL", "absolute URL"},
		{"unknown sink", func(c *Config) { c.Sink = "kafka" }, "SINK", "must be"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL", "unknown level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT", "must be"},
		{"bad zone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "TIMEZONE", "unknown time zone"},
		{"bad alarm time", func(c *Config) { c.DefaultAlarmTimeStr = "25:00" }, "DEFAULT_ALARM_TIME", "HH:MM"},
		{"horizon zero", func(c *Config) { c.HorizonDays = 0 }, "HORIZON_DAYS", "between"},
		{"interval garbage", func(c *Config) { c.DispatchIntervalStr = "soon" }, "DISPATCH_INTERVAL", "invalid duration"},
		{"interval zero", func(c *Config) { c.DispatchIntervalStr = "0s" }, "DISPATCH_INTERVAL", "must be positive"},
		{"negative lookback", func(c *Config) { c.DispatchLookbackStr = "-1m" }, "DISPATCH_LOOKBACK", "must not be negative"},
		{"negative rate", func(c *Config) { c.DispatchRateLimit = -1 }, "DISPATCH_RATE_LIMIT", "must not be negative"},
		{"bad cron", func(c *Config) { c.HorizonSchedule = "61 * * * *" }, "HORIZON_SCHEDULE", "parse cron"},
		{"every rejected", func(c *Config) { c.HorizonSchedule = "@every 1h" }, "HORIZON_SCHEDULE", "@every"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)

			err := Validate(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if verrs[0].Field != tt.field {
				t.Errorf("field = %s, want %s (all: %v)", verrs[0].Field, tt.field, verrs)
			}
			if !strings.Contains(verrs[0].Message, tt.wantErr) {
				t.Errorf("message %q should contain %q", verrs[0].Message, tt.wantErr)
			}
		})
	}
}

func TestValidate_ZeroLookbackAllowed(t *testing.T) {
	cfg := validConfig(t)
	cfg.DispatchLookbackStr = "0s"
	if err := Validate(cfg); err != nil {
		t.Errorf("zero lookback should be valid: %v", err)
	}
}

func TestValidate_HorizonScheduleAccepted(t *testing.T) {
	cfg := validConfig(t)
	cfg.HorizonSchedule = "15 3 * * *"
	if err := Validate(cfg); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store = StorePostgres
	cfg.DispatchIntervalStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("error message should mention count: %q", err.Error())
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "TEST_FIELD", Message: "test message"}
	if got, want := err.Error(), "TEST_FIELD: test message"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "" {
		t.Errorf("empty errors should return empty string, got %q", got)
	}
	single := ValidationErrors{{Field: "A", Message: "a"}}
	if got := single.Error(); got != "A: a" {
		t.Errorf("single error = %q", got)
	}
}
