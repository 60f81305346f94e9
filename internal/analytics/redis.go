// Package analytics counts delivered reminders in Redis, bucketed by
// occurrence day and category.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/carecal/internal/domain"
)

const (
	DefaultPrefix    = "carecal:sent"
	DefaultRetention = 90 * 24 * time.Hour
)

// Client is the subset of redis.Cmdable the sink uses.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type RedisSink struct {
	client    Client
	prefix    string
	retention time.Duration
	log       zerolog.Logger
}

func NewRedisSink(client Client) *RedisSink {
	return &RedisSink{
		client:    client,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
		log:       zerolog.Nop(),
	}
}

func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	s.retention = d
	return s
}

func (s *RedisSink) WithLogger(log zerolog.Logger) *RedisSink {
	s.log = log
	return s
}

// Record is Write with errors logged. Analytics never affects delivery.
func (s *RedisSink) Record(ctx context.Context, event domain.ReminderDue) {
	if err := s.Write(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event_id", event.EventID).Msg("analytics: record failed")
	}
}

// Write increments the day total and the day's category counter.
func (s *RedisSink) Write(ctx context.Context, event domain.ReminderDue) error {
	for _, key := range Keys(s.prefix, event) {
		if err := s.client.Incr(ctx, key).Err(); err != nil {
			return fmt.Errorf("incr %s: %w", key, err)
		}
		if s.retention > 0 {
			if err := s.client.Expire(ctx, key, s.retention).Err(); err != nil {
				return fmt.Errorf("expire %s: %w", key, err)
			}
		}
	}
	return nil
}

// Keys returns the counters an event contributes to.
func Keys(prefix string, event domain.ReminderDue) []string {
	day := dayBucket(event.OccurrenceDate)
	return []string{
		fmt.Sprintf("%s:%s:total", prefix, day),
		fmt.Sprintf("%s:%s:%s:%s", prefix, day, event.Category.Main, event.Category.Sub),
	}
}

func dayBucket(d domain.Date) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}
