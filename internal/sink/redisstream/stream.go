// Package redisstream publishes reminder envelopes to a Redis stream.
//
// Each reminder becomes one XADD entry with the fields event_id, type and
// payload (the JSON envelope). Consumers read the stream with consumer
// groups and deduplicate on event_id.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/carecal/internal/domain"
)

const (
	DefaultStream = "carecal:reminders"

	// DefaultMaxLen bounds the stream when consumers fall behind.
	DefaultMaxLen int64 = 100_000
)

// Client is the subset of redis.Cmdable the sink uses.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Sink struct {
	client Client
	stream string
	maxLen int64
	clock  func() time.Time
}

func New(client Client, stream string) *Sink {
	if stream == "" {
		stream = DefaultStream
	}
	return &Sink{client: client, stream: stream, clock: time.Now}
}

// WithMaxLen trims the stream to roughly n entries on every add.
// Zero keeps every entry.
func (s *Sink) WithMaxLen(n int64) *Sink {
	s.maxLen = n
	return s
}

func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.clock = clock
	return s
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Publish(ctx context.Context, event domain.ReminderDue) error {
	payload, err := json.Marshal(event.Envelope(s.clock()))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id": event.EventID,
			"type":     domain.ReminderEventType,
			"payload":  string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
