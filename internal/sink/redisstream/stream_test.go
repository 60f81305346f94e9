package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/testutil"
)

type fakeClient struct {
	mu   sync.Mutex
	adds []*redis.XAddArgs
	err  error
}

func (c *fakeClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewStringResult("", c.err)
	}
	c.adds = append(c.adds, a)
	return redis.NewStringResult("1700000000000-0", nil)
}

func testEvent() domain.ReminderDue {
	return domain.ReminderDue{
		EventID:        uuid.NewString(),
		ScheduleID:     uuid.New(),
		OccurrenceID:   uuid.New(),
		OccurrenceDate: testutil.MustDate("2024-06-02"),
		OccurrenceTime: testutil.MustTime("07:00"),
		OwnerUserID:    1,
		PetID:          7,
		Category:       domain.Category{Main: domain.MainCare, Sub: domain.SubWalk},
		Title:          "Walk",
		AlarmAt:        testutil.UTC(2024, time.June, 2, 7, 0),
		OccursAt:       testutil.UTC(2024, time.June, 2, 7, 0),
	}
}

func TestPublish_AddsEnvelope(t *testing.T) {
	client := &fakeClient{}
	sink := New(client, "")
	event := testEvent()

	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(client.adds) != 1 {
		t.Fatalf("got %d XADDs, want 1", len(client.adds))
	}
	args := client.adds[0]
	if args.Stream != DefaultStream {
		t.Errorf("stream = %q, want %q", args.Stream, DefaultStream)
	}
	if args.MaxLen != 0 {
		t.Errorf("MaxLen = %d, want no trimming", args.MaxLen)
	}

	values := args.Values.(map[string]any)
	if values["event_id"] != event.EventID || values["type"] != domain.ReminderEventType {
		t.Errorf("values = %v", values)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(values["payload"].(string)), &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.EventID != event.EventID || env.Target.ResourceID != event.ScheduleID.String() {
		t.Errorf("envelope = %+v", env)
	}
	if env.Attributes["subType"] != "WALK" {
		t.Errorf("attributes = %v", env.Attributes)
	}
}

func TestPublish_MaxLen(t *testing.T) {
	client := &fakeClient{}
	if err := New(client, "reminders").WithMaxLen(10000).Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	args := client.adds[0]
	if args.Stream != "reminders" || args.MaxLen != 10000 || !args.Approx {
		t.Errorf("args = %+v", args)
	}
}

func TestPublish_Error(t *testing.T) {
	boom := errors.New("connection reset")
	err := New(&fakeClient{err: boom}, "").Publish(context.Background(), testEvent())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped redis error", err)
	}
}
