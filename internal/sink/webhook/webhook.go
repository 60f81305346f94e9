// Package webhook publishes reminder envelopes to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/djlord-it/carecal/internal/dispatcher"
	"github.com/djlord-it/carecal/internal/domain"
)

// Request headers.
const (
	HeaderEventID   = "X-Carecal-Event-ID"
	HeaderEventType = "X-Carecal-Event-Type"
	HeaderSignature = "X-Carecal-Signature"
)

type Sink struct {
	url    string
	secret string
	client *http.Client
	clock  func() time.Time
}

func New(url, secret string) *Sink {
	return &Sink{
		url:    url,
		secret: secret,
		client: &http.Client{},
		clock:  time.Now,
	}
}

// WithClient replaces the HTTP client. The dispatcher bounds each attempt
// with its own timeout, so the client should not need one.
func (s *Sink) WithClient(c *http.Client) *Sink {
	s.client = c
	return s
}

func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.clock = clock
	return s
}

func (s *Sink) Name() string { return "webhook" }

// Publish posts the event envelope with an HMAC signature of the body.
// 2xx is success. 429 and 5xx are retryable; any other status wraps
// dispatcher.ErrRejected.
func (s *Sink) Publish(ctx context.Context, event domain.ReminderDue) error {
	body, err := json.Marshal(event.Envelope(s.clock()))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, event.EventID)
	req.Header.Set(HeaderEventType, domain.ReminderEventType)
	req.Header.Set(HeaderSignature, computeSignature(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook responded %d", dispatcher.ErrRejected, resp.StatusCode)
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
