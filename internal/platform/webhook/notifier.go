// Package webhook delivers signed JSON events to a single operator endpoint.
// Each request carries an HMAC-SHA256 signature of the body so the receiver
// can authenticate it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/platform/retry"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Event is the body POSTed to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Delivery summarises one Send.
type Delivery struct {
	EventID    string
	StatusCode int
	Attempts   int
	Duration   time.Duration
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint answered %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether another delivery attempt might succeed. Client
// errors other than 408 and 429 will not change on retry.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value, with or without the
// "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Config points a Notifier at its endpoint.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   retry.Policy
}

type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// Notifier sends events to one endpoint. It is safe for concurrent use.
type Notifier struct {
	url        string
	secret     string
	policy     retry.Policy
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func NewNotifier(cfg Config, opts ...Option) (*Notifier, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = retry.Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}
	n := &Notifier{
		url:        cfg.URL,
		secret:     cfg.Secret,
		policy:     cfg.Retry,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	n.policy.ShouldRetry = retryable
	n.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		n.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying webhook delivery")
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

// Send wraps data in an Event of the given type and delivers it, retrying
// server errors and transport failures.
func (n *Notifier) Send(ctx context.Context, eventType string, data interface{}) (*Delivery, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	event := Event{ID: uuid.NewString(), Type: eventType, Timestamp: n.now().UTC(), Data: raw}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	sig := SignPayload(payload, n.secret)

	start := time.Now()
	d := &Delivery{EventID: event.ID}
	status, err := retry.Do(ctx, n.policy, func(ctx context.Context, attempt int) (int, error) {
		d.Attempts = attempt
		return n.post(ctx, event, payload, sig)
	})
	d.StatusCode = status
	d.Duration = time.Since(start)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			d.StatusCode = se.StatusCode
		}
		return d, err
	}
	n.logger.Debug().
		Str("event_id", event.ID).
		Str("event", eventType).
		Int("status", status).
		Int("attempts", d.Attempts).
		Dur("duration", d.Duration).
		Msg("webhook delivered")
	return d, nil
}

func (n *Notifier) post(ctx context.Context, event Event, payload []byte, sig string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(EventHeader, event.Type)
	req.Header.Set(TimestampHeader, event.Timestamp.Format(time.RFC3339))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, nil
}
