package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidURL is returned when registering a webhook whose URL is
// not an absolute http or https URL.
var ErrInvalidURL = errors.New("events: invalid webhook url")

// ErrInvalidEvent is returned when registering a webhook for an event
// type that is never emitted.
var ErrInvalidEvent = errors.New("events: unknown event type")

// Subscription pairs an event type with the endpoint notified of it.
type Subscription struct {
	Event string `json:"event"`
	URL   string `json:"url"`
}

// Registry holds webhook subscriptions, one endpoint per event type it
// asked for.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscription
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func knownEvent(event string) bool {
	switch event {
	case TypeAll, TypeAdded, TypeRemoved, TypePaused, TypeResumed, TypeEvicted:
		return true
	}
	return false
}

// Register subscribes a URL to one event type. An empty event means
// every type. Duplicate pairs are ignored.
func (r *Registry) Register(event, rawURL string) error {
	if event == "" {
		event = TypeAll
	}
	if !knownEvent(event) {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, event)
	}

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs {
		if existing.Event == event && existing.URL == rawURL {
			return nil
		}
	}
	r.subs = append(r.subs, Subscription{Event: event, URL: rawURL})
	return nil
}

// Match returns the endpoints subscribed to an event type, including
// subscribe-to-all entries.
func (r *Registry) Match(event string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, s := range r.subs {
		if s.Event == TypeAll || s.Event == event {
			out = append(out, s.URL)
		}
	}
	return out
}

// Subscriptions returns a snapshot of every registration.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// webhookPayload is the JSON body posted to each endpoint.
type webhookPayload struct {
	DeliveryID string `json:"delivery_id"`
	Event
}

// WebhookSink posts events as JSON to the endpoints subscribed to
// them. Each delivery carries a unique id so receivers can deduplicate
// retries.
type WebhookSink struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
}

// WebhookSinkOption configures a WebhookSink.
type WebhookSinkOption func(*WebhookSink)

// WithHTTPClient sets the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) WebhookSinkOption {
	return func(s *WebhookSink) {
		s.client = client
	}
}

// WithSinkLogger sets the logger for the sink.
func WithSinkLogger(logger *slog.Logger) WebhookSinkOption {
	return func(s *WebhookSink) {
		s.logger = logger
	}
}

// NewWebhookSink creates a sink delivering to the registry's endpoints.
func NewWebhookSink(registry *Registry, opts ...WebhookSinkOption) *WebhookSink {
	s := &WebhookSink{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver posts the event to every endpoint subscribed to its type. A
// failing endpoint is logged and skipped; it never fails the whole
// delivery.
func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	urls := s.registry.Match(ev.Type)
	if len(urls) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		DeliveryID: uuid.NewString(),
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	for _, endpoint := range urls {
		if err := s.post(ctx, endpoint, body); err != nil {
			s.logger.Warn("webhook delivery failed",
				"url", endpoint, "type", ev.Type, "error", err)
		}
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

var _ Sink = (*WebhookSink)(nil)
