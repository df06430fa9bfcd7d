package events

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitserve/bitserve"
)

func testID(data string) bitserve.InfoHash {
	return bitserve.InfoHash(sha1.Sum([]byte(data)))
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher([]Sink{sink})

	d.Emit(TypeAdded, testID("a"), "alpha")
	d.Emit(TypeRemoved, testID("a"), "alpha")
	d.Close()

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, TypeAdded, events[0].Type)
	assert.Equal(t, "alpha", events[0].Name)
	assert.Equal(t, TypeRemoved, events[1].Type)
	assert.Equal(t, testID("a"), events[1].ID)
	assert.False(t, events[0].At.IsZero())
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher([]Sink{sink}, WithQueueSize(16))

	for i := 0; i < 10; i++ {
		d.Emit(TypeAdded, testID("a"), "alpha")
	}
	d.Close()

	assert.Len(t, sink.Events(), 10)
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(TypeAll, "http://example.org/hook"))
	require.NoError(t, r.Register(TypePaused, "https://example.org/hook"))

	err := r.Register(TypeAdded, "ftp://example.org/hook")
	require.ErrorIs(t, err, ErrInvalidURL)
	err = r.Register(TypeAdded, "not a url")
	require.ErrorIs(t, err, ErrInvalidURL)

	err = r.Register("torrent.exploded", "http://example.org/hook")
	require.ErrorIs(t, err, ErrInvalidEvent)

	// Empty event means subscribe to everything; duplicate pairs are
	// ignored.
	require.NoError(t, r.Register("", "http://example.org/hook"))
	assert.Len(t, r.Subscriptions(), 2)
}

func TestRegistryMatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(TypeAll, "http://example.org/all"))
	require.NoError(t, r.Register(TypePaused, "http://example.org/paused"))

	assert.ElementsMatch(t,
		[]string{"http://example.org/all", "http://example.org/paused"},
		r.Match(TypePaused))
	assert.Equal(t, []string{"http://example.org/all"}, r.Match(TypeAdded))
}

func TestWebhookSinkDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []webhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(TypeAll, srv.URL))

	sink := NewWebhookSink(registry)
	ev := Event{Type: TypePaused, ID: testID("a"), Name: "alpha", At: time.Now()}
	require.NoError(t, sink.Deliver(context.Background(), ev))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, TypePaused, payloads[0].Type)
	assert.Equal(t, "alpha", payloads[0].Name)
	assert.NotEmpty(t, payloads[0].DeliveryID)
}

func TestWebhookSinkToleratesFailingEndpoint(t *testing.T) {
	var delivered int
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered++
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(TypeAll, failSrv.URL))
	require.NoError(t, registry.Register(TypeAll, okSrv.URL))

	sink := NewWebhookSink(registry)
	ev := Event{Type: TypeAdded, ID: testID("a"), At: time.Now()}

	// One bad endpoint does not fail the delivery or skip the rest.
	require.NoError(t, sink.Deliver(context.Background(), ev))
	assert.Equal(t, 1, delivered)
}

func TestWebhookSinkFiltersByEvent(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(TypePaused, srv.URL))

	sink := NewWebhookSink(registry)

	// Not subscribed to added events.
	require.NoError(t, sink.Deliver(context.Background(), Event{Type: TypeAdded, ID: testID("a")}))
	assert.Zero(t, hits)

	require.NoError(t, sink.Deliver(context.Background(), Event{Type: TypePaused, ID: testID("a")}))
	assert.Equal(t, 1, hits)
}
