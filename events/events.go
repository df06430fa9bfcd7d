// Package events delivers lifecycle notifications to registered sinks.
// Delivery is fire and forget: emitting never blocks the caller, and a
// full queue drops the event with a log line rather than applying
// backpressure to the control plane.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/bitserve/bitserve"
)

// Event types emitted by the lifecycle controller. TypeAll is not an
// event itself; it subscribes a webhook to every type.
const (
	TypeAdded   = "torrent.added"
	TypeRemoved = "torrent.removed"
	TypePaused  = "torrent.paused"
	TypeResumed = "torrent.resumed"
	TypeEvicted = "torrent.evicted"

	TypeAll = "*"
)

// Event is a lifecycle notification.
type Event struct {
	Type string            `json:"type"`
	ID   bitserve.InfoHash `json:"id"`
	Name string            `json:"name,omitempty"`
	At   time.Time         `json:"at"`
}

// Sink receives dispatched events.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

const defaultQueueSize = 256

// Dispatcher fans events out to sinks from a background goroutine.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithQueueSize sets the pending-event queue size.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithDeliveryTimeout bounds each sink delivery.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// NewDispatcher creates a dispatcher delivering to the given sinks and
// starts its worker goroutine.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueueSize),
		logger:  slog.Default(),
		now:     time.Now,
		timeout: 10 * time.Second,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.run()
	return d
}

// Emit enqueues an event. Never blocks: a full queue drops the event.
func (d *Dispatcher) Emit(eventType string, id bitserve.InfoHash, name string) {
	ev := Event{
		Type: eventType,
		ID:   id,
		Name: name,
		At:   d.now(),
	}

	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("event queue full, dropping event",
			"type", ev.Type, "id", ev.ID.ShortString())
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := sink.Deliver(ctx, ev); err != nil {
			d.logger.Warn("event delivery failed",
				"type", ev.Type, "id", ev.ID.ShortString(), "error", err)
		}
		cancel()
	}
}

// Close stops the worker after draining queued events.
func (d *Dispatcher) Close() {
	close(d.stopCh)
	<-d.doneCh
}
