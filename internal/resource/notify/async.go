package notify

import (
	"context"
	"log/slog"

	"fhir-gateway/internal/resource/metrics"
	"fhir-gateway/internal/resource/models"
)

// Async decouples request goroutines from a slow sink. Events are queued
// in a bounded buffer and delivered by Run; when the buffer is full the
// event is dropped and counted.
type Async struct {
	sink    Notifier
	inbox   chan queued
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type queued struct {
	ctx   context.Context
	event models.Event
}

// AsyncOption configures an Async notifier.
type AsyncOption func(*Async)

func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = logger
	}
}

func WithAsyncMetrics(m *metrics.Metrics) AsyncOption {
	return func(a *Async) {
		a.metrics = m
	}
}

// NewAsync queues up to buffer events for sink.
func NewAsync(sink Notifier, buffer int, opts ...AsyncOption) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		sink:   sink,
		inbox:  make(chan queued, buffer),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Notify enqueues event without blocking. The request context is detached
// from cancellation so delivery survives the end of the request.
func (a *Async) Notify(ctx context.Context, event models.Event) {
	select {
	case a.inbox <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		a.metrics.IncrementEventsDropped()
		a.logger.WarnContext(ctx, "event buffer full, dropping resource event",
			"event", string(event.Kind),
			"resource_type", event.Type.String(),
			"id", event.ID,
			"version", event.Version,
			"request_id", event.RequestID,
		)
	}
}

// Run delivers queued events until ctx is done, then flushes what is
// already buffered.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		case q := <-a.inbox:
			a.sink.Notify(q.ctx, q.event)
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case q := <-a.inbox:
			a.sink.Notify(q.ctx, q.event)
		default:
			return
		}
	}
}

// Pending returns the number of queued events.
func (a *Async) Pending() int {
	return len(a.inbox)
}
