// Package notify delivers resource change events to downstream sinks.
// Every sink is fire-and-forget: a failing sink is logged, never returned.
package notify

import (
	"context"
	"log/slog"

	"fhir-gateway/internal/resource/models"
)

// Notifier receives change events.
type Notifier interface {
	Notify(ctx context.Context, event models.Event)
}

// Log writes each event as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, event models.Event) {
	l.logger.InfoContext(ctx, "resource changed",
		"event", string(event.Kind),
		"resource_type", event.Type.String(),
		"id", event.ID,
		"version", event.Version,
		"request_id", event.RequestID,
	)
}

// Fanout delivers every event to each sink in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event models.Event) {
	for _, n := range f {
		n.Notify(ctx, event)
	}
}
