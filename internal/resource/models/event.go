package models

import "time"

// EventKind names a change notification.
type EventKind string

const (
	EventResourceCreated EventKind = "ResourceCreated"
	EventResourceUpdated EventKind = "ResourceUpdated"
	EventResourceDeleted EventKind = "ResourceDeleted"
)

// Event is emitted after a successful version-creating write.
type Event struct {
	Kind       EventKind
	Type       ResourceType
	ID         string
	Version    int64
	OccurredAt time.Time
	RequestID  string
	// Resource is nil for deletions.
	Resource *Resource
}
