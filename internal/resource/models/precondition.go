package models

import (
	"net/url"
	"time"
)

// Precondition carries the client-supplied request preconditions. A nil field
// means the precondition is absent (or was malformed and downgraded to absent).
// Built once per request and read-only afterwards.
type Precondition struct {
	IfMatch         *int64
	IfNoneMatch     *int64
	IfModifiedSince *time.Time
	IfNoneExist     url.Values
}

// HasIfNoneExist reports whether a conditional-create query is present.
func (p Precondition) HasIfNoneExist() bool {
	return p.IfNoneExist != nil
}

// Outcome is the result of evaluating preconditions against a resource.
type Outcome int

const (
	Proceed Outcome = iota
	NotModified
	PreconditionFailed
)

func (o Outcome) String() string {
	switch o {
	case NotModified:
		return "not_modified"
	case PreconditionFailed:
		return "precondition_failed"
	default:
		return "proceed"
	}
}
