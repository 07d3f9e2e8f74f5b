package models

import (
	"strconv"
	"strings"
)

// IDRef is a parsed resource id element. A payload id may be a bare id
// ("123"), relative ("Patient/123"), versioned ("Patient/123/_history/2")
// or absolute ("http://host/fhir/Patient/123").
type IDRef struct {
	Base    string
	Type    ResourceType
	IDPart  string
	Version int64
}

// HasID reports whether an id part is present.
func (r IDRef) HasID() bool {
	return r.IDPart != ""
}

// HasBase reports whether the reference carries a server base.
func (r IDRef) HasBase() bool {
	return r.Base != ""
}

// ParseIDRef splits an id element into its parts. Unknown shapes are kept as
// a bare id part so callers can report the mismatch against the path id.
func ParseIDRef(value string) IDRef {
	value = strings.TrimSpace(value)
	if value == "" {
		return IDRef{}
	}
	segments := strings.Split(strings.TrimRight(value, "/"), "/")
	n := len(segments)

	var ref IDRef
	if n >= 4 && segments[n-2] == "_history" {
		if v, err := strconv.ParseInt(segments[n-1], 10, 64); err == nil {
			ref.Version = v
			segments = segments[:n-2]
			n -= 2
		}
	}
	switch {
	case n == 1:
		ref.IDPart = segments[0]
	case n >= 2:
		ref.IDPart = segments[n-1]
		ref.Type = ResourceType(segments[n-2])
		if n > 2 {
			ref.Base = strings.Join(segments[:n-2], "/")
		}
	}
	return ref
}

// String renders the reference in its most specific form.
func (r IDRef) String() string {
	var b strings.Builder
	if r.Base != "" {
		b.WriteString(strings.TrimRight(r.Base, "/"))
		b.WriteString("/")
	}
	if r.Type != "" {
		b.WriteString(string(r.Type))
		b.WriteString("/")
	}
	b.WriteString(r.IDPart)
	if r.Version > 0 {
		b.WriteString("/_history/")
		b.WriteString(strconv.FormatInt(r.Version, 10))
	}
	return b.String()
}

// WithServerBase fills in base and type when the reference is relative.
func (r IDRef) WithServerBase(base string, t ResourceType) IDRef {
	if r.Base == "" {
		r.Base = base
	}
	if r.Type == "" {
		r.Type = t
	}
	return r
}
