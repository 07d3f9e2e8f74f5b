package models

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// ResourceType names a collection of resources, e.g. "Patient".
type ResourceType string

func (t ResourceType) String() string {
	return string(t)
}

// IDPattern is the lexical form of a resource id.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// Resource is one version of a typed, identified record.
//
// Invariants:
//   - ID is assigned once on first create and never changes
//   - Version starts at 1 and increases by exactly 1 per version-creating write
//   - LastUpdated is set by the store and is non-decreasing across versions
//   - A Deleted version is a tombstone: it keeps its id and version slot but has no Body
type Resource struct {
	Type        ResourceType
	ID          string
	Base        string
	Version     int64
	LastUpdated time.Time
	Deleted     bool
	Body        map[string]any
}

// VersionTag returns the weak entity tag value of the resource's version.
func (r *Resource) VersionTag() string {
	return WeakTag(r.Version)
}

// Clone returns a deep copy so callers never share body maps with a store.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = CloneBody(r.Body)
	return &c
}

// WithMeta returns a copy of the body with id, resourceType and meta stamped
// from the resource's identity fields.
func (r *Resource) WithMeta() map[string]any {
	body := CloneBody(r.Body)
	if body == nil {
		body = map[string]any{}
	}
	body["resourceType"] = string(r.Type)
	body["id"] = r.ID
	meta, _ := body["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = strconv.FormatInt(r.Version, 10)
	meta["lastUpdated"] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
	body["meta"] = meta
	return body
}

// WeakTag renders a version as a weak entity tag, e.g. W/"3".
func WeakTag(version int64) string {
	return `W/"` + strconv.FormatInt(version, 10) + `"`
}

// CloneBody deep-copies a JSON object body.
func CloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// StripIdentity removes the server-managed identity elements from a body
// before it is stored; they are re-stamped from the Resource on the way out.
func StripIdentity(body map[string]any) map[string]any {
	out := CloneBody(body)
	if out == nil {
		return map[string]any{}
	}
	delete(out, "id")
	delete(out, "resourceType")
	if meta, ok := out["meta"].(map[string]any); ok {
		delete(meta, "versionId")
		delete(meta, "lastUpdated")
		if len(meta) == 0 {
			delete(out, "meta")
		}
	}
	return out
}
