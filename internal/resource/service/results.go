package service

import "fhir-gateway/internal/resource/models"

// ReadResult is the outcome of a read or version read. On NotModified the
// resource is still set so callers can emit validators, but no body should
// be returned.
type ReadResult struct {
	Resource    *models.Resource
	NotModified bool
}

// CreateResult is the outcome of a create. Created is false when a
// conditional create matched an existing resource.
type CreateResult struct {
	Resource *models.Resource
	Created  bool
}

// UpdateResult is the outcome of an update. Created is true when the update
// created the resource.
type UpdateResult struct {
	Resource *models.Resource
	Created  bool
}

// DeleteResult lists the tombstones written.
type DeleteResult struct {
	Deleted []*models.Resource
}

// SearchResult is one page of current, non-deleted resources.
type SearchResult struct {
	Page         int
	Count        int
	OverallCount int
	Resources    []*models.Resource
	// Unsupported are parameter names that were ignored.
	Unsupported []string
	Diagnostics []string
}
