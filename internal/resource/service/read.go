package service

import (
	"context"
	"fmt"
	"math"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/precondition"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/requestcontext"
)

// Read returns the current version of id.
func (s *Service) Read(ctx context.Context, id string, pre models.Precondition) (result *ReadResult, err error) {
	ctx, done := s.observe(ctx, "read", attribute.String("fhir.id", id))
	defer done(&err)

	current, err := s.store.ReadLatest(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, err, id)
	}
	return s.evaluateRead(current, pre)
}

// VersionRead returns one historical version of id.
func (s *Service) VersionRead(ctx context.Context, id string, version int64, pre models.Precondition) (result *ReadResult, err error) {
	ctx, done := s.observe(ctx, "vread", attribute.String("fhir.id", id), attribute.Int64("fhir.version", version))
	defer done(&err)

	snapshot, err := s.store.ReadVersion(ctx, id, version)
	if err != nil {
		return nil, s.storeError(ctx, err, fmt.Sprintf("%s/_history/%d", id, version))
	}
	return s.evaluateRead(snapshot, pre)
}

func (s *Service) evaluateRead(r *models.Resource, pre models.Precondition) (*ReadResult, error) {
	if r.Deleted {
		return nil, dErrors.New(dErrors.CodeGone,
			fmt.Sprintf("%s/%s was deleted in version %d", s.resourceType, r.ID, r.Version))
	}
	switch precondition.Evaluate(pre, r) {
	case models.NotModified:
		return &ReadResult{Resource: r, NotModified: true}, nil
	case models.PreconditionFailed:
		return nil, dErrors.New(dErrors.CodeVersionConflict,
			fmt.Sprintf("expected version %s but current is %s", models.WeakTag(*pre.IfMatch), r.VersionTag()))
	}
	return &ReadResult{Resource: r}, nil
}

// Search returns one page of current resources. Unsupported parameters are
// reported, never fatal. page < 1 means the first page; count < 0 means the
// default page size and count is capped at the configured maximum. A page
// whose offset cannot be represented is a bad request.
func (s *Service) Search(ctx context.Context, params url.Values, page, count int) (result *SearchResult, err error) {
	ctx, done := s.observe(ctx, "search")
	defer done(&err)

	criteria, _ := s.resolver.StripControls(params)
	q, unsupported, err := s.parser.Parse(s.resourceType, criteria)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if count < 0 {
		count = s.defaultPageCount
	}
	count = min(count, s.maxPageCount)
	if count > 0 && page-1 > (math.MaxInt-count)/count {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("_page %d is out of range", page))
	}

	found, err := s.store.Search(ctx, q.WithPaging(page, count))
	if err != nil {
		return nil, s.storeError(ctx, err, "")
	}

	result = &SearchResult{
		Page:         page,
		Count:        count,
		OverallCount: found.OverallCount,
		Resources:    found.Resources,
		Unsupported:  unsupported,
	}
	if len(unsupported) > 0 {
		s.logger.WarnContext(ctx, "ignoring unsupported search parameters",
			"resource_type", s.resourceType.String(),
			"parameters", unsupported,
			"request_id", requestcontext.RequestID(ctx),
		)
		for _, name := range unsupported {
			result.Diagnostics = append(result.Diagnostics, "unsupported search parameter "+name+" was ignored")
		}
	}
	return result, nil
}

// Validate checks a payload without storing it.
func (s *Service) Validate(ctx context.Context, r *models.Resource, profiles []string) (issues []models.Issue, err error) {
	ctx, done := s.observe(ctx, "validate")
	defer done(&err)

	if s.validator == nil {
		return nil, dErrors.New(dErrors.CodeNotSupported, "validation is not enabled for "+s.resourceType.String())
	}
	if err := s.checkBody(r); err != nil {
		return nil, err
	}
	candidate := &models.Resource{Type: s.resourceType, ID: payloadID(r).IDPart, Body: r.Body}
	return s.validator.Validate(ctx, candidate, profiles), nil
}

// ValidateExisting checks the current version of id. Mode "delete" asks
// whether a delete would be allowed, which is not supported.
func (s *Service) ValidateExisting(ctx context.Context, id, mode string, profiles []string) (issues []models.Issue, err error) {
	ctx, done := s.observe(ctx, "validate", attribute.String("fhir.id", id))
	defer done(&err)

	switch mode {
	case "", "profile", "update":
	case "delete":
		return nil, dErrors.New(dErrors.CodeNotSupported, "validation mode delete is not supported")
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown validation mode %q", mode))
	}
	if s.validator == nil {
		return nil, dErrors.New(dErrors.CodeNotSupported, "validation is not enabled for "+s.resourceType.String())
	}

	current, err := s.store.ReadLatest(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, err, id)
	}
	if current.Deleted {
		return nil, dErrors.New(dErrors.CodeGone, s.resourceType.String()+"/"+id+" has been deleted")
	}
	return s.validator.Validate(ctx, current, profiles), nil
}
