package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"fhir-gateway/internal/resource/conditional"
	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/precondition"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/platform/sentinel"
	"fhir-gateway/pkg/requestcontext"
)

// Create stores r as version 1 of a new id. Any id in the payload is
// ignored. With If-None-Exist, one existing match is returned instead of
// creating and several matches fail.
func (s *Service) Create(ctx context.Context, r *models.Resource, pre models.Precondition) (result *CreateResult, err error) {
	ctx, done := s.observe(ctx, "create")
	defer done(&err)

	if err := s.checkBody(r); err != nil {
		return nil, err
	}

	if pre.HasIfNoneExist() {
		outcome, err := s.resolver.Resolve(ctx, pre.IfNoneExist, conditional.Reject)
		if err != nil {
			return nil, err
		}
		s.metrics.IncrementConditionalMatch(s.resourceType.String(), "create", string(outcome.Match))
		switch outcome.Match {
		case models.MatchOne:
			return &CreateResult{Resource: outcome.Single()}, nil
		case models.MatchMany:
			return nil, dErrors.New(dErrors.CodeAmbiguousConditionalMatch,
				fmt.Sprintf("conditional create matched %d resources", outcome.OverallCount))
		}
	}

	created, err := s.create(ctx, &models.Resource{Type: s.resourceType, Body: r.Body})
	if err != nil {
		return nil, err
	}
	return &CreateResult{Resource: created, Created: true}, nil
}

// create runs the create hooks around a store create. r.ID is only set for
// update-as-create.
func (s *Service) create(ctx context.Context, r *models.Resource) (*models.Resource, error) {
	after, err := s.hooks.PreCreate(ctx, r)
	if err != nil {
		return nil, err
	}
	created, err := s.store.Create(ctx, r)
	if err != nil {
		return nil, s.storeError(ctx, err, r.ID)
	}
	s.notify(ctx, models.EventResourceCreated, created)
	if err := after.Run(ctx, created); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "resource created",
		"resource_type", s.resourceType.String(),
		"id", created.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return created, nil
}

// Update writes a new version of id. The payload id must name the same id
// and, when absolute, this server's base.
func (s *Service) Update(ctx context.Context, id string, r *models.Resource, pre models.Precondition) (result *UpdateResult, err error) {
	ctx, done := s.observe(ctx, "update", attribute.String("fhir.id", id))
	defer done(&err)
	return s.update(ctx, id, r, pre)
}

func (s *Service) update(ctx context.Context, id string, r *models.Resource, pre models.Precondition) (*UpdateResult, error) {
	if err := s.checkBody(r); err != nil {
		return nil, err
	}
	ref := payloadID(r)
	if ref.IDPart != id || (ref.Type != "" && ref.Type != s.resourceType) {
		return nil, dErrors.New(dErrors.CodeIDMismatch,
			fmt.Sprintf("path id %q does not match payload id %q", id, ref.String()))
	}
	if ref.HasBase() && !s.baseMatches(ref.Base) {
		return nil, dErrors.New(dErrors.CodeInvalidBase,
			fmt.Sprintf("payload base %q does not match server base %q", ref.Base, s.serverBase))
	}

	current, err := s.store.ReadLatest(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) && s.updateAsCreate {
			return s.updateAsCreateFor(ctx, id, r, pre)
		}
		return nil, s.storeError(ctx, err, id)
	}
	if current.Deleted {
		return nil, dErrors.New(dErrors.CodeGone, s.resourceType.String()+"/"+id+" has been deleted")
	}
	if precondition.EvaluateWrite(pre, current) == models.PreconditionFailed {
		return nil, dErrors.New(dErrors.CodeVersionConflict,
			fmt.Sprintf("expected version %s but current is %s", models.WeakTag(*pre.IfMatch), current.VersionTag()))
	}

	candidate := &models.Resource{Type: s.resourceType, ID: id, Version: current.Version, Body: r.Body}
	after, err := s.hooks.PreUpdate(ctx, candidate)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateIfVersion(ctx, id, current.Version, r.Body)
	if err != nil {
		return nil, s.storeError(ctx, err, id)
	}
	s.notify(ctx, models.EventResourceUpdated, updated)
	if err := after.Run(ctx, updated); err != nil {
		return nil, err
	}
	return &UpdateResult{Resource: updated}, nil
}

func (s *Service) updateAsCreateFor(ctx context.Context, id string, r *models.Resource, pre models.Precondition) (*UpdateResult, error) {
	if pre.IfMatch != nil {
		return nil, dErrors.New(dErrors.CodeVersionConflict,
			fmt.Sprintf("expected version %s but %s/%s does not exist", models.WeakTag(*pre.IfMatch), s.resourceType, id))
	}
	if !models.IDPattern.MatchString(id) {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("id %q is not a valid resource id", id))
	}
	created, err := s.create(ctx, &models.Resource{Type: s.resourceType, ID: id, Body: r.Body})
	if err != nil {
		return nil, err
	}
	return &UpdateResult{Resource: created, Created: true}, nil
}

// ConditionalUpdate resolves the target by query:
//
//	zero matches, no payload id  -> create
//	zero matches, payload id     -> UpdateAsCreateNotAllowed
//	one match                    -> update the match (payload id must agree)
//	many matches                 -> AmbiguousConditionalMatch
func (s *Service) ConditionalUpdate(ctx context.Context, params url.Values, r *models.Resource, pre models.Precondition) (result *UpdateResult, err error) {
	ctx, done := s.observe(ctx, "conditional-update")
	defer done(&err)

	if err := s.checkBody(r); err != nil {
		return nil, err
	}
	outcome, err := s.resolver.Resolve(ctx, params, conditional.Reject)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementConditionalMatch(s.resourceType.String(), "update", string(outcome.Match))

	ref := payloadID(r)
	switch outcome.Match {
	case models.MatchZero:
		if ref.HasID() {
			return nil, dErrors.New(dErrors.CodeUpdateAsCreateNotAllowed,
				"conditional update matched nothing and the payload carries id "+ref.String())
		}
		created, err := s.create(ctx, &models.Resource{Type: s.resourceType, Body: r.Body})
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Resource: created, Created: true}, nil

	case models.MatchOne:
		match := outcome.Single()
		if ref.HasID() {
			if ref.IDPart != match.ID || (ref.Type != "" && ref.Type != s.resourceType) || (ref.HasBase() && !s.baseMatches(ref.Base)) {
				return nil, dErrors.New(dErrors.CodeIDsNotMatching,
					fmt.Sprintf("payload id %q does not match resolved id %s/%s", ref.String(), s.resourceType, match.ID))
			}
		}
		body := models.CloneBody(r.Body)
		body["id"] = match.ID
		return s.update(ctx, match.ID, &models.Resource{Type: s.resourceType, Body: body}, pre)

	default:
		return nil, dErrors.New(dErrors.CodeAmbiguousConditionalMatch,
			fmt.Sprintf("conditional update matched %d resources", outcome.OverallCount))
	}
}
