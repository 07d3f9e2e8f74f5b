package service

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"fhir-gateway/internal/resource/conditional"
	"fhir-gateway/internal/resource/hooks"
	"fhir-gateway/internal/resource/models"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/requestcontext"
)

// Delete writes a tombstone version for id.
func (s *Service) Delete(ctx context.Context, id string) (result *DeleteResult, err error) {
	ctx, done := s.observe(ctx, "delete", attribute.String("fhir.id", id))
	defer done(&err)

	tombstone, err := s.delete(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{Deleted: []*models.Resource{tombstone}}, nil
}

func (s *Service) delete(ctx context.Context, id string) (*models.Resource, error) {
	tombstone, after, err := s.softDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.finishDelete(ctx, tombstone, after); err != nil {
		return nil, err
	}
	return tombstone, nil
}

func (s *Service) softDelete(ctx context.Context, id string) (*models.Resource, hooks.AfterAction, error) {
	after, err := s.hooks.PreDelete(ctx, id)
	if err != nil {
		return nil, hooks.None(), err
	}
	tombstone, err := s.store.SoftDelete(ctx, id)
	if err != nil {
		return nil, hooks.None(), s.storeError(ctx, err, id)
	}
	return tombstone, after, nil
}

// finishDelete runs once the tombstone is durable.
func (s *Service) finishDelete(ctx context.Context, tombstone *models.Resource, after hooks.AfterAction) error {
	s.notify(ctx, models.EventResourceDeleted, tombstone)
	if err := after.Run(ctx, tombstone); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "resource deleted",
		"resource_type", s.resourceType.String(),
		"id", tombstone.ID,
		"version", tombstone.Version,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

// ConditionalDelete deletes the resource matched by params. Zero matches is
// NotFound; several matches fail unless deleting all of them is enabled.
func (s *Service) ConditionalDelete(ctx context.Context, params url.Values) (result *DeleteResult, err error) {
	ctx, done := s.observe(ctx, "conditional-delete")
	defer done(&err)

	resolve := s.resolver.Resolve
	if s.deleteMultiple {
		resolve = s.resolver.ResolveAll
	}
	outcome, err := resolve(ctx, params, conditional.Reject)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementConditionalMatch(s.resourceType.String(), "delete", string(outcome.Match))

	switch outcome.Match {
	case models.MatchZero:
		return nil, dErrors.New(dErrors.CodeNotFound, "conditional delete matched no "+s.resourceType.String())

	case models.MatchOne:
		tombstone, err := s.delete(ctx, outcome.Single().ID)
		if err != nil {
			return nil, err
		}
		return &DeleteResult{Deleted: []*models.Resource{tombstone}}, nil
	}

	if !s.deleteMultiple {
		return nil, dErrors.New(dErrors.CodeAmbiguousConditionalMatch,
			fmt.Sprintf("conditional delete matched %d resources", outcome.OverallCount))
	}

	// All matches are deleted in one transaction when the store supports
	// it; events and after-actions run only once every tombstone is written.
	type pending struct {
		tombstone *models.Resource
		after     hooks.AfterAction
	}
	var written []pending
	err = s.atomically(ctx, func(ctx context.Context) error {
		written = written[:0]
		for _, match := range outcome.Matches {
			tombstone, after, err := s.softDelete(ctx, match.ID)
			if err != nil {
				// Lost a race with another delete; the resource is gone either way.
				if dErrors.HasCode(err, dErrors.CodeAlreadyDeleted) || dErrors.HasCode(err, dErrors.CodeNotFound) {
					continue
				}
				return err
			}
			written = append(written, pending{tombstone: tombstone, after: after})
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "conditional delete failed",
			"resource_type", s.resourceType.String(),
			"matched", len(outcome.Matches),
			"transactional", s.transactional(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, err
	}

	result = &DeleteResult{}
	for _, w := range written {
		if err := s.finishDelete(ctx, w.tombstone, w.after); err != nil {
			return nil, err
		}
		result.Deleted = append(result.Deleted, w.tombstone)
	}
	return result, nil
}

// atomically runs fn in a store transaction when the store offers one.
// Stores without transactions run fn directly and keep partial writes.
func (s *Service) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.transactor(); ok {
		return tx.RunInTx(ctx, fn)
	}
	return fn(ctx)
}

func (s *Service) transactional() bool {
	_, ok := s.transactor()
	return ok
}

func (s *Service) transactor() (Transactor, bool) {
	tx, ok := s.store.(Transactor)
	if !ok {
		return nil, false
	}
	if c, ok := s.store.(TxCapability); ok && !c.Transactional() {
		return nil, false
	}
	return tx, true
}
