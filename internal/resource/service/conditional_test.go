package service

import (
	"context"
	"errors"
	"math"
	"net/url"

	"go.uber.org/mock/gomock"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/service/mocks"
	"fhir-gateway/internal/resource/store/memory"
	dErrors "fhir-gateway/pkg/domain-errors"
)

// txStore is a memory store that reports transactions and can fail one id.
type txStore struct {
	*memory.Store
	transactions int
	failID       string
}

func (t *txStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.transactions++
	return fn(ctx)
}

// noTxStore offers RunInTx but reports that it has no real transaction,
// like a snapshot cache over the memory store.
type noTxStore struct {
	txStore
}

func (n *noTxStore) Transactional() bool { return false }

func (t *txStore) SoftDelete(ctx context.Context, id string) (*models.Resource, error) {
	if id == t.failID {
		return nil, errors.New("disk full")
	}
	return t.Store.SoftDelete(ctx, id)
}

// =============================================================================
// Conditional update
// =============================================================================

func (s *ServiceSuite) TestConditionalUpdate() {
	ctx := context.Background()
	s.ignoreEvents()
	byName := func(name string) url.Values { return url.Values{"name": {name}} }
	named := func(id, name string) map[string]any {
		return patientBody(id, map[string]any{"name": []any{map[string]any{"family": name}}})
	}

	s.Run("zero matches without payload id creates", func() {
		res, err := s.service.ConditionalUpdate(ctx, byName("Nobody"), &models.Resource{Body: named("", "Nobody")}, models.Precondition{})
		s.Require().NoError(err)
		s.True(res.Created)
		s.Equal(int64(1), res.Resource.Version)
	})

	s.Run("zero matches with payload id is not allowed", func() {
		_, err := s.service.ConditionalUpdate(ctx, byName("Ghost"), &models.Resource{Body: named("ghost-1", "Ghost")}, models.Precondition{})
		s.assertCode(err, dErrors.CodeUpdateAsCreateNotAllowed)
	})

	s.Run("one match is updated", func() {
		existing := s.seed(named("", "Single"))

		res, err := s.service.ConditionalUpdate(ctx, byName("Single"), &models.Resource{Body: named("", "Single")}, models.Precondition{})
		s.Require().NoError(err)
		s.False(res.Created)
		s.Equal(existing.ID, res.Resource.ID)
		s.Equal(int64(2), res.Resource.Version)
	})

	s.Run("one match with a different payload id fails", func() {
		s.seed(named("", "Other"))

		_, err := s.service.ConditionalUpdate(ctx, byName("Other"), &models.Resource{Body: named("not-the-match", "Other")}, models.Precondition{})
		s.assertCode(err, dErrors.CodeIDsNotMatching)
	})

	s.Run("one match honours If-Match", func() {
		s.seed(named("", "Guarded"))

		_, err := s.service.ConditionalUpdate(ctx, byName("Guarded"), &models.Resource{Body: named("", "Guarded")}, ifMatch(2))
		s.assertCode(err, dErrors.CodeVersionConflict)
	})

	s.Run("many matches fails", func() {
		s.seed(named("", "Twin"))
		s.seed(named("", "Twin"))

		_, err := s.service.ConditionalUpdate(ctx, byName("Twin"), &models.Resource{Body: named("", "Twin")}, models.Precondition{})
		s.assertCode(err, dErrors.CodeAmbiguousConditionalMatch)
	})

	s.Run("unsupported parameter is rejected", func() {
		_, err := s.service.ConditionalUpdate(ctx, url.Values{"species": {"dog"}}, &models.Resource{Body: named("", "x")}, models.Precondition{})
		s.assertCode(err, dErrors.CodeUnsupportedSearchParameter)
	})

	s.Run("only control parameters is a bad request", func() {
		_, err := s.service.ConditionalUpdate(ctx, url.Values{"_count": {"5"}}, &models.Resource{Body: named("", "x")}, models.Precondition{})
		s.assertCode(err, dErrors.CodeBadRequest)
	})
}

// =============================================================================
// Delete
// =============================================================================

func (s *ServiceSuite) TestDelete() {
	ctx := context.Background()

	s.Run("absent id is not found", func() {
		_, err := s.service.Delete(ctx, "missing")
		s.assertCode(err, dErrors.CodeNotFound)
	})

	s.Run("writes a tombstone version", func() {
		r := s.seed(map[string]any{})
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Cond(func(e models.Event) bool {
			return e.Kind == models.EventResourceDeleted && e.ID == r.ID && e.Version == 2 && e.Resource == nil
		})).Times(1)

		res, err := s.service.Delete(ctx, r.ID)
		s.Require().NoError(err)
		s.Require().Len(res.Deleted, 1)
		s.True(res.Deleted[0].Deleted)
		s.Equal(int64(2), res.Deleted[0].Version)

		// history survives the delete
		v1, err := s.service.VersionRead(ctx, r.ID, 1, models.Precondition{})
		s.Require().NoError(err)
		s.Equal(int64(1), v1.Resource.Version)
	})

	s.Run("deleted id is already deleted", func() {
		r := s.seed(map[string]any{})
		_, err := s.store.SoftDelete(ctx, r.ID)
		s.Require().NoError(err)

		_, err = s.service.Delete(ctx, r.ID)
		s.assertCode(err, dErrors.CodeAlreadyDeleted)
	})
}

func (s *ServiceSuite) TestConditionalDelete() {
	ctx := context.Background()
	active := url.Values{"active": {"true"}}

	s.Run("zero matches is not found", func() {
		_, err := s.service.ConditionalDelete(ctx, url.Values{"name": {"Nobody"}})
		s.assertCode(err, dErrors.CodeNotFound)
	})

	s.Run("one match is deleted", func() {
		r := s.seed(map[string]any{"name": []any{map[string]any{"family": "Solo"}}})
		s.notifier.EXPECT().Notify(gomock.Any(), eventOf(models.EventResourceDeleted)).Times(1)

		res, err := s.service.ConditionalDelete(ctx, url.Values{"name": {"Solo"}})
		s.Require().NoError(err)
		s.Require().Len(res.Deleted, 1)
		s.Equal(r.ID, res.Deleted[0].ID)
	})

	s.Run("three matches fails and deletes nothing", func() {
		family := map[string]any{"name": []any{map[string]any{"family": "Triplet"}}}
		ids := []string{s.seed(family).ID, s.seed(family).ID, s.seed(family).ID}

		_, err := s.service.ConditionalDelete(ctx, url.Values{"name": {"Triplet"}})
		s.assertCode(err, dErrors.CodeAmbiguousConditionalMatch)

		for _, id := range ids {
			current, err := s.store.ReadLatest(ctx, id)
			s.Require().NoError(err)
			s.False(current.Deleted)
		}
	})

	s.Run("multiple matches are all deleted when enabled", func() {
		family := map[string]any{"name": []any{map[string]any{"family": "Crowd"}}}
		s.seed(family)
		s.seed(family)
		s.notifier.EXPECT().Notify(gomock.Any(), eventOf(models.EventResourceDeleted)).Times(2)
		svc := s.newService(WithConditionalDeleteMultiple(true))

		res, err := svc.ConditionalDelete(ctx, url.Values{"name": {"Crowd"}})
		s.Require().NoError(err)
		s.Len(res.Deleted, 2)
	})

	s.Run("multiple deletes share one transaction and emit nothing on failure", func() {
		store := &txStore{Store: s.store}
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier), WithConditionalDeleteMultiple(true))
		s.Require().NoError(err)

		family := map[string]any{"name": []any{map[string]any{"family": "Batch"}}}
		s.seed(family)
		store.failID = s.seed(family).ID

		// no Notify expectation: a failed batch must not publish events
		_, err = svc.ConditionalDelete(ctx, url.Values{"name": {"Batch"}})
		s.assertCode(err, dErrors.CodeStorageUnavailable)
		s.Equal(1, store.transactions)
	})

	s.Run("store without real transactions deletes one by one", func() {
		store := &noTxStore{txStore{Store: s.store}}
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier), WithConditionalDeleteMultiple(true))
		s.Require().NoError(err)
		s.False(svc.transactional())

		family := map[string]any{"name": []any{map[string]any{"family": "Loose"}}}
		s.seed(family)
		s.seed(family)
		s.notifier.EXPECT().Notify(gomock.Any(), eventOf(models.EventResourceDeleted)).Times(2)

		res, err := svc.ConditionalDelete(ctx, url.Values{"name": {"Loose"}})
		s.Require().NoError(err)
		s.Len(res.Deleted, 2)
		s.Zero(store.transactions)
	})

	s.Run("unsupported parameter is rejected", func() {
		_, err := s.service.ConditionalDelete(ctx, url.Values{"species": {"dog"}})
		s.assertCode(err, dErrors.CodeUnsupportedSearchParameter)
	})

	s.Run("active is not a Patient parameter", func() {
		_, err := s.service.ConditionalDelete(ctx, active)
		s.assertCode(err, dErrors.CodeUnsupportedSearchParameter)
	})
}

// =============================================================================
// Search
// =============================================================================

func (s *ServiceSuite) TestSearch() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.seed(map[string]any{"name": []any{map[string]any{"family": "Paged"}}})
	}
	gone := s.seed(map[string]any{"name": []any{map[string]any{"family": "Paged"}}})
	_, err := s.store.SoftDelete(ctx, gone.ID)
	s.Require().NoError(err)

	s.Run("pages current resources", func() {
		res, err := s.service.Search(ctx, url.Values{"name": {"Paged"}}, 2, 2)
		s.Require().NoError(err)
		s.Equal(5, res.OverallCount)
		s.Equal(2, res.Page)
		s.Len(res.Resources, 2)
		s.Empty(res.Unsupported)
	})

	s.Run("defaults apply to out of range paging", func() {
		res, err := s.service.Search(ctx, nil, 0, -1)
		s.Require().NoError(err)
		s.Equal(1, res.Page)
		s.Equal(20, res.Count)
		s.Len(res.Resources, 5)
	})

	s.Run("count zero returns only the total", func() {
		res, err := s.service.Search(ctx, nil, 1, 0)
		s.Require().NoError(err)
		s.Equal(5, res.OverallCount)
		s.Empty(res.Resources)
	})

	s.Run("unsupported parameters are reported", func() {
		res, err := s.service.Search(ctx, url.Values{"name": {"Paged"}, "species": {"dog"}, "_format": {"json"}}, 1, 10)
		s.Require().NoError(err)
		s.Equal(5, res.OverallCount)
		s.Equal([]string{"species"}, res.Unsupported)
		s.Require().Len(res.Diagnostics, 1)
		s.Contains(res.Diagnostics[0], "species")
	})

	s.Run("malformed date is a bad request", func() {
		_, err := s.service.Search(ctx, url.Values{"_lastUpdated": {"yesterday"}}, 1, 10)
		s.assertCode(err, dErrors.CodeBadRequest)
	})

	s.Run("count is capped at the maximum", func() {
		svc := s.newService(WithMaxPageCount(3))
		res, err := svc.Search(ctx, url.Values{"name": {"Paged"}}, 1, math.MaxInt)
		s.Require().NoError(err)
		s.Equal(3, res.Count)
		s.Len(res.Resources, 3)
		s.Equal(5, res.OverallCount)
	})

	s.Run("page past the last match is empty", func() {
		res, err := s.service.Search(ctx, url.Values{"name": {"Paged"}}, 1<<40, 4)
		s.Require().NoError(err)
		s.Equal(5, res.OverallCount)
		s.Empty(res.Resources)
	})

	s.Run("page whose offset overflows is a bad request", func() {
		_, err := s.service.Search(ctx, nil, math.MaxInt/2+1, 4)
		s.assertCode(err, dErrors.CodeBadRequest)
	})
}

// =============================================================================
// Count and page disagree
// =============================================================================
// A concurrent delete between a store's count and page reads can report a
// match that is no longer returned. Every conditional interaction must turn
// that into a retryable conflict instead of acting on a missing resource.

func (s *ServiceSuite) TestConditionalMatchVanishes() {
	ctx := context.Background()
	store := mocks.NewMockStore(s.ctrl)
	vanished := models.SearchPage{OverallCount: 1}
	byName := url.Values{"name": {"Vanishing"}}

	s.Run("conditional create", func() {
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier))
		s.Require().NoError(err)
		store.EXPECT().Search(gomock.Any(), gomock.Any()).Return(vanished, nil)

		res, err := svc.Create(ctx, &models.Resource{Body: patientBody("", nil)}, models.Precondition{IfNoneExist: byName})
		s.assertCode(err, dErrors.CodeVersionConflict)
		s.Nil(res)
	})

	s.Run("conditional update", func() {
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier))
		s.Require().NoError(err)
		store.EXPECT().Search(gomock.Any(), gomock.Any()).Return(vanished, nil)

		_, err = svc.ConditionalUpdate(ctx, byName, &models.Resource{Body: patientBody("", nil)}, models.Precondition{})
		s.assertCode(err, dErrors.CodeVersionConflict)
	})

	s.Run("conditional delete", func() {
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier))
		s.Require().NoError(err)
		store.EXPECT().Search(gomock.Any(), gomock.Any()).Return(vanished, nil)

		_, err = svc.ConditionalDelete(ctx, byName)
		s.assertCode(err, dErrors.CodeVersionConflict)
	})

	s.Run("multiple delete follows the fetched matches", func() {
		svc, err := New("Patient", store, s.engine, WithNotifier(s.notifier), WithConditionalDeleteMultiple(true))
		s.Require().NoError(err)
		store.EXPECT().Search(gomock.Any(), gomock.Any()).Return(models.SearchPage{OverallCount: 3}, nil)

		_, err = svc.ConditionalDelete(ctx, byName)
		s.assertCode(err, dErrors.CodeVersionConflict)
	})
}

// =============================================================================
// Validate
// =============================================================================

func (s *ServiceSuite) TestValidate() {
	ctx := context.Background()
	issue := models.Issue{Severity: models.SeverityWarning, Code: "informational", Diagnostics: "looks odd"}

	s.Run("without a validator is not supported", func() {
		_, err := s.service.Validate(ctx, &models.Resource{Body: patientBody("", nil)}, nil)
		s.assertCode(err, dErrors.CodeNotSupported)
	})

	s.Run("payload is passed to the validator", func() {
		validator := mocks.NewMockValidator(s.ctrl)
		validator.EXPECT().Validate(gomock.Any(), gomock.Any(), []string{"urn:profile"}).Return([]models.Issue{issue})
		svc := s.newService(WithValidator(validator))

		issues, err := svc.Validate(ctx, &models.Resource{Body: patientBody("p9", nil)}, []string{"urn:profile"})
		s.Require().NoError(err)
		s.Equal([]models.Issue{issue}, issues)
	})

	s.Run("existing resource modes", func() {
		r := s.seed(map[string]any{})
		validator := mocks.NewMockValidator(s.ctrl)
		validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Nil()).Return(nil).Times(2)
		svc := s.newService(WithValidator(validator))

		for _, mode := range []string{"", "profile"} {
			_, err := svc.ValidateExisting(ctx, r.ID, mode, nil)
			s.Require().NoError(err, mode)
		}

		_, err := svc.ValidateExisting(ctx, r.ID, "delete", nil)
		s.assertCode(err, dErrors.CodeNotSupported)

		_, err = svc.ValidateExisting(ctx, r.ID, "rewrite", nil)
		s.assertCode(err, dErrors.CodeBadRequest)
	})
}
