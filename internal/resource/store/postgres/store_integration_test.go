//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/internal/resource/store/postgres"
	"fhir-gateway/pkg/platform/sentinel"
	"fhir-gateway/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
	engine   *search.Engine
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB, "Patient")
	s.engine = search.NewEngine(models.DefaultTypes)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "resources")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) create(body map[string]any) *models.Resource {
	r, err := s.store.Create(context.Background(), &models.Resource{Body: body})
	s.Require().NoError(err)
	return r
}

func (s *PostgresStoreSuite) query(raw string) search.Query {
	params, err := url.ParseQuery(raw)
	s.Require().NoError(err)
	q, unsupported, err := s.engine.Parse("Patient", params)
	s.Require().NoError(err)
	s.Require().Empty(unsupported)
	return q
}

func (s *PostgresStoreSuite) TestVersionLifecycle() {
	ctx := context.Background()
	r := s.create(map[string]any{"resourceType": "Patient", "active": true})
	s.Equal(int64(1), r.Version)
	s.Equal(map[string]any{"active": true}, r.Body)

	prev := r
	for i := 0; i < 3; i++ {
		next, err := s.store.UpdateIfVersion(ctx, r.ID, prev.Version, map[string]any{"count": float64(i)})
		s.Require().NoError(err)
		s.Equal(prev.Version+1, next.Version)
		s.False(next.LastUpdated.Before(prev.LastUpdated))
		prev = next
	}

	_, err := s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{})
	s.ErrorIs(err, sentinel.ErrVersionConflict)

	v2a, err := s.store.ReadVersion(ctx, r.ID, 2)
	s.Require().NoError(err)
	v2b, err := s.store.ReadVersion(ctx, r.ID, 2)
	s.Require().NoError(err)
	s.Equal(v2a, v2b)

	tombstone, err := s.store.SoftDelete(ctx, r.ID)
	s.Require().NoError(err)
	s.True(tombstone.Deleted)
	s.Equal(int64(5), tombstone.Version)

	_, err = s.store.SoftDelete(ctx, r.ID)
	s.ErrorIs(err, sentinel.ErrAlreadyDeleted)

	_, err = s.store.UpdateIfVersion(ctx, r.ID, 5, map[string]any{})
	s.ErrorIs(err, sentinel.ErrDeleted)

	latest, err := s.store.ReadLatest(ctx, r.ID)
	s.Require().NoError(err)
	s.True(latest.Deleted)
}

func (s *PostgresStoreSuite) TestAbsentIDs() {
	ctx := context.Background()

	_, err := s.store.ReadLatest(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.ReadVersion(ctx, "missing", 1)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.UpdateIfVersion(ctx, "missing", 1, map[string]any{})
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.SoftDelete(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestCreateWithSuppliedID() {
	ctx := context.Background()
	_, err := s.store.Create(ctx, &models.Resource{ID: "chosen", Body: map[string]any{}})
	s.Require().NoError(err)

	_, err = s.store.Create(ctx, &models.Resource{ID: "chosen", Body: map[string]any{}})
	s.ErrorIs(err, sentinel.ErrConflict)
}

// TestConcurrentUpdatesSameVersion verifies that concurrent updates with the
// same expected version result in exactly one success.
func (s *PostgresStoreSuite) TestConcurrentUpdatesSameVersion() {
	ctx := context.Background()
	r := s.create(map[string]any{})
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount atomic.Int32
	var conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{"writer": idx})
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrVersionConflict) {
				conflictCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one update should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should observe a conflict")

	latest, err := s.store.ReadLatest(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), latest.Version)
}

func (s *PostgresStoreSuite) TestSearch() {
	ctx := context.Background()
	s.create(map[string]any{
		"name":       []any{map[string]any{"family": "Smith"}},
		"identifier": []any{map[string]any{"system": "http://acme", "value": "1"}},
	})
	s.create(map[string]any{
		"name":       []any{map[string]any{"family": "Smithers"}},
		"identifier": []any{map[string]any{"system": "http://acme", "value": "2"}},
	})
	gone := s.create(map[string]any{"name": []any{map[string]any{"family": "Smitty"}}})
	_, err := s.store.SoftDelete(ctx, gone.ID)
	s.Require().NoError(err)
	s.create(map[string]any{"name": []any{map[string]any{"family": "Jones"}}})

	s.Run("string prefix excludes tombstones", func() {
		page, err := s.store.Search(ctx, s.query("name=smi").WithPaging(1, 10))
		s.Require().NoError(err)
		s.Equal(2, page.OverallCount)
		s.Len(page.Resources, 2)
	})

	s.Run("classification page", func() {
		page, err := s.store.Search(ctx, s.query("name=smi").WithPaging(1, 1))
		s.Require().NoError(err)
		s.Equal(2, page.OverallCount)
		s.Len(page.Resources, 1)
	})

	s.Run("identifier token", func() {
		page, err := s.store.Search(ctx, s.query("identifier=http://acme|2").WithPaging(1, 10))
		s.Require().NoError(err)
		s.Require().Equal(1, page.OverallCount)
		s.Equal("2", page.Resources[0].Body["identifier"].([]any)[0].(map[string]any)["value"])
	})

	s.Run("last updated and id", func() {
		page, err := s.store.Search(ctx, s.query("_lastUpdated=gt2000-01-01").WithPaging(1, search.CountAll))
		s.Require().NoError(err)
		s.Equal(3, page.OverallCount)
		s.Len(page.Resources, 3)

		id := page.Resources[0].ID
		page, err = s.store.Search(ctx, s.query("_id="+id).WithPaging(1, 10))
		s.Require().NoError(err)
		s.Equal(1, page.OverallCount)
	})

	s.Run("updated version is searched, not the old one", func() {
		r := s.create(map[string]any{"name": "Brown"})
		_, err := s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{"name": "Green"})
		s.Require().NoError(err)

		page, err := s.store.Search(ctx, s.query("name=brown").WithPaging(1, 10))
		s.Require().NoError(err)
		s.Equal(0, page.OverallCount)
	})
}

func (s *PostgresStoreSuite) TestRunInTxRollsBack() {
	ctx := context.Background()
	a := s.create(map[string]any{"active": true})
	b := s.create(map[string]any{"active": true})
	boom := errors.New("boom")

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.SoftDelete(ctx, a.ID); err != nil {
			return err
		}
		// nested calls join the outer transaction
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := s.store.SoftDelete(ctx, b.ID); err != nil {
				return err
			}
			return boom
		})
	})
	s.ErrorIs(err, boom)

	for _, id := range []string{a.ID, b.ID} {
		latest, err := s.store.ReadLatest(ctx, id)
		s.Require().NoError(err)
		s.False(latest.Deleted)
		s.Equal(int64(1), latest.Version)
	}
}

func (s *PostgresStoreSuite) TestRunInTxCommits() {
	ctx := context.Background()
	a := s.create(map[string]any{"active": true})

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.store.SoftDelete(ctx, a.ID)
		return err
	})
	s.Require().NoError(err)

	latest, err := s.store.ReadLatest(ctx, a.ID)
	s.Require().NoError(err)
	s.True(latest.Deleted)
}
