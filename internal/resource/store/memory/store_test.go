package memory

import (
	"context"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/pkg/platform/sentinel"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	clock time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.store = New("Patient", WithClock(func() time.Time { return s.clock }))
}

func (s *StoreSuite) create(body map[string]any) *models.Resource {
	r, err := s.store.Create(context.Background(), &models.Resource{Body: body})
	s.Require().NoError(err)
	return r
}

func (s *StoreSuite) TestCreate() {
	ctx := context.Background()

	s.Run("assigns id and version 1", func() {
		r := s.create(map[string]any{"resourceType": "Patient", "id": "ignored", "active": true})
		s.NotEmpty(r.ID)
		s.NotEqual("ignored", r.ID)
		s.Equal(int64(1), r.Version)
		s.Equal(models.ResourceType("Patient"), r.Type)
		s.Equal(s.clock, r.LastUpdated)
		s.Equal(map[string]any{"active": true}, r.Body)
	})

	s.Run("keeps a supplied id", func() {
		r, err := s.store.Create(ctx, &models.Resource{ID: "fixed", Body: map[string]any{}})
		s.Require().NoError(err)
		s.Equal("fixed", r.ID)

		_, err = s.store.Create(ctx, &models.Resource{ID: "fixed", Body: map[string]any{}})
		s.ErrorIs(err, sentinel.ErrConflict)
	})
}

func (s *StoreSuite) TestVersionsAreContiguous() {
	ctx := context.Background()
	r := s.create(map[string]any{"n": 0})

	for i := 1; i <= 5; i++ {
		next, err := s.store.UpdateIfVersion(ctx, r.ID, r.Version, map[string]any{"n": i})
		s.Require().NoError(err)
		s.Equal(r.Version+1, next.Version)
		s.False(next.LastUpdated.Before(r.LastUpdated))
		r = next
	}

	for v := int64(1); v <= 6; v++ {
		snap, err := s.store.ReadVersion(ctx, r.ID, v)
		s.Require().NoError(err)
		s.Equal(v, snap.Version)
	}
	_, err := s.store.ReadVersion(ctx, r.ID, 7)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestLastUpdatedNeverGoesBackwards() {
	ctx := context.Background()
	r := s.create(map[string]any{})

	s.clock = s.clock.Add(-time.Hour)
	next, err := s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{})
	s.Require().NoError(err)
	s.Equal(r.LastUpdated, next.LastUpdated)
}

func (s *StoreSuite) TestReadsReturnIsolatedCopies() {
	ctx := context.Background()
	r := s.create(map[string]any{"name": "a"})

	first, err := s.store.ReadVersion(ctx, r.ID, 1)
	s.Require().NoError(err)
	first.Body["name"] = "mutated"

	second, err := s.store.ReadVersion(ctx, r.ID, 1)
	s.Require().NoError(err)
	s.Equal("a", second.Body["name"])
}

func (s *StoreSuite) TestUpdateIfVersion() {
	ctx := context.Background()

	s.Run("stale expected version conflicts", func() {
		r := s.create(map[string]any{})
		_, err := s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{})
		s.Require().NoError(err)

		_, err = s.store.UpdateIfVersion(ctx, r.ID, 1, map[string]any{})
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})

	s.Run("absent id", func() {
		_, err := s.store.UpdateIfVersion(ctx, "missing", 1, map[string]any{})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("tombstoned id", func() {
		r := s.create(map[string]any{})
		deleted, err := s.store.SoftDelete(ctx, r.ID)
		s.Require().NoError(err)

		_, err = s.store.UpdateIfVersion(ctx, r.ID, deleted.Version, map[string]any{})
		s.ErrorIs(err, sentinel.ErrDeleted)
	})
}

func (s *StoreSuite) TestSoftDelete() {
	ctx := context.Background()

	_, err := s.store.SoftDelete(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)

	r := s.create(map[string]any{"x": 1})
	tombstone, err := s.store.SoftDelete(ctx, r.ID)
	s.Require().NoError(err)
	s.True(tombstone.Deleted)
	s.Equal(int64(2), tombstone.Version)
	s.Nil(tombstone.Body)

	latest, err := s.store.ReadLatest(ctx, r.ID)
	s.Require().NoError(err)
	s.True(latest.Deleted)

	_, err = s.store.SoftDelete(ctx, r.ID)
	s.ErrorIs(err, sentinel.ErrAlreadyDeleted)

	first, err := s.store.ReadVersion(ctx, r.ID, 1)
	s.Require().NoError(err)
	s.False(first.Deleted)
}

// TestConcurrentUpdatesSameVersion verifies that concurrent updates with the
// same expected version result in exactly one success.
func (s *StoreSuite) TestConcurrentUpdatesSameVersion() {
	ctx := context.Background()
	r := s.create(map[string]any{})
	const goroutines = 50

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
			} else if err == sentinel.ErrVersionConflict {
				conflictCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one update should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load())

	latest, err := s.store.ReadLatest(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), latest.Version)
}

func (s *StoreSuite) TestSearch() {
	ctx := context.Background()
	engine := search.NewEngine(models.DefaultTypes)
	for i, name := range []string{"Smith", "Smythe", "Jones", "Smithers"} {
		s.clock = s.clock.Add(time.Duration(i) * time.Minute)
		s.create(map[string]any{"name": name})
	}
	deleted := s.create(map[string]any{"name": "Smitty"})
	_, err := s.store.SoftDelete(ctx, deleted.ID)
	s.Require().NoError(err)

	q, _, err := engine.Parse("Patient", url.Values{"name": {"smi"}})
	s.Require().NoError(err)

	s.Run("excludes tombstones and pages", func() {
		page, err := s.store.Search(ctx, q.WithPaging(1, 1))
		s.Require().NoError(err)
		s.Equal(2, page.OverallCount)
		s.Require().Len(page.Resources, 1)
		s.Equal("Smith", page.Resources[0].Body["name"])

		page, err = s.store.Search(ctx, q.WithPaging(2, 1))
		s.Require().NoError(err)
		s.Require().Len(page.Resources, 1)
		s.Equal("Smithers", page.Resources[0].Body["name"])

		page, err = s.store.Search(ctx, q.WithPaging(3, 1))
		s.Require().NoError(err)
		s.Empty(page.Resources)
	})

	s.Run("extreme paging returns an empty page", func() {
		page, err := s.store.Search(ctx, q.WithPaging(math.MaxInt/2+1, 4))
		s.Require().NoError(err)
		s.Equal(2, page.OverallCount)
		s.Empty(page.Resources)

		page, err = s.store.Search(ctx, q.WithPaging(1, math.MaxInt))
		s.Require().NoError(err)
		s.Len(page.Resources, 2)
	})

	s.Run("count zero returns the total only", func() {
		page, err := s.store.Search(ctx, q.WithPaging(1, 0))
		s.Require().NoError(err)
		s.Equal(2, page.OverallCount)
		s.Empty(page.Resources)
	})

	s.Run("count all returns every match", func() {
		page, err := s.store.Search(ctx, search.Query{Type: "Patient"}.WithPaging(1, search.CountAll))
		s.Require().NoError(err)
		s.Equal(4, page.OverallCount)
		s.Len(page.Resources, 4)
	})
}
