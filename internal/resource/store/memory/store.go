package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/pkg/platform/sentinel"
)

// Store keeps the full version history of one resource type in memory.
// This store is pure I/O; the service owns all interaction semantics.
type Store struct {
	mu           sync.RWMutex
	resourceType models.ResourceType
	histories    map[string][]*models.Resource
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the write timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store for t.
func New(t models.ResourceType, opts ...Option) *Store {
	s := &Store{
		resourceType: t,
		histories:    make(map[string][]*models.Resource),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores version 1. An empty ID gets a fresh one; a supplied ID is
// kept and fails with ErrConflict when it is already taken.
func (s *Store) Create(_ context.Context, r *models.Resource) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.histories[id]; ok {
		return nil, sentinel.ErrConflict
	}
	created := &models.Resource{
		Type:        s.resourceType,
		ID:          id,
		Version:     1,
		LastUpdated: s.now().UTC(),
		Body:        models.StripIdentity(r.Body),
	}
	s.histories[id] = []*models.Resource{created}
	return created.Clone(), nil
}

// ReadLatest returns the current version, which may be a tombstone.
func (s *Store) ReadLatest(_ context.Context, id string) (*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.histories[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return history[len(history)-1].Clone(), nil
}

// ReadVersion returns one snapshot of the history.
func (s *Store) ReadVersion(_ context.Context, id string, version int64) (*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.histories[id]
	if !ok || version < 1 || version > int64(len(history)) {
		return nil, sentinel.ErrNotFound
	}
	return history[version-1].Clone(), nil
}

// UpdateIfVersion appends version expected+1 only while expected is still
// the current version.
func (s *Store) UpdateIfVersion(_ context.Context, id string, expected int64, body map[string]any) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.histories[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	current := history[len(history)-1]
	if current.Version != expected {
		return nil, sentinel.ErrVersionConflict
	}
	if current.Deleted {
		return nil, sentinel.ErrDeleted
	}
	next := &models.Resource{
		Type:        s.resourceType,
		ID:          id,
		Version:     current.Version + 1,
		LastUpdated: s.nextTimestamp(current),
		Body:        models.StripIdentity(body),
	}
	s.histories[id] = append(history, next)
	return next.Clone(), nil
}

// SoftDelete appends a tombstone version.
func (s *Store) SoftDelete(_ context.Context, id string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.histories[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	current := history[len(history)-1]
	if current.Deleted {
		return nil, sentinel.ErrAlreadyDeleted
	}
	tombstone := &models.Resource{
		Type:        s.resourceType,
		ID:          id,
		Version:     current.Version + 1,
		LastUpdated: s.nextTimestamp(current),
		Deleted:     true,
	}
	s.histories[id] = append(history, tombstone)
	return tombstone.Clone(), nil
}

// Search matches q against current non-deleted versions, ordered by
// lastUpdated then id.
func (s *Store) Search(_ context.Context, q search.Query) (models.SearchPage, error) {
	s.mu.RLock()
	var matched []*models.Resource
	for _, history := range s.histories {
		current := history[len(history)-1]
		if current.Deleted || !q.Matches(current) {
			continue
		}
		matched = append(matched, current)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *models.Resource) int {
		if c := a.LastUpdated.Compare(b.LastUpdated); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	page := models.SearchPage{OverallCount: len(matched)}
	if q.Count == 0 {
		return page, nil
	}
	start := min(max(q.Offset(), 0), len(matched))
	end := len(matched)
	if q.Count > 0 {
		end = start + min(q.Count, end-start)
	}
	page.Resources = make([]*models.Resource, 0, end-start)
	for _, r := range matched[start:end] {
		page.Resources = append(page.Resources, r.Clone())
	}
	return page, nil
}

// nextTimestamp never goes backwards relative to the previous version.
func (s *Store) nextTimestamp(previous *models.Resource) time.Time {
	now := s.now().UTC()
	if now.Before(previous.LastUpdated) {
		return previous.LastUpdated
	}
	return now
}
