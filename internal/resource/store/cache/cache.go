package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/pkg/platform/circuit"
	txcontext "fhir-gateway/pkg/platform/tx"
)

const keyPrefix = "fhir:snapshot:"

// Store is the version store being decorated.
type Store interface {
	Create(ctx context.Context, r *models.Resource) (*models.Resource, error)
	ReadLatest(ctx context.Context, id string) (*models.Resource, error)
	ReadVersion(ctx context.Context, id string, version int64) (*models.Resource, error)
	UpdateIfVersion(ctx context.Context, id string, expected int64, body map[string]any) (*models.Resource, error)
	SoftDelete(ctx context.Context, id string) (*models.Resource, error)
	Search(ctx context.Context, q search.Query) (models.SearchPage, error)
}

// SnapshotCache caches immutable (id, version) snapshots in Redis. Latest reads and
// searches always go to the underlying store because the current version
// can change at any time; a given version never does.
type SnapshotCache struct {
	inner        Store
	client       redis.Cmdable
	resourceType models.ResourceType
	ttl          time.Duration
	group        singleflight.Group
	breaker      *circuit.Breaker
	logger       *slog.Logger
}

// Option configures a SnapshotCache.
type Option func(*SnapshotCache)

// WithLogger sets the logger used for cache faults.
func WithLogger(logger *slog.Logger) Option {
	return func(c *SnapshotCache) {
		c.logger = logger
	}
}

// WithBreaker replaces the breaker guarding Redis.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *SnapshotCache) {
		c.breaker = b
	}
}

// New wraps inner. Cache faults are logged and never fail a read or write.
// While the breaker is open snapshots are not written; reads keep probing.
func New(inner Store, client redis.Cmdable, t models.ResourceType, ttl time.Duration, opts ...Option) *SnapshotCache {
	c := &SnapshotCache{
		inner:        inner,
		client:       client,
		resourceType: t,
		ttl:          ttl,
		breaker:      circuit.New("redis-snapshot-cache"),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type snapshot struct {
	ID          string         `json:"id"`
	Version     int64          `json:"version"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Deleted     bool           `json:"deleted"`
	Body        map[string]any `json:"body,omitempty"`
}

func (c *SnapshotCache) key(id string, version int64) string {
	return keyPrefix + string(c.resourceType) + ":" + id + ":" + strconv.FormatInt(version, 10)
}

// ReadVersion serves from Redis when possible. Concurrent misses for the
// same snapshot share one store read, which is detached from the first
// caller's cancellation so the other waiters still get a result.
func (c *SnapshotCache) ReadVersion(ctx context.Context, id string, version int64) (*models.Resource, error) {
	key := c.key(id, version)

	if r, ok := c.get(ctx, key); ok {
		return r, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		r, err := c.inner.ReadVersion(shared, id, version)
		if err != nil {
			return nil, err
		}
		c.put(shared, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Resource).Clone(), nil
}

func (c *SnapshotCache) Create(ctx context.Context, r *models.Resource) (*models.Resource, error) {
	created, err := c.inner.Create(ctx, r)
	if err != nil {
		return nil, err
	}
	c.put(ctx, created)
	return created, nil
}

func (c *SnapshotCache) UpdateIfVersion(ctx context.Context, id string, expected int64, body map[string]any) (*models.Resource, error) {
	updated, err := c.inner.UpdateIfVersion(ctx, id, expected, body)
	if err != nil {
		return nil, err
	}
	c.put(ctx, updated)
	return updated, nil
}

func (c *SnapshotCache) SoftDelete(ctx context.Context, id string) (*models.Resource, error) {
	tombstone, err := c.inner.SoftDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(ctx, tombstone)
	return tombstone, nil
}

type transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunInTx delegates to the wrapped store when it supports transactions and
// runs fn directly otherwise.
func (c *SnapshotCache) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := c.inner.(transactor); ok {
		return tx.RunInTx(ctx, fn)
	}
	return fn(ctx)
}

// Transactional reports whether RunInTx opens a real transaction.
func (c *SnapshotCache) Transactional() bool {
	_, ok := c.inner.(transactor)
	return ok
}

func (c *SnapshotCache) ReadLatest(ctx context.Context, id string) (*models.Resource, error) {
	return c.inner.ReadLatest(ctx, id)
}

func (c *SnapshotCache) Search(ctx context.Context, q search.Query) (models.SearchPage, error) {
	return c.inner.Search(ctx, q)
}

func (c *SnapshotCache) get(ctx context.Context, key string) (*models.Resource, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.recordSuccess(ctx)
			return nil, false
		}
		c.recordFailure(ctx, "snapshot cache read failed", key, err)
		return nil, false
	}
	c.recordSuccess(ctx)
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.WarnContext(ctx, "discarding undecodable snapshot", "key", key, "error", err)
		return nil, false
	}
	return &models.Resource{
		Type:        c.resourceType,
		ID:          snap.ID,
		Version:     snap.Version,
		LastUpdated: snap.LastUpdated.UTC(),
		Deleted:     snap.Deleted,
		Body:        snap.Body,
	}, true
}

// put skips writes made inside a transaction; they may still roll back.
func (c *SnapshotCache) put(ctx context.Context, r *models.Resource) {
	if c.breaker.IsOpen() {
		return
	}
	if _, inTx := txcontext.From(ctx); inTx {
		return
	}
	raw, err := encode(r)
	if err != nil {
		c.logger.WarnContext(ctx, "snapshot encode failed", "id", r.ID, "error", err)
		return
	}
	key := c.key(r.ID, r.Version)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.recordFailure(ctx, "snapshot cache write failed", key, err)
	}
}

func (c *SnapshotCache) recordFailure(ctx context.Context, msg, key string, err error) {
	_, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.ErrorContext(ctx, "snapshot cache degraded, skipping writes",
			"breaker", c.breaker.Name(),
			"error", err,
		)
		return
	}
	c.logger.WarnContext(ctx, msg, "key", key, "error", err)
}

func (c *SnapshotCache) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "snapshot cache recovered", "breaker", c.breaker.Name())
	}
}

func encode(r *models.Resource) ([]byte, error) {
	raw, err := json.Marshal(snapshot{
		ID:          r.ID,
		Version:     r.Version,
		LastUpdated: r.LastUpdated,
		Deleted:     r.Deleted,
		Body:        r.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}
