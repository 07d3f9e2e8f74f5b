package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/pkg/platform/sentinel"
	txcontext "fhir-gateway/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store persists the version history of one resource type in the shared
// resources table. This store is pure I/O; compare-and-swap is enforced by
// conditional inserts and the (resource_type, id, version) primary key.
type Store struct {
	db           *sql.DB
	resourceType models.ResourceType
}

// New constructs a PostgreSQL-backed version store for t.
func New(db *sql.DB, t models.ResourceType) *Store {
	return &Store{db: db, resourceType: t}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn with a transaction in its context. Nested calls join the
// outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, r *models.Resource) (*models.Resource, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	body, err := encodeBody(models.StripIdentity(r.Body))
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO resources (resource_type, id, version, last_updated, deleted, body)
		VALUES ($1, $2, 1, now(), FALSE, $3::jsonb)
		RETURNING id, version, last_updated, deleted, body
	`
	created, err := s.scan(s.conn(ctx).QueryRowContext(ctx, query, s.resourceType, id, body))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, sentinel.ErrConflict
		}
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return created, nil
}

func (s *Store) ReadLatest(ctx context.Context, id string) (*models.Resource, error) {
	query := `
		SELECT id, version, last_updated, deleted, body
		FROM resources
		WHERE resource_type = $1 AND id = $2
		ORDER BY version DESC
		LIMIT 1
	`
	r, err := s.scan(s.conn(ctx).QueryRowContext(ctx, query, s.resourceType, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read latest resource: %w", err)
	}
	return r, nil
}

func (s *Store) ReadVersion(ctx context.Context, id string, version int64) (*models.Resource, error) {
	query := `
		SELECT id, version, last_updated, deleted, body
		FROM resources
		WHERE resource_type = $1 AND id = $2 AND version = $3
	`
	r, err := s.scan(s.conn(ctx).QueryRowContext(ctx, query, s.resourceType, id, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read resource version: %w", err)
	}
	return r, nil
}

// UpdateIfVersion inserts version expected+1 in a single statement that only
// selects a row while expected is the current, non-deleted version. A
// concurrent writer that passed the same check loses on the primary key.
func (s *Store) UpdateIfVersion(ctx context.Context, id string, expected int64, body map[string]any) (*models.Resource, error) {
	encoded, err := encodeBody(models.StripIdentity(body))
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO resources (resource_type, id, version, last_updated, deleted, body)
		SELECT resource_type, id, version + 1, GREATEST(now(), last_updated), FALSE, $4::jsonb
		FROM resources
		WHERE resource_type = $1 AND id = $2 AND version = $3 AND NOT deleted
			AND version = (SELECT max(version) FROM resources WHERE resource_type = $1 AND id = $2)
		RETURNING id, version, last_updated, deleted, body
	`
	updated, err := s.scan(s.conn(ctx).QueryRowContext(ctx, query, s.resourceType, id, expected, encoded))
	switch {
	case err == nil:
		return updated, nil
	case isUniqueViolation(err):
		return nil, sentinel.ErrVersionConflict
	case errors.Is(err, sql.ErrNoRows):
		return nil, s.explainMiss(ctx, id, expected, sentinel.ErrDeleted)
	default:
		return nil, fmt.Errorf("update resource: %w", err)
	}
}

// SoftDelete inserts a tombstone after the current, non-deleted version.
func (s *Store) SoftDelete(ctx context.Context, id string) (*models.Resource, error) {
	query := `
		INSERT INTO resources (resource_type, id, version, last_updated, deleted, body)
		SELECT resource_type, id, version + 1, GREATEST(now(), last_updated), TRUE, NULL
		FROM resources
		WHERE resource_type = $1 AND id = $2 AND NOT deleted
			AND version = (SELECT max(version) FROM resources WHERE resource_type = $1 AND id = $2)
		RETURNING id, version, last_updated, deleted, body
	`
	tombstone, err := s.scan(s.conn(ctx).QueryRowContext(ctx, query, s.resourceType, id))
	switch {
	case err == nil:
		return tombstone, nil
	case isUniqueViolation(err):
		return nil, sentinel.ErrVersionConflict
	case errors.Is(err, sql.ErrNoRows):
		return nil, s.explainMiss(ctx, id, 0, sentinel.ErrAlreadyDeleted)
	default:
		return nil, fmt.Errorf("delete resource: %w", err)
	}
}

// explainMiss turns a conditional insert that selected nothing into the
// matching sentinel. expected == 0 skips the version comparison.
func (s *Store) explainMiss(ctx context.Context, id string, expected int64, deletedErr error) error {
	latest, err := s.ReadLatest(ctx, id)
	if err != nil {
		return err
	}
	if expected != 0 && latest.Version != expected {
		return sentinel.ErrVersionConflict
	}
	if latest.Deleted {
		return deletedErr
	}
	// The row changed between the insert and this read.
	return sentinel.ErrVersionConflict
}

// Search evaluates q against the current version of every id.
func (s *Store) Search(ctx context.Context, q search.Query) (models.SearchPage, error) {
	args := search.NewArgs(s.resourceType)
	where := q.Where(args)
	current := `
		WITH current AS (
			SELECT DISTINCT ON (id) id, version, last_updated, deleted, body
			FROM resources
			WHERE resource_type = $1
			ORDER BY id, version DESC
		)
	`

	var page models.SearchPage
	countQuery := current + `SELECT count(*) FROM current WHERE NOT deleted AND (` + where + `)`
	if err := s.conn(ctx).QueryRowContext(ctx, countQuery, args.Values()...).Scan(&page.OverallCount); err != nil {
		return models.SearchPage{}, fmt.Errorf("count resources: %w", err)
	}
	if q.Count == 0 || page.OverallCount == 0 {
		return page, nil
	}

	pageQuery := current + `
		SELECT id, version, last_updated, deleted, body
		FROM current
		WHERE NOT deleted AND (` + where + `)
		ORDER BY last_updated, id
	`
	if q.Count > 0 {
		pageQuery += " LIMIT " + args.Add(q.Count) + " OFFSET " + args.Add(q.Offset())
	}
	rows, err := s.conn(ctx).QueryContext(ctx, pageQuery, args.Values()...)
	if err != nil {
		return models.SearchPage{}, fmt.Errorf("search resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return models.SearchPage{}, fmt.Errorf("scan resource: %w", err)
		}
		page.Resources = append(page.Resources, r)
	}
	if err := rows.Err(); err != nil {
		return models.SearchPage{}, fmt.Errorf("iterate resources: %w", err)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row rowScanner) (*models.Resource, error) {
	var (
		r    models.Resource
		body []byte
	)
	if err := row.Scan(&r.ID, &r.Version, &r.LastUpdated, &r.Deleted, &body); err != nil {
		return nil, err
	}
	r.Type = s.resourceType
	r.LastUpdated = r.LastUpdated.UTC()
	if body != nil {
		if err := json.Unmarshal(body, &r.Body); err != nil {
			return nil, fmt.Errorf("decode resource body: %w", err)
		}
	}
	return &r, nil
}

func encodeBody(body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode resource body: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
