package todo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-sync/backend/internal/contracts"
)

var (
	ErrRecordNotFound = errors.New("record not found")

	// ErrVersionChanged is the compare-and-swap failure from Put: the stored
	// version no longer matches the expected one. The coordinator re-resolves
	// the change as a fresh conflict instead of overwriting.
	ErrVersionChanged = errors.New("record version changed concurrently")
)

const createTodosTableSQL = `
CREATE TABLE IF NOT EXISTS todos (
  id text PRIMARY KEY,
  owner_id text NOT NULL,
  text text NOT NULL,
  completed boolean NOT NULL DEFAULT false,
  version bigint NOT NULL DEFAULT 1,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  deleted_at timestamptz,
  origin_client_id text NOT NULL DEFAULT ''
)`

const createTodosOwnerUpdatedIndexSQL = `
CREATE INDEX IF NOT EXISTS todos_owner_updated_idx
ON todos (owner_id, updated_at)`

const insertTodoSQL = `
INSERT INTO todos (id, owner_id, text, completed, version, created_at, updated_at, deleted_at, origin_client_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

const updateTodoSQL = `
UPDATE todos
SET text = $2,
    completed = $3,
    version = $4,
    updated_at = $5,
    deleted_at = $6,
    origin_client_id = $7
WHERE id = $1 AND version = $8`

const selectTodoSQL = `
SELECT id, owner_id, text, completed, version, created_at, updated_at, deleted_at, origin_client_id
FROM todos
WHERE id = $1`

// ListOptions narrows ListActive. Zero values mean "all, newest first,
// first page of 50".
type ListOptions struct {
	Filter  string // all | active | completed
	Search  string
	Sort    string // newest | oldest | alpha
	Page    int
	PerPage int
	Since   *time.Time
}

// PostgresStore is the durable Item Store. Put is the single write path and
// enforces optimistic concurrency: inserts must not find an existing row,
// updates must match the expected version exactly.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createTodosTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createTodosOwnerUpdatedIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (contracts.TodoRecord, error) {
	var rec contracts.TodoRecord
	err := s.Pool.QueryRow(ctx, selectTodoSQL, id).Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Text,
		&rec.Completed,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.DeletedAt,
		&rec.OriginClientID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.TodoRecord{}, ErrRecordNotFound
		}
		return contracts.TodoRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec contracts.TodoRecord, expectedVersion int64) error {
	if expectedVersion == 0 {
		res, err := s.Pool.Exec(ctx, insertTodoSQL,
			rec.ID, rec.OwnerID, rec.Text, rec.Completed, rec.Version,
			rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt, rec.OriginClientID,
		)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrVersionChanged
		}
		return nil
	}

	res, err := s.Pool.Exec(ctx, updateTodoSQL,
		rec.ID, rec.Text, rec.Completed, rec.Version,
		rec.UpdatedAt, rec.DeletedAt, rec.OriginClientID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrVersionChanged
	}
	return nil
}

// ListUpdatedSince returns every record (soft-deleted included) for the
// owner with updated_at strictly after the watermark, excluding ids just
// applied in the same sync. Ordered by updated_at then id for determinism.
func (s *PostgresStore) ListUpdatedSince(ctx context.Context, ownerID string, since time.Time, excludeIDs []string) ([]contracts.TodoRecord, error) {
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, owner_id, text, completed, version, created_at, updated_at, deleted_at, origin_client_id
		 FROM todos
		 WHERE owner_id = $1 AND updated_at > $2 AND NOT (id = ANY($3))
		 ORDER BY updated_at ASC, id ASC`,
		ownerID, since, excludeIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListActive is the normal listing surface: soft-deleted rows excluded.
func (s *PostgresStore) ListActive(ctx context.Context, ownerID string, opts ListOptions) ([]contracts.TodoRecord, error) {
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}

	query := `SELECT id, owner_id, text, completed, version, created_at, updated_at, deleted_at, origin_client_id
	 FROM todos
	 WHERE owner_id = $1 AND deleted_at IS NULL`
	args := []any{ownerID}

	switch opts.Filter {
	case "active":
		query += ` AND completed = false`
	case "completed":
		query += ` AND completed = true`
	}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		query += ` AND text ILIKE $` + strconv.Itoa(len(args))
	}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += ` AND updated_at > $` + strconv.Itoa(len(args))
	}

	switch opts.Sort {
	case "oldest":
		query += ` ORDER BY created_at ASC`
	case "alpha":
		query += ` ORDER BY text ASC`
	default:
		query += ` ORDER BY created_at DESC`
	}

	args = append(args, perPage, (page-1)*perPage)
	query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]contracts.TodoRecord, error) {
	result := make([]contracts.TodoRecord, 0)
	for rows.Next() {
		var rec contracts.TodoRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.OwnerID,
			&rec.Text,
			&rec.Completed,
			&rec.Version,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.DeletedAt,
			&rec.OriginClientID,
		); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
