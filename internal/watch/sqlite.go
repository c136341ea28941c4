package watch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"jobwatch/internal/apperrors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS watches (
	id          TEXT PRIMARY KEY,
	request     TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	jobs        TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_watches_status ON watches (status, finished_at);
`

// SQLiteStore persists watches in a SQLite database so running watches
// survive a service restart.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open watch store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply watch store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, w *Watch) error {
	row, err := encodeWatch(w)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO watches (id, request, status, error, jobs, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, w.ID, row.request, string(w.Status), w.Error, row.jobs, row.createdAt, row.finishedAt)
	if err != nil {
		if isDuplicate(err) {
			return apperrors.Conflict("watch", w.ID, "watch already exists")
		}
		return apperrors.Internal("watch.create", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, w *Watch) error {
	row, err := encodeWatch(w)
	if err != nil {
		return err
	}

	query := `
		UPDATE watches
		SET request = ?, status = ?, error = ?, jobs = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, row.request, string(w.Status), w.Error, row.jobs, row.finishedAt, w.ID)
	if err != nil {
		return apperrors.Internal("watch.update", err)
	}
	return affected(result, w.ID, "watch.update")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Watch, error) {
	query := `
		SELECT id, request, status, error, jobs, created_at, finished_at
		FROM watches
		WHERE id = ?
	`
	w, err := scanWatch(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("watch", id)
	}
	if err != nil {
		return nil, apperrors.Internal("watch.get", err)
	}
	return w, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Watch, error) {
	query := `
		SELECT id, request, status, error, jobs, created_at, finished_at
		FROM watches
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Internal("watch.list", err)
	}
	defer rows.Close()

	watches := []*Watch{}
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, apperrors.Internal("watch.list", err)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("watch.list", err)
	}
	return watches, nil
}

func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM watches
		WHERE status != ? AND finished_at > 0 AND finished_at < ?
	`
	result, err := s.db.ExecContext(ctx, query, string(StatusRunning), cutoff.UnixNano())
	if err != nil {
		return 0, apperrors.Internal("watch.prune", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("watch.prune", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type watchRow struct {
	request    string
	jobs       string
	createdAt  int64
	finishedAt int64
}

func encodeWatch(w *Watch) (watchRow, error) {
	req, err := json.Marshal(w.Request)
	if err != nil {
		return watchRow{}, fmt.Errorf("failed to encode watch request: %w", err)
	}
	jobs, err := json.Marshal(w.Jobs)
	if err != nil {
		return watchRow{}, fmt.Errorf("failed to encode watch jobs: %w", err)
	}
	row := watchRow{request: string(req), jobs: string(jobs), createdAt: w.CreatedAt.UnixNano()}
	if !w.FinishedAt.IsZero() {
		row.finishedAt = w.FinishedAt.UnixNano()
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWatch(sc scanner) (*Watch, error) {
	var (
		w                     Watch
		status, req, jobs     string
		createdAt, finishedAt int64
	)
	if err := sc.Scan(&w.ID, &req, &status, &w.Error, &jobs, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &w.Request); err != nil {
		return nil, fmt.Errorf("failed to decode watch %s request: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(jobs), &w.Jobs); err != nil {
		return nil, fmt.Errorf("failed to decode watch %s jobs: %w", w.ID, err)
	}
	w.Status = Status(status)
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	if finishedAt > 0 {
		w.FinishedAt = time.Unix(0, finishedAt).UTC()
	}
	return &w, nil
}

func affected(result sql.Result, id, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if n == 0 {
		return apperrors.NotFound("watch", id)
	}
	return nil
}

func isDuplicate(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Verify SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
