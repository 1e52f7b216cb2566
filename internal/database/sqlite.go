package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"passfiles/internal/database/migrations"
	"passfiles/internal/pf"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SyncRun is one recorded sync pass.
type SyncRun struct {
	ID         int64
	RecordType string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Downloaded int
	Uploaded   int
	NeedsMerge int
	Failed     int
	Offline    bool
}

// SQLiteStore is the small local database next to the record store. It
// backs the persistent id counter and keeps a history of sync passes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path and migrates it to the latest
// schema. path can be a file path or ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// NextValue increments and returns the named sequence. The first value of a
// new sequence is 1.
func (s *SQLiteStore) NextValue(ctx context.Context, sequence string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, sequence).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", sequence, err)
	}
	return value, nil
}

// StartSyncRun records the start of a sync pass and returns its id.
func (s *SQLiteStore) StartSyncRun(ctx context.Context, recordType string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_runs (record_type, started_at) VALUES (?, ?)",
		recordType, startedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("creating sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading sync run id: %w", err)
	}
	return id, nil
}

// FinishSyncRun stores the outcome of a sync pass.
func (s *SQLiteStore) FinishSyncRun(ctx context.Context, id int64, finishedAt time.Time, status string, res *pf.SyncResult) error {
	if res == nil {
		res = &pf.SyncResult{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, status = ?, downloaded = ?, uploaded = ?,
		    needs_merge = ?, failed = ?, offline = ?
		WHERE id = ?`,
		finishedAt.UTC(), status,
		len(res.Downloaded), len(res.Uploaded)+len(res.DeletedRemote),
		len(res.NeedsMerge), len(res.Failed), res.Offline, id)
	if err != nil {
		return fmt.Errorf("finishing sync run %d: %w", id, err)
	}
	return nil
}

// ListSyncRuns returns the most recent sync passes, newest first.
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]*SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_type, started_at, finished_at, status,
		       downloaded, uploaded, needs_merge, failed, offline
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		r := &SyncRun{}
		if err := rows.Scan(&r.ID, &r.RecordType, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.Downloaded, &r.Uploaded, &r.NeedsMerge, &r.Failed, &r.Offline); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	return runs, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.Check(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteStore implements pf.Counter interface
var _ pf.Counter = (*SQLiteStore)(nil)
