package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLStore is the database-backed Store shared by the SQLite and MySQL
// constructors. The schema mirrors the file layout: one append-only table,
// checkpoint ids monotonic per job. Writes run in a transaction so a failed
// write is never visible.
type SQLStore[S any] struct {
	db *sql.DB
	// mu serializes writes. SQLite supports a single writer and MySQL
	// benefits from not interleaving the id-allocation read with the insert.
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id           TEXT NOT NULL,
	id               INTEGER NOT NULL,
	step_id          TEXT NOT NULL,
	workflow_version TEXT NOT NULL DEFAULT '',
	resumable        INTEGER NOT NULL DEFAULT 1,
	size             INTEGER NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	schema_version   INTEGER NOT NULL,
	snapshot         BLOB NOT NULL,
	PRIMARY KEY (job_id, id)
)`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id           VARCHAR(64) NOT NULL,
	id               INT NOT NULL,
	step_id          VARCHAR(255) NOT NULL,
	workflow_version VARCHAR(64) NOT NULL DEFAULT '',
	resumable        TINYINT(1) NOT NULL DEFAULT 1,
	size             BIGINT NOT NULL,
	created_at       TIMESTAMP(6) NOT NULL,
	schema_version   INT NOT NULL,
	snapshot         LONGBLOB NOT NULL,
	PRIMARY KEY (job_id, id)
)`

// NewSQLiteStore opens (or creates) a single-file SQLite database. WAL mode
// keeps readers unblocked by the writer.
func NewSQLiteStore[S any](path string) (*SQLStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &SQLStore[S]{db: db}, nil
}

// NewMySQLStore connects with a go-sql-driver DSN. The DSN must include
// parseTime=true so created_at scans into time.Time.
func NewMySQLStore[S any](dsn string) (*SQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &SQLStore[S]{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore[S]) Close() error { return s.db.Close() }

// Write implements Store.
func (s *SQLStore[S]) Write(ctx context.Context, snap Snapshot[S]) (Meta, error) {
	data, err := json.Marshal(snap.State)
	if err != nil {
		return Meta{}, fmt.Errorf("serialize snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("begin checkpoint write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) + 1 FROM checkpoints WHERE job_id = ?", snap.JobID).Scan(&id)
	if err != nil {
		return Meta{}, fmt.Errorf("allocate checkpoint id: %w", err)
	}

	meta := Meta{
		ID:              id,
		JobID:           snap.JobID,
		StepID:          snap.StepID,
		WorkflowVersion: snap.WorkflowVersion,
		Resumable:       snap.Resumable,
		Size:            int64(len(data)),
		CreatedAt:       nowFunc(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (job_id, id, step_id, workflow_version, resumable, size, created_at, schema_version, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.JobID, meta.ID, meta.StepID, meta.WorkflowVersion, meta.Resumable,
		meta.Size, meta.CreatedAt, SchemaVersion, data)
	if err != nil {
		return Meta{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Meta{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	return meta, nil
}

// List implements Store.
func (s *SQLStore[S]) List(ctx context.Context, jobID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_id, workflow_version, resumable, size, created_at
		 FROM checkpoints WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m := Meta{JobID: jobID}
		if err := rows.Scan(&m.ID, &m.StepID, &m.WorkflowVersion, &m.Resumable, &m.Size, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLStore[S]) Get(ctx context.Context, jobID string, id int) (Record[S], error) {
	var rec Record[S]
	var data []byte
	var schemaVersion int
	rec.JobID = jobID
	err := s.db.QueryRowContext(ctx,
		`SELECT id, step_id, workflow_version, resumable, size, created_at, schema_version, snapshot
		 FROM checkpoints WHERE job_id = ? AND id = ?`, jobID, id).
		Scan(&rec.ID, &rec.StepID, &rec.WorkflowVersion, &rec.Resumable, &rec.Size,
			&rec.CreatedAt, &schemaVersion, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s/%d", ErrNotFound, jobID, id)
	}
	if err != nil {
		return rec, fmt.Errorf("load checkpoint: %w", err)
	}
	if schemaVersion != SchemaVersion {
		return rec, fmt.Errorf("decode snapshot %s/%d: unsupported schema version %d", jobID, id, schemaVersion)
	}
	if err := json.Unmarshal(data, &rec.State); err != nil {
		return rec, fmt.Errorf("decode snapshot: %w", err)
	}
	return rec, nil
}

// Restore implements Store.
func (s *SQLStore[S]) Restore(ctx context.Context, jobID string, id int) (S, error) {
	rec, err := s.Get(ctx, jobID, id)
	return rec.State, err
}

// Latest implements Store.
func (s *SQLStore[S]) Latest(ctx context.Context, jobID string) (Record[S], error) {
	var id int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM checkpoints WHERE job_id = ? AND resumable = 1", jobID).Scan(&id)
	if err != nil {
		return Record[S]{}, fmt.Errorf("find latest checkpoint: %w", err)
	}
	if id == 0 {
		return Record[S]{}, fmt.Errorf("%w: no resumable checkpoint for %s", ErrNotFound, jobID)
	}
	return s.Get(ctx, jobID, id)
}

// Delete implements Store.
func (s *SQLStore[S]) Delete(ctx context.Context, jobID string, id int) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE job_id = ? AND id = ?", jobID, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, jobID, id)
	}
	return nil
}

// Cleanup implements Store.
func (s *SQLStore[S]) Cleanup(ctx context.Context, jobID string, keepLast int) (int, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	metas, err := s.List(ctx, jobID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(metas)-keepLast; i++ {
		if err := s.Delete(ctx, jobID, metas[i].ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
