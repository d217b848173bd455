package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the journal in an embedded SQLite database. Each row
// is the receipt's JSON plus its self_hash, keyed by sequence.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) a journal at dsn. Use ":memory:" for
// an ephemeral journal in tests.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	// The chain serializes writers; a single connection keeps the embedded
	// driver's locking out of the picture.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		sequence INTEGER PRIMARY KEY,
		job_id TEXT NOT NULL,
		self_hash TEXT NOT NULL,
		record JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_job ON receipts(job_id, sequence);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Persist inserts the receipt. The primary key rejects a duplicate
// sequence, which would indicate a serialization bug upstream.
func (s *SQLiteStore) Persist(ctx context.Context, r *Receipt) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipt marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (sequence, job_id, self_hash, record) VALUES (?, ?, ?, ?)`,
		r.Sequence, r.JobID, r.SelfHash, string(record))
	if err != nil {
		return fmt.Errorf("receipt insert failed: %w", err)
	}
	return nil
}

// ReadRange returns receipts with sequence >= fromSeq, ascending.
func (s *SQLiteStore) ReadRange(ctx context.Context, fromSeq uint64, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM receipts WHERE sequence >= ? ORDER BY sequence ASC LIMIT ?`,
		fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// ReadByJob returns receipts attributed to jobID, ascending.
func (s *SQLiteStore) ReadByJob(ctx context.Context, jobID string, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM receipts WHERE job_id = ? ORDER BY sequence ASC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// Tail returns the highest-sequence receipt, or nil.
func (s *SQLiteStore) Tail(ctx context.Context) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM receipts ORDER BY sequence DESC LIMIT 1`)
	var record string
	if err := row.Scan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal([]byte(record), &r); err != nil {
		return nil, fmt.Errorf("receipt decode failed: %w", err)
	}
	return &r, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func collectRows(rows *sql.Rows) ([]Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []Receipt
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var r Receipt
		if err := json.Unmarshal([]byte(record), &r); err != nil {
			return nil, fmt.Errorf("receipt decode failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
