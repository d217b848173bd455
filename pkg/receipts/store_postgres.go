package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the journal in Postgres for production posture.
// Same journal shape as the SQLite store: canonical receipt JSON plus
// self_hash, keyed by sequence.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects and migrates.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		sequence BIGINT PRIMARY KEY,
		job_id TEXT NOT NULL,
		self_hash TEXT NOT NULL,
		record JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_job ON receipts(job_id, sequence);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Persist inserts the receipt.
func (s *PostgresStore) Persist(ctx context.Context, r *Receipt) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipt marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (sequence, job_id, self_hash, record) VALUES ($1, $2, $3, $4)`,
		r.Sequence, r.JobID, r.SelfHash, string(record))
	if err != nil {
		return fmt.Errorf("receipt insert failed: %w", err)
	}
	return nil
}

// ReadRange returns receipts with sequence >= fromSeq, ascending.
func (s *PostgresStore) ReadRange(ctx context.Context, fromSeq uint64, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM receipts WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`,
		fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// ReadByJob returns receipts attributed to jobID, ascending.
func (s *PostgresStore) ReadByJob(ctx context.Context, jobID string, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM receipts WHERE job_id = $1 ORDER BY sequence ASC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// Tail returns the highest-sequence receipt, or nil.
func (s *PostgresStore) Tail(ctx context.Context) (*Receipt, error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
