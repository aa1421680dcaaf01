package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ BatchJournal = (*Journal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	view             TEXT    NOT NULL,
	timestamp        INTEGER NOT NULL,
	latency          INTEGER NOT NULL,
	received_at      INTEGER NOT NULL,
	portfolio_count  INTEGER NOT NULL,
	primitives_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deltas (
	batch_id INTEGER NOT NULL REFERENCES batches(id),
	stream   TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	payload  TEXT    NOT NULL,
	PRIMARY KEY (batch_id, stream, seq)
);
CREATE TABLE IF NOT EXISTS statuses (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	view        TEXT    NOT NULL,
	running     INTEGER NOT NULL,
	payload     TEXT,
	received_at INTEGER NOT NULL
);
`

// Journal is a BatchJournal backed by a SQLite database.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the SQLite database at path and makes sure
// the tables exist.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordBatch inserts the batch row and its deltas in one transaction.
func (j *Journal) RecordBatch(ctx context.Context, b *BatchRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (view, timestamp, latency, received_at, portfolio_count, primitives_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.View, b.Timestamp, b.Latency, b.ReceivedAt.UnixMilli(), len(b.Portfolio), len(b.Primitives))
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading batch id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deltas (batch_id, stream, seq, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing delta insert: %w", err)
	}
	defer stmt.Close()

	for _, stream := range []string{StreamPortfolio, StreamPrimitives} {
		for seq, d := range b.Deltas(stream) {
			if _, err := stmt.ExecContext(ctx, id, stream, seq, string(d)); err != nil {
				return fmt.Errorf("inserting %s delta %d: %w", stream, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	b.ID = id
	return nil
}

// RecordStatus inserts a status row.
func (j *Journal) RecordStatus(ctx context.Context, s StatusRecord) error {
	var payload sql.NullString
	if len(s.Raw) > 0 {
		payload = sql.NullString{String: string(s.Raw), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO statuses (view, running, payload, received_at) VALUES (?, ?, ?, ?)`,
		s.View, s.Running, payload, s.ReceivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting status: %w", err)
	}
	return nil
}

// ListBatches returns up to limit batches, newest first.
func (j *Journal) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, view, timestamp, latency, received_at, portfolio_count, primitives_count
		 FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var s BatchSummary
		var received int64
		if err := rows.Scan(&s.ID, &s.View, &s.Timestamp, &s.Latency, &received,
			&s.PortfolioCount, &s.PrimitivesCount); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		s.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// BatchDeltas returns the deltas of one stream of batch id.
func (j *Journal) BatchDeltas(ctx context.Context, id int64, stream string) ([]json.RawMessage, error) {
	var exists int
	err := j.db.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up batch %d: %w", id, err)
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT payload FROM deltas WHERE batch_id = ? AND stream = ? ORDER BY seq`, id, stream)
	if err != nil {
		return nil, fmt.Errorf("reading deltas of batch %d: %w", id, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning delta: %w", err)
		}
		out = append(out, json.RawMessage(p))
	}
	return out, rows.Err()
}

// LatestStatus returns the most recent status row.
func (j *Journal) LatestStatus(ctx context.Context) (StatusRecord, error) {
	var s StatusRecord
	var payload sql.NullString
	var received int64
	err := j.db.QueryRowContext(ctx,
		`SELECT view, running, payload, received_at FROM statuses ORDER BY id DESC LIMIT 1`).
		Scan(&s.View, &s.Running, &payload, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, ErrNotFound
	}
	if err != nil {
		return StatusRecord{}, fmt.Errorf("reading latest status: %w", err)
	}
	if payload.Valid {
		s.Raw = json.RawMessage(payload.String)
	}
	s.ReceivedAt = time.UnixMilli(received).UTC()
	return s, nil
}
