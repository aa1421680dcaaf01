// Package store persists what the live results client receives: a SQLite
// journal of flushed batches and statuses, and a Parquet archive of deltas.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested batch or status does not exist.
var ErrNotFound = errors.New("store: not found")

// Stream names as stored.
const (
	StreamPortfolio  = "portfolio"
	StreamPrimitives = "primitives"
)

// BatchRecord is one flushed batch.
type BatchRecord struct {
	ID         int64
	View       string
	Timestamp  int64
	Latency    int64
	ReceivedAt time.Time
	Portfolio  []json.RawMessage
	Primitives []json.RawMessage
}

// Deltas returns the deltas of one stream.
func (b *BatchRecord) Deltas(stream string) []json.RawMessage {
	if stream == StreamPortfolio {
		return b.Portfolio
	}
	return b.Primitives
}

// BatchSummary describes a journaled batch without its deltas.
type BatchSummary struct {
	ID              int64     `json:"id"`
	View            string    `json:"view"`
	Timestamp       int64     `json:"timestamp"`
	Latency         int64     `json:"latency"`
	ReceivedAt      time.Time `json:"receivedAt"`
	PortfolioCount  int       `json:"portfolioCount"`
	PrimitivesCount int       `json:"primitivesCount"`
}

// StatusRecord is one status message as received.
type StatusRecord struct {
	View       string          `json:"view"`
	Running    bool            `json:"running"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// BatchJournal records batches and statuses.
type BatchJournal interface {
	// RecordBatch stores b and its deltas and sets b.ID.
	RecordBatch(ctx context.Context, b *BatchRecord) error

	// RecordStatus stores a status message.
	RecordStatus(ctx context.Context, s StatusRecord) error

	// ListBatches returns the most recent batches, newest first.
	ListBatches(ctx context.Context, limit int) ([]BatchSummary, error)

	// BatchDeltas returns one stream of a batch in arrival order.
	BatchDeltas(ctx context.Context, id int64, stream string) ([]json.RawMessage, error)

	// LatestStatus returns the last status recorded.
	LatestStatus(ctx context.Context) (StatusRecord, error)
}

// DeltaArchive keeps deltas in columnar files for offline analysis.
type DeltaArchive interface {
	// WriteDeltas appends records for a view and stream.
	WriteDeltas(ctx context.Context, view, stream string, records []DeltaRecord) error

	// ReadDeltas returns records received within [start, end].
	ReadDeltas(ctx context.Context, view, stream string, start, end time.Time) ([]DeltaRecord, error)

	// ListViews returns the views that have archived data.
	ListViews(ctx context.Context) ([]string, error)
}
