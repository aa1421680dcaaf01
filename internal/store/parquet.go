package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

var _ DeltaArchive = (*Archive)(nil)

// DeltaRecord is the Parquet schema for one archived delta.
type DeltaRecord struct {
	BatchID    int64  `parquet:"batch_id" json:"batchId"`
	Seq        int32  `parquet:"seq" json:"seq"`
	Timestamp  int64  `parquet:"timestamp" json:"timestamp"`
	Latency    int64  `parquet:"latency" json:"latency"`
	ReceivedAt int64  `parquet:"received_at,timestamp(millisecond)" json:"receivedAt"` // Unix ms
	Payload    string `parquet:"payload" json:"payload"`
}

// Archive is a DeltaArchive writing one Parquet file per view, stream and
// day:
//
//	<DataDir>/<view>/<stream>/<YYYY-MM-DD>.parquet
type Archive struct {
	DataDir string
}

// NewArchive creates an archive rooted at dataDir.
func NewArchive(dataDir string) *Archive {
	return &Archive{DataDir: dataDir}
}

// WriteDeltas merges records into the day files their ReceivedAt falls in.
// Records already archived under the same (batch, seq) are replaced.
func (a *Archive) WriteDeltas(_ context.Context, view, stream string, records []DeltaRecord) error {
	if len(records) == 0 {
		return nil
	}

	groups := make(map[string][]DeltaRecord)
	for _, r := range records {
		day := time.UnixMilli(r.ReceivedAt).UTC().Format("2006-01-02")
		groups[day] = append(groups[day], r)
	}

	for day, recs := range groups {
		t, _ := time.Parse("2006-01-02", day)
		path := a.deltaPath(view, stream, t)

		existing, _ := readParquetFile[DeltaRecord](path)
		if err := writeParquetFile(path, mergeDeltaRecords(existing, recs)); err != nil {
			return fmt.Errorf("writing %s deltas for %s/%s: %w", stream, view, day, err)
		}
	}
	return nil
}

// ReadDeltas reads the day files covering [start, end] and returns the
// records received in that range.
func (a *Archive) ReadDeltas(_ context.Context, view, stream string, start, end time.Time) ([]DeltaRecord, error) {
	var out []DeltaRecord
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	first := start.UTC().Truncate(24 * time.Hour)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[DeltaRecord](a.deltaPath(view, stream, d))
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			if r.ReceivedAt >= startMs && r.ReceivedAt <= endMs {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// ListViews lists the view directories under DataDir.
func (a *Archive) ListViews(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var views []string
	for _, e := range entries {
		if e.IsDir() {
			views = append(views, e.Name())
		}
	}
	sort.Strings(views)
	return views, nil
}

// deltaPath returns the file for a view, stream and day.
func (a *Archive) deltaPath(view, stream string, t time.Time) string {
	return filepath.Join(a.DataDir, viewDir(view), stream, t.Format("2006-01-02")+".parquet")
}

// viewDir makes a view name safe to use as a single path element.
func viewDir(view string) string {
	if view == "" {
		return "_default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, view)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeDeltaRecords deduplicates by (batch, seq), preferring incoming
// records. Results are ordered by batch then sequence.
func mergeDeltaRecords(existing, incoming []DeltaRecord) []DeltaRecord {
	type key struct {
		batch int64
		seq   int32
	}
	seen := make(map[key]DeltaRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.BatchID, r.Seq}] = r
	}
	for _, r := range incoming {
		seen[key{r.BatchID, r.Seq}] = r
	}

	merged := make([]DeltaRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BatchID != merged[j].BatchID {
			return merged[i].BatchID < merged[j].BatchID
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
