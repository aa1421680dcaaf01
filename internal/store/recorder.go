package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"liveresults/internal/results"
)

const writeTimeout = 10 * time.Second

// Recorder journals and archives everything a results client delivers.
// Its handlers run on the client's event loop and never block: records are
// handed to a writer goroutine and dropped when its queue is full.
type Recorder struct {
	journal BatchJournal
	archive DeltaArchive // optional
	log     *slog.Logger
	in      chan job
	now     func() time.Time

	// Touched only on the client's event loop.
	view    string
	pending *BatchRecord

	written atomic.Int64
	dropped atomic.Int64
}

type job struct {
	batch  *BatchRecord
	status *StatusRecord
}

// NewRecorder creates a recorder with a queue of size records. archive may
// be nil.
func NewRecorder(journal BatchJournal, archive DeltaArchive, size int, log *slog.Logger) *Recorder {
	return &Recorder{
		journal: journal,
		archive: archive,
		log:     log,
		in:      make(chan job, size),
		now:     time.Now,
	}
}

// Attach installs the recorder as c's stream handlers and subscribes it to
// the notifications it records.
func (r *Recorder) Attach(c *results.Client) {
	c.SetPortfolioHandler(r.handler(StreamPortfolio))
	c.SetPrimitivesHandler(r.handler(StreamPrimitives))
	c.AfterUpdateReceived.Subscribe(r.batchDone)
	c.OnStatusUpdateReceived.Subscribe(r.statusReceived)
	c.OnViewChanging.Subscribe(func(view string) { r.view = view })
}

func (r *Recorder) handler(stream string) results.UpdateHandler {
	return results.UpdateHandlerFunc(func(deltas []json.RawMessage, timestamp, latency int64) {
		if r.pending == nil {
			r.pending = &BatchRecord{Timestamp: timestamp, Latency: latency}
		}
		if stream == StreamPortfolio {
			r.pending.Portfolio = deltas
		} else {
			r.pending.Primitives = deltas
		}
	})
}

func (r *Recorder) batchDone(meta results.BatchMetadata) {
	b := r.pending
	r.pending = nil
	if b == nil {
		b = &BatchRecord{}
	}
	b.View = r.view
	b.Timestamp = meta.Timestamp
	b.Latency = meta.Latency
	b.ReceivedAt = r.now()
	r.tryEnqueue(job{batch: b})
}

func (r *Recorder) statusReceived(st results.Status) {
	r.tryEnqueue(job{status: &StatusRecord{
		View:       r.view,
		Running:    st.IsRunning,
		Raw:        st.Raw,
		ReceivedAt: r.now(),
	}})
}

func (r *Recorder) tryEnqueue(j job) bool {
	select {
	case r.in <- j:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Written returns the number of records stored so far.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Dropped returns the number of records lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued records until ctx is cancelled, then writes whatever is
// still queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case j := <-r.in:
			r.write(j)
		case <-ctx.Done():
			for {
				select {
				case j := <-r.in:
					r.write(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if j.status != nil {
		if err := r.journal.RecordStatus(ctx, *j.status); err != nil {
			r.log.Error("recording status", "error", err)
			return
		}
		r.written.Add(1)
		return
	}

	b := j.batch
	if err := r.journal.RecordBatch(ctx, b); err != nil {
		r.log.Error("recording batch", "timestamp", b.Timestamp, "error", err)
		return
	}
	r.written.Add(1)

	if r.archive == nil {
		return
	}
	for _, stream := range []string{StreamPortfolio, StreamPrimitives} {
		deltas := b.Deltas(stream)
		if len(deltas) == 0 {
			continue
		}
		records := make([]DeltaRecord, len(deltas))
		for i, d := range deltas {
			records[i] = DeltaRecord{
				BatchID:    b.ID,
				Seq:        int32(i),
				Timestamp:  b.Timestamp,
				Latency:    b.Latency,
				ReceivedAt: b.ReceivedAt.UnixMilli(),
				Payload:    string(d),
			}
		}
		if err := r.archive.WriteDeltas(ctx, b.View, stream, records); err != nil {
			r.log.Error("archiving deltas", "batch", b.ID, "stream", stream, "error", err)
		}
	}
}
