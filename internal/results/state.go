package results

import (
	"context"
	"encoding/json"
	"maps"
)

// Anomaly names a protocol irregularity. Anomalies are logged and counted,
// never returned.
type Anomaly string

const (
	AnomalyStartWhileOpen    Anomaly = "start_while_open"
	AnomalyDeltaOutsideBatch Anomaly = "delta_outside_batch"
	AnomalyEndWithoutStart   Anomaly = "end_without_start"
)

// Stats counts client activity since creation.
type Stats struct {
	BatchesFlushed    int             `json:"batchesFlushed"`
	StaleBatches      int             `json:"staleBatches"`
	StaleStatuses     int             `json:"staleStatuses"`
	RequestsSent      int             `json:"requestsSent"`
	RequestsCoalesced int             `json:"requestsCoalesced"`
	Anomalies         map[Anomaly]int `json:"anomalies"`
}

// Snapshot is a consistent copy of the client state.
type Snapshot struct {
	State                   string          `json:"state"`
	View                    string          `json:"view"`
	ChangingView            bool            `json:"changingView"`
	Running                 bool            `json:"running"`
	InBatch                 bool            `json:"inBatch"`
	AwaitingImmediateUpdate bool            `json:"awaitingImmediateUpdate"`
	ImmediateUpdateQueued   bool            `json:"immediateUpdateQueued"`
	Views                   []string        `json:"views"`
	LastStatus              json.RawMessage `json:"lastStatus,omitempty"`
	LastBatch               *BatchMetadata  `json:"lastBatch,omitempty"`
	Grids                   *GridStructure  `json:"grids,omitempty"`
	Stats                   Stats           `json:"stats"`
}

// Snapshot reads the client state on the event loop.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	c.exec.Post(func() { ch <- c.snapshot() })

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Client) snapshot() Snapshot {
	s := Snapshot{
		State:                   c.state.String(),
		View:                    c.view,
		ChangingView:            c.changingView,
		Running:                 c.isRunning,
		InBatch:                 c.batch != nil,
		AwaitingImmediateUpdate: c.awaitingImmediate,
		ImmediateUpdateQueued:   c.immediateQueued,
		Views:                   append([]string(nil), c.views...),
		Grids:                   c.grids.Clone(),
		Stats:                   c.stats,
	}
	s.Stats.Anomalies = maps.Clone(c.stats.Anomalies)
	if c.lastStatus != nil {
		s.LastStatus = c.lastStatus.Raw
	}
	if c.lastBatch != nil {
		meta := *c.lastBatch
		s.LastBatch = &meta
	}
	return s
}

func (c *Client) anomaly(kind Anomaly, msg string, args ...any) {
	c.stats.Anomalies[kind]++
	c.log.Warn(msg, append([]any{"anomaly", string(kind)}, args...)...)
}
