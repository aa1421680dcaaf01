package results

import (
	"encoding/json"
	"sort"
)

// Channels the client subscribes to.
const (
	ChannelStatus            = "/status"
	ChannelViews             = "/views"
	ChannelInitialize        = "/initialize"
	ChannelPortfolioUpdates  = "/updates/portfolio"
	ChannelPrimitivesUpdates = "/updates/primitives"
	ChannelPortfolioColumns  = "/gridStructure/portfolio/columns"
	ChannelPrimitivesColumns = "/gridStructure/primitives/columns"
	ChannelUpdatesControl    = "/updates/control/**"
)

// Batch boundary markers delivered under ChannelUpdatesControl.
const (
	ControlStart = "/updates/control/start"
	ControlEnd   = "/updates/control/end"
)

// Channels the client publishes on.
const (
	ServiceInitialize = "/service/initialize"
	ServicePause      = "/service/currentview/pause"
	ServiceResume     = "/service/currentview/resume"
	ServiceViews      = "/service/views"
	ServiceUpdates    = "/service/updates"
	ServiceUpdateMode = "/service/updates/mode"
)

// Stream identifies one of the two update streams.
type Stream string

const (
	StreamPortfolio  Stream = "portfolio"
	StreamPrimitives Stream = "primitives"
)

// ConnectionState is the client's view of the transport connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Status is a server run-state heartbeat. Raw holds the full payload so
// collaborators can read fields the client does not interpret.
type Status struct {
	IsRunning bool            `json:"isRunning"`
	Raw       json.RawMessage `json:"-"`
}

// BatchMetadata is shared by all deltas of one batch.
type BatchMetadata struct {
	Timestamp int64 `json:"timestamp"`
	Latency   int64 `json:"latency"`
}

func (m BatchMetadata) isZero() bool {
	return m.Timestamp == 0 && m.Latency == 0
}

type viewListPayload struct {
	AvailableViewNames []string `json:"availableViewNames"`
}

type initializeRequest struct {
	ViewName string `json:"viewName"`
}

// CellMode selects how much detail the server sends for one cell.
type CellMode string

const (
	CellModeFull    CellMode = "FULL"
	CellModeSummary CellMode = "SUMMARY"
)

type cellModeRequest struct {
	GridName string   `json:"gridName"`
	RowID    int64    `json:"rowId"`
	ColID    int64    `json:"colId"`
	Mode     CellMode `json:"mode"`
}

// Viewport narrows which part of a grid the next batch should carry. Several
// contributors may add to the same viewport before the request is sent: row
// ids are merged as a set, other fields are last-writer-wins.
type Viewport struct {
	rows   map[int64]struct{}
	fields map[string]any
}

// AddRows adds row ids to the viewport.
func (v *Viewport) AddRows(ids ...int64) {
	if v.rows == nil {
		v.rows = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		v.rows[id] = struct{}{}
	}
}

// Rows returns the row ids in ascending order.
func (v Viewport) Rows() []int64 {
	out := make([]int64, 0, len(v.rows))
	for id := range v.rows {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set stores an arbitrary viewport field.
func (v *Viewport) Set(key string, val any) {
	if v.fields == nil {
		v.fields = make(map[string]any)
	}
	v.fields[key] = val
}

// Empty reports whether nothing has been contributed.
func (v Viewport) Empty() bool {
	return len(v.rows) == 0 && len(v.fields) == 0
}

// MarshalJSON encodes the viewport as a flat object, "{}" when empty.
func (v Viewport) MarshalJSON() ([]byte, error) {
	if v.Empty() {
		return []byte("{}"), nil
	}
	out := make(map[string]any, len(v.fields)+1)
	for k, val := range v.fields {
		out[k] = val
	}
	if len(v.rows) > 0 {
		out["rowIds"] = v.Rows()
	}
	return json.Marshal(out)
}

// UpdateRequest is built for every update poll. It is handed by pointer to
// BeforeUpdateRequested subscribers before being published.
type UpdateRequest struct {
	PortfolioViewport Viewport `json:"portfolioViewport"`
	PrimitiveViewport Viewport `json:"primitiveViewport"`
	ImmediateResponse bool     `json:"immediateResponse"`
}

// Viewport returns the viewport for s.
func (r *UpdateRequest) Viewport(s Stream) *Viewport {
	if s == StreamPortfolio {
		return &r.PortfolioViewport
	}
	return &r.PrimitiveViewport
}
