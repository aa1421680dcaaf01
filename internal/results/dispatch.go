package results

import "encoding/json"

// UpdateHandler consumes the deltas of one stream for one batch. It is
// called exactly once per batch, with an empty slice when the stream had no
// updates.
type UpdateHandler interface {
	UpdateReceived(deltas []json.RawMessage, timestamp, latency int64)
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(deltas []json.RawMessage, timestamp, latency int64)

// UpdateReceived calls f.
func (f UpdateHandlerFunc) UpdateReceived(deltas []json.RawMessage, timestamp, latency int64) {
	f(deltas, timestamp, latency)
}

func (c *Client) dispatch(h UpdateHandler, deltas []json.RawMessage, meta BatchMetadata) {
	if h == nil {
		return
	}
	if deltas == nil {
		deltas = []json.RawMessage{}
	}
	h.UpdateReceived(deltas, meta.Timestamp, meta.Latency)
}
