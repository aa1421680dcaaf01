package results

import (
	"encoding/json"

	"liveresults/internal/transport"
)

// batch collects the deltas of one server push cycle.
type batch struct {
	meta       BatchMetadata
	viewGen    uint64
	portfolio  []json.RawMessage
	primitives []json.RawMessage
}

func (b *batch) append(s Stream, d json.RawMessage) {
	if s == StreamPortfolio {
		b.portfolio = append(b.portfolio, d)
	} else {
		b.primitives = append(b.primitives, d)
	}
}

func (c *Client) deltaHandler(s Stream) func(transport.Message) {
	return func(m transport.Message) { c.appendDelta(s, m.Data) }
}

func (c *Client) handleControl(m transport.Message) {
	var meta BatchMetadata
	if err := m.Decode(&meta); err != nil {
		c.log.Warn("ignoring malformed batch metadata", "channel", m.Channel, "error", err)
	}

	switch m.Channel {
	case ControlStart:
		c.beginBatch(meta)
	case ControlEnd:
		c.endBatch(meta)
	default:
		c.log.Warn("unknown updates control message", "channel", m.Channel)
	}
}

func (c *Client) beginBatch(meta BatchMetadata) {
	if c.batch != nil {
		c.anomaly(AnomalyStartWhileOpen, "already in batch when received start message",
			"discarded_portfolio", len(c.batch.portfolio),
			"discarded_primitives", len(c.batch.primitives))
	}

	b := &batch{meta: meta, viewGen: c.viewGen}
	if c.orphans != nil {
		b.portfolio = c.orphans.portfolio
		b.primitives = c.orphans.primitives
		c.orphans = nil
	}
	c.batch = b
}

func (c *Client) appendDelta(s Stream, d json.RawMessage) {
	if c.batch == nil {
		c.anomaly(AnomalyDeltaOutsideBatch, "update received when not in batch", "stream", s)
		if c.orphans == nil {
			c.orphans = &batch{viewGen: c.viewGen}
		}
		c.orphans.append(s, d)
		return
	}
	c.batch.append(s, d)
}

func (c *Client) endBatch(endMeta BatchMetadata) {
	b := c.batch
	if b == nil {
		c.anomaly(AnomalyEndWithoutStart, "batch flag already cleared before end message")
		b = c.orphans
		if b == nil {
			b = &batch{viewGen: c.viewGen}
		}
	}
	c.batch = nil
	c.orphans = nil
	if b.meta.isZero() {
		b.meta = endMeta
	}

	if c.discardStale && b.viewGen != c.viewGen {
		c.stats.StaleBatches++
		c.log.Info("discarding batch opened under previous view",
			"portfolio", len(b.portfolio), "primitives", len(b.primitives))
	} else {
		c.dispatch(c.primitivesHandler, b.primitives, b.meta)
		c.dispatch(c.portfolioHandler, b.portfolio, b.meta)
		c.stats.BatchesFlushed++
		meta := b.meta
		c.lastBatch = &meta
		c.AfterUpdateReceived.Fire(b.meta)
	}

	queued := c.immediateQueued
	c.awaitingImmediate = false
	c.immediateQueued = false
	if c.isRunning {
		c.requestUpdate(queued)
	}
}
