package results

// requestUpdate polls the server for the next batch.
//
// At most one immediate request is outstanding: further requests made while
// waiting for it are coalesced into one follow-up, sent as immediate when the
// pending batch ends. This keeps the server from recomputing faster than the
// client consumes.
func (c *Client) requestUpdate(immediate bool) {
	if c.awaitingImmediate {
		c.immediateQueued = true
		c.stats.RequestsCoalesced++
		return
	}
	if immediate {
		c.awaitingImmediate = true
	}

	req := &UpdateRequest{}
	c.BeforeUpdateRequested.Fire(req)
	req.ImmediateResponse = immediate

	c.stats.RequestsSent++
	c.publish(ServiceUpdates, req)
}
