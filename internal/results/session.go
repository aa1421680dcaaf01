package results

import (
	"encoding/json"
	"fmt"

	"liveresults/internal/transport"
)

func (c *Client) handleConnectAck(ok bool) {
	switch {
	case c.state == Disconnected && ok:
		c.state = Connected
		if !c.subscribed {
			if err := c.subscribe(); err != nil {
				c.log.Error("setting up subscriptions", "error", err)
			} else {
				c.subscribed = true
			}
		}
		c.log.Info("connected")
		c.OnConnected.Fire(struct{}{})
	case c.state == Connected && !ok:
		c.state = Disconnected
		c.log.Warn("disconnected")
		c.OnDisconnected.Fire(struct{}{})
	}
}

func (c *Client) subscribe() error {
	subs := []struct {
		pattern string
		h       func(transport.Message)
	}{
		{ChannelStatus, c.handleStatus},
		{ChannelViews, c.handleViewList},
		{ChannelInitialize, c.handleViewInitialized},
		{ChannelPortfolioUpdates, c.deltaHandler(StreamPortfolio)},
		{ChannelPrimitivesUpdates, c.deltaHandler(StreamPrimitives)},
		{ChannelPortfolioColumns, c.columnsHandler(StreamPortfolio)},
		{ChannelPrimitivesColumns, c.columnsHandler(StreamPrimitives)},
		{ChannelUpdatesControl, c.handleControl},
	}

	return c.tr.Batch(func() error {
		for _, s := range subs {
			if err := c.tr.Subscribe(s.pattern, c.post(s.h)); err != nil {
				return fmt.Errorf("subscribing to %s: %w", s.pattern, err)
			}
		}
		return nil
	})
}

func (c *Client) changeView(name string) {
	c.log.Info("sending initialize request", "view", name)
	c.lastStatus = nil
	c.lastBatch = nil
	c.changingView = true
	c.isRunning = false
	c.view = name
	c.viewGen++
	c.OnViewChanging.Fire(name)
	c.publish(ServiceInitialize, initializeRequest{ViewName: name})
}

func (c *Client) handleViewInitialized(m transport.Message) {
	c.changingView = false

	gs, err := parseGridStructure(m.Data)
	if err != nil {
		c.log.Warn("ignoring malformed view initialization", "error", err)
		return
	}
	c.grids = gs
	c.log.Info("view initialized", "view", c.view,
		"portfolio", gs.Portfolio != nil, "primitives", gs.Primitives != nil)
	c.OnViewInitialized.Fire(gs)
}

func (c *Client) handleStatus(m transport.Message) {
	if c.changingView {
		// Belongs to the view being replaced.
		c.stats.StaleStatuses++
		c.log.Debug("dropping status received while changing view")
		return
	}

	var st Status
	if err := m.Decode(&st); err != nil {
		c.log.Warn("ignoring malformed status", "error", err)
		return
	}
	st.Raw = append(json.RawMessage(nil), m.Data...)
	c.lastStatus = &st
	c.OnStatusUpdateReceived.Fire(st)

	if st.IsRunning != c.isRunning {
		c.isRunning = st.IsRunning
		c.log.Info("run state changed", "running", st.IsRunning)
		if st.IsRunning {
			c.requestUpdate(true)
		}
	}
}

func (c *Client) handleViewList(m transport.Message) {
	var p viewListPayload
	if err := m.Decode(&p); err != nil {
		c.log.Warn("ignoring malformed view list", "error", err)
		return
	}
	c.views = p.AvailableViewNames
	c.OnViewListReceived.Fire(p.AvailableViewNames)
}

func (c *Client) columnsHandler(s Stream) func(transport.Message) {
	return func(m transport.Message) {
		diff, err := parseColumns(m.Data)
		if err != nil {
			c.log.Warn("ignoring malformed column update", "stream", s, "error", err)
			return
		}
		if c.grids == nil {
			c.grids = &GridStructure{}
		}
		g := c.grids.Grid(s)
		if g == nil {
			c.log.Warn("column update before grid initialization", "stream", s)
			g = &Grid{Columns: map[string]*Column{}, Attrs: map[string]any{}}
			c.grids.setGrid(s, g)
		}
		g.MergeColumns(diff)
	}
}
