// Package results implements the live results client: a long-lived pub/sub
// session that polls a results server for batched grid updates, groups the
// per-stream deltas of each batch, and hands them to consumer handlers.
//
// All client state is owned by a single event loop. Transport callbacks and
// public methods only post work to it, so no method blocks its caller.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liveresults/internal/event"
	"liveresults/internal/transport"
)

const stopTimeout = 5 * time.Second

// Client maintains a live results session over a Transport.
type Client struct {
	tr           transport.Transport
	log          *slog.Logger
	exec         Executor
	loop         *Loop // set when the client owns its executor
	discardStale bool

	OnConnected            event.Emitter[struct{}]
	OnDisconnected         event.Emitter[struct{}]
	OnViewListReceived     event.Emitter[[]string]
	OnViewInitialized      event.Emitter[*GridStructure]
	OnStatusUpdateReceived event.Emitter[Status]
	AfterUpdateReceived    event.Emitter[BatchMetadata]

	// OnViewChanging carries the view name each ChangeView requests.
	OnViewChanging event.Emitter[string]

	// BeforeUpdateRequested lets collaborators contribute viewports to an
	// update request before it is sent.
	BeforeUpdateRequested event.Emitter[*UpdateRequest]

	// Everything below is only touched on the event loop.
	state        ConnectionState
	subscribed   bool
	changingView bool
	isRunning    bool
	view         string
	viewGen      uint64
	views        []string
	grids        *GridStructure
	lastStatus   *Status
	lastBatch    *BatchMetadata

	batch   *batch
	orphans *batch

	awaitingImmediate bool
	immediateQueued   bool

	portfolioHandler  UpdateHandler
	primitivesHandler UpdateHandler

	stats Stats

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithExecutor runs the client's handlers on e instead of an owned Loop.
func WithExecutor(e Executor) Option {
	return func(c *Client) {
		c.exec = e
		c.loop = nil
	}
}

// WithDiscardStaleBatches drops batches that were opened under a view that
// has since been replaced, instead of flushing them to the handlers.
func WithDiscardStaleBatches(v bool) Option {
	return func(c *Client) { c.discardStale = v }
}

// WithPortfolioHandler sets the initial portfolio consumer.
func WithPortfolioHandler(h UpdateHandler) Option {
	return func(c *Client) { c.portfolioHandler = h }
}

// WithPrimitivesHandler sets the initial primitives consumer.
func WithPrimitivesHandler(h UpdateHandler) Option {
	return func(c *Client) { c.primitivesHandler = h }
}

// NewClient creates a client on tr. It does nothing until Start.
func NewClient(tr transport.Transport, log *slog.Logger, opts ...Option) *Client {
	loop := NewLoop()
	c := &Client{
		tr:   tr,
		log:  log,
		exec: loop,
		loop: loop,
		stats: Stats{
			Anomalies: make(map[Anomaly]int),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the event loop, registers for connection notifications and
// asks the transport to connect. It may be called again after a failed
// connect; only the connect step is repeated.
func (c *Client) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		if c.loop != nil {
			loopCtx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.loop.Run(loopCtx)
			}()
		}
		c.tr.OnConnectionStatus(func(ok bool) {
			c.exec.Post(func() { c.handleConnectAck(ok) })
		})
	})

	if err := c.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	return nil
}

// Stop disconnects the transport, lets the loop deliver the resulting
// notifications and stops it.
func (c *Client) Stop() error {
	err := c.tr.Disconnect()

	if c.cancel != nil {
		drained := make(chan struct{})
		c.exec.Post(func() { close(drained) })
		select {
		case <-drained:
		case <-time.After(stopTimeout):
			c.log.Warn("event loop did not drain before stop", "pending", c.loop.Pending())
		}
		c.cancel()
		c.wg.Wait()
	}

	if err != nil {
		return fmt.Errorf("disconnecting transport: %w", err)
	}
	return nil
}

// ChangeView asks the server to switch to the named view. Status messages
// for the old view are ignored until the new view is initialized.
func (c *Client) ChangeView(name string) {
	c.exec.Post(func() { c.changeView(name) })
}

// Pause asks the server to pause computation of the current view.
func (c *Client) Pause() {
	c.exec.Post(func() { c.publish(ServicePause, struct{}{}) })
}

// Resume asks the server to resume computation of the current view.
func (c *Client) Resume() {
	c.exec.Post(func() { c.publish(ServiceResume, struct{}{}) })
}

// RequestViews asks the server for the available view names. The answer
// arrives through OnViewListReceived.
func (c *Client) RequestViews() {
	c.exec.Post(func() { c.publish(ServiceViews, struct{}{}) })
}

// TriggerImmediateUpdate asks for the next batch as soon as it is ready.
// While an immediate request is outstanding the call is coalesced into a
// single follow-up request.
func (c *Client) TriggerImmediateUpdate() {
	c.exec.Post(func() { c.requestUpdate(true) })
}

// SetCellUpdateMode opts one cell in or out of detailed updates.
func (c *Client) SetCellUpdateMode(gridName string, rowID, colID int64, mode CellMode) {
	c.exec.Post(func() {
		c.publish(ServiceUpdateMode, cellModeRequest{
			GridName: gridName,
			RowID:    rowID,
			ColID:    colID,
			Mode:     mode,
		})
	})
}

// StartDetailedCellUpdates requests full detail for one cell.
func (c *Client) StartDetailedCellUpdates(gridName string, rowID, colID int64) {
	c.SetCellUpdateMode(gridName, rowID, colID, CellModeFull)
}

// StopDetailedCellUpdates returns one cell to summary updates.
func (c *Client) StopDetailedCellUpdates(gridName string, rowID, colID int64) {
	c.SetCellUpdateMode(gridName, rowID, colID, CellModeSummary)
}

// SetPortfolioHandler replaces the portfolio consumer. nil disables it.
func (c *Client) SetPortfolioHandler(h UpdateHandler) {
	c.exec.Post(func() { c.portfolioHandler = h })
}

// SetPrimitivesHandler replaces the primitives consumer. nil disables it.
func (c *Client) SetPrimitivesHandler(h UpdateHandler) {
	c.exec.Post(func() { c.primitivesHandler = h })
}

// post wraps a message handler so it runs on the event loop.
func (c *Client) post(h func(transport.Message)) transport.Handler {
	return func(m transport.Message) {
		c.exec.Post(func() { h(m) })
	}
}

func (c *Client) publish(channel string, payload any) {
	err := c.tr.Publish(channel, payload)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrNotConnected) {
		c.log.Debug("dropping publish while disconnected", "channel", channel)
		return
	}
	c.log.Error("publish failed", "channel", channel, "error", err)
}
