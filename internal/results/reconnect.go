package results

import (
	"context"
	"fmt"
	"time"

	"liveresults/internal/util"
)

// Run starts the client and keeps it connected until ctx is done. Every
// connect, the first one included, makes up to attempts tries with
// exponential backoff starting at baseDelay; when they all fail Run returns
// the last error. Run returns nil once ctx is done. Callers still call Stop.
func (c *Client) Run(ctx context.Context, attempts int, baseDelay time.Duration) error {
	dropped := make(chan struct{}, 1)
	unsubscribe := c.OnDisconnected.Subscribe(func(struct{}) {
		select {
		case dropped <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := c.retryConnect(ctx, attempts, baseDelay, c.Start); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dropped:
		}
		if ctx.Err() != nil {
			return nil
		}

		c.log.Warn("connection lost, reconnecting")
		if err := c.retryConnect(ctx, attempts, baseDelay, c.tr.Connect); err != nil {
			return err
		}
	}
}

func (c *Client) retryConnect(ctx context.Context, attempts int, baseDelay time.Duration, connect func(context.Context) error) error {
	err := util.Retry(ctx, attempts, baseDelay, func(attempt int) error {
		err := connect(ctx)
		if err != nil {
			c.log.Warn("connect failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("connecting after %d attempts: %w", attempts, err)
}
