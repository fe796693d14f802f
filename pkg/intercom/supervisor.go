package intercom

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type supervisorRun struct {
	cancel context.CancelFunc
}

// startSupervisor launches the reconnection goroutine unless one is already
// running or the client was closed.
func (c *Client) startSupervisor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.supervisor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &supervisorRun{cancel: cancel}
	c.supervisor = run
	c.wg.Add(1)
	go c.supervise(ctx, run)
	c.notifyChange()
}

func (c *Client) supervise(ctx context.Context, run *supervisorRun) {
	defer c.wg.Done()
	defer c.clearSupervisor(run)

	for attempt := 1; ; attempt++ {
		delay := c.backoff.Next()
		c.logger.Info("intercom reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.connectOnce(ctx)
		if err == nil {
			return
		}
		if !isRetryable(err) || ctx.Err() != nil {
			c.logger.Debug("intercom reconnect stopped", zap.Error(err))
			return
		}
		c.logger.Warn("intercom reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Client) clearSupervisor(run *supervisorRun) {
	run.cancel()
	c.mu.Lock()
	cleared := c.supervisor == run
	if cleared {
		c.supervisor = nil
	}
	c.mu.Unlock()
	if cleared {
		c.notifyChange()
	}
}
