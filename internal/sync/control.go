package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onecache/internal/cache"
)

// pausePollInterval is how often a paused worker re-checks its controller.
const pausePollInterval = 100 * time.Millisecond

// controller carries the cooperative control state for one running job.
// Workers call checkpoint between items; they are never preempted inside
// an in-flight network call.
type controller struct {
	mu        sync.Mutex
	status    cache.JobStatus
	cancelled bool
}

func newController() *controller {
	return &controller{status: cache.JobPending}
}

func (c *controller) markRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = cache.JobRunning
}

func (c *controller) finish(status cache.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// pause requests a pause. Only a running job can pause.
func (c *controller) pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != cache.JobRunning {
		return fmt.Errorf("cannot pause job in state %q: %w", c.status, ErrInvalidState)
	}
	c.status = cache.JobPaused
	return nil
}

// resume returns a paused job to running.
func (c *controller) resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != cache.JobPaused {
		return fmt.Errorf("cannot resume job in state %q: %w", c.status, ErrInvalidState)
	}
	c.status = cache.JobRunning
	return nil
}

// cancel requests cancellation. The job finishes its current item, then
// stops; the orchestrator records the terminal state.
func (c *controller) cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return fmt.Errorf("cannot cancel job in state %q: %w", c.status, ErrInvalidState)
	}
	c.cancelled = true
	return nil
}

// checkpoint is the suspension point between items: it returns
// errCancelled once cancellation was requested, blocks while paused, and
// otherwise returns ctx's error state.
func (c *controller) checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		cancelled := c.cancelled
		paused := c.status == cache.JobPaused
		c.mu.Unlock()

		if cancelled {
			return errCancelled
		}
		if !paused {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
}
