package runner

import (
	"context"
	"errors"
	"sync"
)

// Control provides cooperative control over run processing. The runner
// checks it between engine invocations, so pausing never interrupts a step
// body mid-flight.
type Control interface {
	WaitIfPaused(ctx context.Context) error
	Done() <-chan struct{}
	CancelCause() error
}

type noopControl struct{}

func (noopControl) WaitIfPaused(ctx context.Context) error { return ctx.Err() }
func (noopControl) Done() <-chan struct{}                  { return nil }
func (noopControl) CancelCause() error                     { return nil }

// ManualControl can be paused, resumed, and canceled by the embedding
// application, e.g. for draining before shutdown.
type ManualControl struct {
	mu sync.RWMutex

	paused   bool
	resumeCh chan struct{}
	doneCh   chan struct{}
	cause    error
}

func NewManualControl() *ManualControl {
	return &ManualControl{
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *ManualControl) WaitIfPaused(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	for {
		c.mu.RLock()
		paused := c.paused
		resume := c.resumeCh
		done := c.doneCh
		cause := c.cause
		c.mu.RUnlock()

		if !paused {
			select {
			case <-done:
				if cause != nil {
					return cause
				}
				return context.Canceled
			default:
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			if cause != nil {
				return cause
			}
			return context.Canceled
		case <-resume:
		}
	}
}

func (c *ManualControl) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doneCh
}

func (c *ManualControl) CancelCause() error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Pause blocks run processing until Resume is called.
func (c *ManualControl) Pause() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
}

// Resume unblocks runs paused by Pause.
func (c *ManualControl) Resume() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resumeCh)
}

// Cancel stops run processing for good, optionally recording a cause.
func (c *ManualControl) Cancel(cause error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.doneCh:
		return
	default:
	}
	if cause == nil {
		cause = errors.New("run processing canceled")
	}
	c.cause = cause
	c.paused = false
	close(c.resumeCh)
	close(c.doneCh)
}
