package wsx

import (
	"context"
	"sync"
	"time"
)

// defaultResponseWait bounds how long a caller blocks for a client response.
const defaultResponseWait = 5 * time.Second

// correlator matches client responses and pong markers to waiting requests.
// Pongs resolve as the bare value true; regular responses resolve as the
// parsed *ClientMessage.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan any
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan any)}
}

// register creates a waiter slot for the given correlation id.
func (c *correlator) register(id string) <-chan any {
	ch := make(chan any, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// resolve hands a value to the waiter for id, if one exists, and reports
// whether it did. The pending slot is removed either way.
func (c *correlator) resolve(id string, value any) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- value
	return true
}

// cancel removes a waiter slot so timed-out ids are not leaked.
func (c *correlator) cancel(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// wait blocks until the id resolves, the timeout fires or ctx is done.
// A timeout returns (nil, false) and cleans the slot up.
func (c *correlator) wait(ctx context.Context, id string, ch <-chan any, timeout time.Duration) (any, bool) {
	if timeout <= 0 {
		timeout = defaultResponseWait
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-ch:
		return value, true
	case <-timer.C:
		c.cancel(id)
		return nil, false
	case <-ctx.Done():
		c.cancel(id)
		return nil, false
	}
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
