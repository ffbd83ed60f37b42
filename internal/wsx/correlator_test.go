package wsx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorResolve(t *testing.T) {
	c := newCorrelator()

	ch := c.register("id-1")
	require.Equal(t, 1, c.pendingCount())

	go func() {
		c.resolve("id-1", "hello")
	}()

	value, ok := c.wait(context.Background(), "id-1", ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, "hello", value)
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelatorTimeout(t *testing.T) {
	c := newCorrelator()

	ch := c.register("id-1")
	value, ok := c.wait(context.Background(), "id-1", ch, 20*time.Millisecond)

	assert.False(t, ok)
	assert.Nil(t, value)
	assert.Equal(t, 0, c.pendingCount(), "timed-out waiter must not leak")
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := newCorrelator()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := c.register("id-1")
	_, ok := c.wait(ctx, "id-1", ch, time.Second)

	assert.False(t, ok)
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelatorResolveUnknownID(t *testing.T) {
	c := newCorrelator()
	assert.False(t, c.resolve("never-registered", true))
}

func TestCorrelatorPongMarker(t *testing.T) {
	c := newCorrelator()

	ch := c.register("ping-1")
	c.resolve("ping-1", true)

	value, ok := c.wait(context.Background(), "ping-1", ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, true, value)
}
