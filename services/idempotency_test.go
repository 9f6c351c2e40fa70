package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chorus/realtime/store"
	"chorus/realtime/utils"
)

func TestIdempotencyAcrossInstances(t *testing.T) {
	bg := context.Background()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	shared := store.NewLocal(store.WithClock(clock.Now))

	a := NewIdempotencyCache(shared, time.Minute, utils.NewNopLogger())
	b := NewIdempotencyCache(shared, time.Minute, utils.NewNopLogger())
	a.now, b.now = clock.Now, clock.Now

	prior, inFlight := a.Begin(bg, "k")
	assert.Empty(t, prior)
	assert.False(t, inFlight)

	prior, inFlight = b.Begin(bg, "k")
	assert.Empty(t, prior)
	assert.True(t, inFlight, "a retry on another instance sees the reservation")

	a.Complete(bg, "k", "m-1")
	prior, _ = b.Begin(bg, "k")
	assert.Equal(t, "m-1", prior)

	// Repeats on the same instance are answered from memory.
	prior, _ = a.Begin(bg, "k")
	assert.Equal(t, "m-1", prior)
}

func TestIdempotencyAbortReleases(t *testing.T) {
	bg := context.Background()
	c := NewIdempotencyCache(store.NewLocal(), time.Minute, utils.NewNopLogger())

	c.Begin(bg, "k")
	c.Abort(bg, "k")

	prior, inFlight := c.Begin(bg, "k")
	assert.Empty(t, prior)
	assert.False(t, inFlight)
}

func TestIdempotencyPurge(t *testing.T) {
	bg := context.Background()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	c := NewIdempotencyCache(store.NewLocal(store.WithClock(clock.Now)), time.Minute, utils.NewNopLogger())
	c.now = clock.Now

	c.Begin(bg, "a")
	c.Complete(bg, "a", "m-a")
	clock.Advance(30 * time.Second)
	c.Begin(bg, "b")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, c.Purge())

	prior, inFlight := c.Begin(bg, "a")
	assert.Empty(t, prior)
	assert.False(t, inFlight)
}
