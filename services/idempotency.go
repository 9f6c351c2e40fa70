package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const (
	idempotencyPrefix = "idem:"
	idemPending       = "__pending__"
)

type idemEntry struct {
	messageID string
	expires   time.Time
}

// IdempotencyCache remembers which client message ids were already turned
// into server messages. The local map answers repeat sends on this process;
// the shared record covers a client that retries through another instance.
type IdempotencyCache struct {
	store  store.Store
	window time.Duration
	logger *utils.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]idemEntry
}

func NewIdempotencyCache(s store.Store, window time.Duration, logger *utils.Logger) *IdempotencyCache {
	return &IdempotencyCache{
		store:   s,
		window:  window,
		logger:  logger.With("component", "idempotency"),
		now:     time.Now,
		entries: make(map[string]idemEntry),
	}
}

// Begin reserves key. It returns the earlier server id when the key already
// completed, or inFlight when another send holds the reservation.
func (c *IdempotencyCache) Begin(ctx context.Context, key string) (prior string, inFlight bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		if e.messageID == idemPending {
			return "", true
		}
		return e.messageID, false
	}
	c.entries[key] = idemEntry{messageID: idemPending, expires: c.now().Add(c.window)}
	c.mu.Unlock()

	ok, err := c.store.SetNX(ctx, idempotencyPrefix+key, idemPending, c.window)
	if err != nil {
		c.logger.Warn("Shared idempotency record unavailable, using local cache only", "error", err)
		return "", false
	}
	if ok {
		return "", false
	}

	existing, err := c.store.Get(ctx, idempotencyPrefix+key)
	switch {
	case errors.Is(err, store.ErrNil):
		// Expired between the two calls; the reservation is ours to retry.
		c.forget(key)
		return c.Begin(ctx, key)
	case err != nil:
		c.logger.Warn("Failed to read idempotency record", "error", err)
		return "", false
	case existing == idemPending:
		c.forget(key)
		return "", true
	default:
		c.remember(key, existing)
		return existing, false
	}
}

// Complete records the server id for key.
func (c *IdempotencyCache) Complete(ctx context.Context, key, messageID string) {
	c.remember(key, messageID)
	if err := c.store.Set(ctx, idempotencyPrefix+key, messageID, c.window); err != nil {
		c.logger.Warn("Failed to store idempotency record", "error", err)
	}
}

// Abort releases a reservation whose send failed so a retry can proceed.
func (c *IdempotencyCache) Abort(ctx context.Context, key string) {
	c.forget(key)
	if err := c.store.Del(ctx, idempotencyPrefix+key); err != nil {
		c.logger.Warn("Failed to release idempotency record", "error", err)
	}
}

func (c *IdempotencyCache) remember(key, messageID string) {
	c.mu.Lock()
	c.entries[key] = idemEntry{messageID: messageID, expires: c.now().Add(c.window)}
	c.mu.Unlock()
}

func (c *IdempotencyCache) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops expired local entries and returns how many were removed.
func (c *IdempotencyCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run purges expired entries once per window until ctx is cancelled.
func (c *IdempotencyCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("Purged idempotency entries", "count", n)
			}
		}
	}
}
