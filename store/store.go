// Package store is the shared key/value and pub/sub capability every instance
// coordinates through. Redis backs it in a cluster; Local keeps a single
// process running when Redis is not reachable.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNil is returned when a key or list element does not exist.
	ErrNil = errors.New("store: nil")
	// ErrWrongType is returned when a key holds a different kind of value.
	ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned by Incr when the stored value is not a number.
	ErrNotInteger = errors.New("store: value is not an integer")
	ErrClosed     = errors.New("store: closed")
)

type ZMember struct {
	Member string
	Score  float64
}

type Message struct {
	Channel string
	Payload string
}

// Subscription delivers published messages until Close is called.
type Subscription interface {
	Messages() <-chan *Message
	Close() error
}

// Store is implemented by RedisStore and Local. A ttl of zero means the key
// does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	// IncrWithTTL increments key and gives it ttl when it has no expiry yet.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LPop(ctx context.Context, key string) (string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	// LDrain atomically returns every element of a list and deletes it.
	LDrain(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZScore returns ErrNil when member is not in the set.
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// ClearIfEmpty removes member from the sorted set index and deletes keys,
	// all at once and only while the set guard has no members. It reports
	// whether anything was cleared.
	ClearIfEmpty(ctx context.Context, guard, index, member string, keys ...string) (bool, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
