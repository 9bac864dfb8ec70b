// Package storage provides the minimal Redis surface the fleet core needs,
// behind small interfaces so the registry, bus, and sweeper never import a
// concrete driver. cmd binaries construct the go-redis adapter and inject
// it; tests inject the in-memory implementation.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ZMember is one sorted-set entry.
type ZMember struct {
	Member string
	Score  float64
}

// Client is the key/value, set, and sorted-set surface used by the registry.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error)
}

// PubSub is the channel surface used by the message bus.
type PubSub interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}
