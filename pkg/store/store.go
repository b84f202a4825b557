package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNil is returned for a missing hash field or an empty pop.
var ErrNil = errors.New("store: nil")

// Store is the shared state every controller reads and writes through.
// Writes to the same hash field are last-write-wins; CompareAndSet and
// CompareAndSetAll are the only conditional mutations.
type Store interface {
	HSet(ctx context.Context, key string, values map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll returns an empty map when key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// CompareAndSet writes values into key only if field currently equals
	// expected. A missing key or field compares equal to "".
	CompareAndSet(ctx context.Context, key, field, expected string, values map[string]string) (bool, error)
	// CompareAndSetAll is CompareAndSet with several fields that must all
	// match.
	CompareAndSetAll(ctx context.Context, key string, expected, values map[string]string) (bool, error)

	Push(ctx context.Context, key string, values ...string) error
	// BlockingPop waits up to timeout for the head of list key and returns
	// ErrNil when nothing arrived.
	BlockingPop(ctx context.Context, key string, timeout time.Duration) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Keyspace builds namespaced keys: <prefix>:<namespace>:<name>.
type Keyspace struct {
	Prefix string
}

func (k Keyspace) Key(namespace string, parts ...string) string {
	segments := make([]string, 0, len(parts)+2)
	if k.Prefix != "" {
		segments = append(segments, k.Prefix)
	}
	segments = append(segments, namespace)
	segments = append(segments, parts...)
	return strings.Join(segments, ":")
}
