package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another process is rebuilding the principal. It is retryable.
var ErrLeaseHeld = errors.New("rebuild lease held by another process")

// Lease provides mutual exclusion for one principal across processes.
type Lease interface {
	Acquire(ctx context.Context, principalID string) (release func(context.Context) error, err error)
}

// NoopLease is used when the scheduler owns every principal.
type NoopLease struct{}

// Acquire always succeeds.
func (NoopLease) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// releaseScript deletes the key only while it still holds our token.
// KEYS[1] = lease key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX plus a compare-and-delete release.
type RedisLease struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLease creates a lease backed by Redis. ttl should exceed the build timeout.
func NewRedisLease(client redis.UniversalClient, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, ttl: ttl, prefix: "principal_analytics:rebuild:"}
}

// Acquire claims the principal's lease or returns ErrLeaseHeld.
func (l *RedisLease) Acquire(ctx context.Context, principalID string) (func(context.Context) error, error) {
	key := l.prefix + principalID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease acquire: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis lease release: %w", err)
		}
		return nil
	}, nil
}
