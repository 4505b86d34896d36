package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// extendScript refreshes the TTL only while the caller still owns the key
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a TTL-bound leader lease on a single Redis key. The holder renews it on every
// Acquire; if the holder stops renewing, the key expires and another instance takes over.
type Lease struct {
	client     redis.Cmdable
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLease creates a lease on key owned by instanceID
func NewLease(client redis.Cmdable, key, instanceID string, ttl time.Duration) *Lease {
	return &Lease{
		client:     client,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

// Acquire extends the lease when this instance holds it, otherwise tries to take it
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	if extended == 1 {
		return true, nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return acquired, nil
}

// Release gives the lease up if this instance holds it
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the instance currently holding the lease, or "" when nobody does
func (l *Lease) Holder(ctx context.Context) (string, error) {
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease holder: %w", err)
	}
	return holder, nil
}
