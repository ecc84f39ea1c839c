package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is exclusive ownership of a named resource, held in redis under a
// TTL. State shard consumers hold one lease per shard so each shard has a
// single consumer.
type Lease struct {
	bus    *Bus
	key    string
	holder string
	ttl    time.Duration
}

// AcquireLease attempts to take the named lease. The second return value is
// false when another holder owns it.
func (b *Bus) AcquireLease(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	key := keyLease + name
	ok, err := b.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{bus: b, key: key, holder: holder, ttl: ttl}, true, nil
}

// Renew extends the lease TTL. Returns false when ownership was lost, after
// which the holder must stop consuming.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	owner, err := l.bus.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if owner != l.holder {
		return false, nil
	}
	return l.bus.client.Expire(ctx, l.key, l.ttl).Result()
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	owner, err := l.bus.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	if owner != l.holder {
		return nil
	}
	return l.bus.client.Del(ctx, l.key).Err()
}
