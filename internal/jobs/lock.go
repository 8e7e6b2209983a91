package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock is a single-holder distributed lock. The holder refreshes the
// TTL while alive; if the process dies, the key expires and another
// instance can take over within one TTL.
type Lock struct {
	broker Broker
	key    string
	owner  string
	ttl    time.Duration
}

// NewLock creates a lock handle with a unique owner token.
func NewLock(broker Broker, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Lock{
		broker: broker,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lock. It does not block; a false return
// means another holder exists.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.broker.AcquireLock(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Refresh extends the TTL. A false return means the lock was lost,
// usually because a refresh was missed for longer than the TTL.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	ok, err := l.broker.RefreshLock(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release frees the lock if this handle still holds it.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.broker.ReleaseLock(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
