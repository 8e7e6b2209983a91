package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStatusNotFound indicates no status record exists for a job id.
var ErrStatusNotFound = errors.New("job status not found")

// Broker is the storage surface the queue, lock and scheduler are built
// on. The Redis implementation is the production one; tests substitute
// an in-memory broker.
type Broker interface {
	// Push adds a payload to a FIFO list.
	Push(ctx context.Context, list string, payload []byte) error
	// Move blocks up to timeout for a payload on src, atomically
	// moving it to dst. A nil payload with nil error means timeout.
	Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)
	// Remove deletes one occurrence of payload from a list.
	Remove(ctx context.Context, list string, payload []byte) error
	// Delay schedules a payload on a sorted set for eta.
	Delay(ctx context.Context, set string, payload []byte, eta time.Time) error
	// Due returns up to limit payloads whose eta has passed.
	Due(ctx context.Context, set string, now time.Time, limit int) ([][]byte, error)
	// Undelay removes a payload from a sorted set.
	Undelay(ctx context.Context, set string, payload []byte) error
	// ListLen reports the length of a list.
	ListLen(ctx context.Context, list string) (int64, error)

	// SetStatus stores a job status record with a TTL.
	SetStatus(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// GetStatus reads a job status record; ErrStatusNotFound when
	// absent or expired.
	GetStatus(ctx context.Context, key string) ([]byte, error)

	// AcquireLock takes key for owner with a TTL iff it is free.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RefreshLock extends the TTL iff owner still holds the key.
	RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes the key iff owner still holds it.
	ReleaseLock(ctx context.Context, key, owner string) error

	Close() error
}

// RedisConfig holds Redis connection settings for the job broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisBroker implements Broker on a Redis server.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Push(ctx context.Context, list string, payload []byte) error {
	return b.client.LPush(ctx, list, payload).Err()
}

func (b *RedisBroker) Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	val, err := b.client.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func (b *RedisBroker) Remove(ctx context.Context, list string, payload []byte) error {
	return b.client.LRem(ctx, list, 1, payload).Err()
}

func (b *RedisBroker) Delay(ctx context.Context, set string, payload []byte, eta time.Time) error {
	return b.client.ZAdd(ctx, set, redis.Z{Score: float64(eta.Unix()), Member: payload}).Err()
}

func (b *RedisBroker) Due(ctx context.Context, set string, now time.Time, limit int) ([][]byte, error) {
	vals, err := b.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (b *RedisBroker) Undelay(ctx context.Context, set string, payload []byte) error {
	return b.client.ZRem(ctx, set, payload).Err()
}

func (b *RedisBroker) ListLen(ctx context.Context, list string) (int64, error) {
	return b.client.LLen(ctx, list).Result()
}

func (b *RedisBroker) SetStatus(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, payload, ttl).Err()
}

func (b *RedisBroker) GetStatus(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func (b *RedisBroker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, owner, ttl).Result()
}

// refreshScript extends the lock TTL only while owner still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

func (b *RedisBroker) RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, b.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// releaseScript deletes the lock only if owner still holds it, so a
// slow process cannot release a lock that expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (b *RedisBroker) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, b.client, []string{key}, owner).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
