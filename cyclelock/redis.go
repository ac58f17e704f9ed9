package cyclelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// DefaultLockExpiry bounds how long a crashed holder can block other
// instances.
const DefaultLockExpiry = 10 * time.Minute

// Redis is a Locker backed by a redsync mutex.
type Redis struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithExpiry sets the lock TTL. It should exceed the longest expected cycle.
func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger }
}

// NewRedis returns a Locker using client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: "cyclelock:",
		expiry: DefaultLockExpiry,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire makes a single attempt to take the named lock.
func (r *Redis) Acquire(ctx context.Context, name string) (Release, error) {
	mutex := r.rs.NewMutex(r.prefix+name,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("cyclelock: acquire %s: %w", name, err)
	}

	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("cyclelock: release %s: %w", name, err)
		}
		if !ok {
			r.logger.Warn("cycle lock expired before release", "name", name)
		}
		return nil
	}, nil
}
