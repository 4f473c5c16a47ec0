package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options tune RedisLocker.WithLock. TryLock always makes one attempt; its
// holder keeps the lock past Expiry only by calling Handle.Extend.
type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      20,
		RetryDelay: 250 * time.Millisecond,
	}
}

// RedisLocker implements Locker with the RedLock algorithm (redsync).
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	opts   Options
	logger *zap.Logger
}

func NewRedisLocker(client goredislib.UniversalClient, prefix string, opts Options, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		opts:   opts,
		logger: logger,
	}
}

func (l *RedisLocker) mutex(key string, tries int) *redsync.Mutex {
	return l.rs.NewMutex(l.prefix+"lock:"+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	m := l.mutex(key, l.opts.Tries)
	if err := m.LockContext(ctx); err != nil {
		if isTaken(err) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// background ctx: release even if the caller was cancelled
		if ok, err := m.UnlockContext(context.Background()); err != nil || !ok {
			l.logger.Warn("release lock failed", zap.String("key", key), zap.Bool("held", ok), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Handle, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	m := l.mutex(key, 1)
	if err := m.LockContext(ctx); err != nil {
		if isTaken(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return &redisHandle{mutex: m}, true, nil
}

type redisHandle struct {
	mutex *redsync.Mutex
}

func (h *redisHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

func (h *redisHandle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrNotHeld, h.mutex.Name(), err)
	}
	return nil
}

func isTaken(err error) bool {
	return errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken")
}
