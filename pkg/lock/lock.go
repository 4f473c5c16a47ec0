// Package lock provides mutual exclusion scoped to a named operation,
// either across processes (Redis) or inside one process.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock was not held or already expired")
	ErrEmptyKey    = errors.New("lock key cannot be empty")
)

// Handle releases a lock obtained through TryLock.
type Handle interface {
	Unlock(ctx context.Context) error
	// Extend renews the expiry. ErrNotHeld means the lock lapsed and may
	// already belong to someone else.
	Extend(ctx context.Context) error
}

// Locker is implemented by RedisLocker and LocalLocker.
type Locker interface {
	// WithLock blocks (within the locker's retry budget) until the lock is held, then runs fn.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// TryLock makes a single attempt. acquired is false when someone else holds key.
	TryLock(ctx context.Context, key string) (h Handle, acquired bool, err error)
}

// LocalLocker serializes callers inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()
	return fn(ctx)
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (Handle, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return &localHandle{ch: ch}, true, nil
	default:
		return nil, false, nil
	}
}

type localHandle struct {
	mu       sync.Mutex
	released bool
	ch       chan struct{}
}

// Extend is a no-op: local locks never expire.
func (h *localHandle) Extend(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrNotHeld
	}
	return nil
}

func (h *localHandle) Unlock(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrNotHeld
	}
	h.released = true
	<-h.ch
	return nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
