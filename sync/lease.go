package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/data-steve/rowcol-sync/config"
)

// ErrLeaseHeld means another worker holds the stream. The caller logs and
// skips; it never waits.
var ErrLeaseHeld = errors.New("sync lease already held")

// streamLease serializes runs per (tenant, rail, entity type). Redis-backed
// when redis is up so the exclusion spans instances; in-process otherwise.
// Acquisition is always try-once.
type streamLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (leaseHandle, error)
}

type leaseHandle interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

func newStreamLease() streamLease {
	if locker := config.GetRedisLock(); locker != nil {
		return &redisLease{locker: locker}
	}
	return &localLease{held: map[string]time.Time{}}
}

func leaseKey(tenantId string, rail string, entityType string) string {
	return fmt.Sprintf("synclease:%s:%s:%s", tenantId, rail, entityType)
}

type redisLease struct {
	locker *redislock.Client
}

func (l *redisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (leaseHandle, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, err
	}
	return &redisLeaseHandle{lock: lock}, nil
}

type redisLeaseHandle struct {
	lock *redislock.Lock
}

func (h *redisLeaseHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	return h.lock.Refresh(ctx, ttl, nil)
}

func (h *redisLeaseHandle) Release(ctx context.Context) error {
	err := h.lock.Release(ctx)
	if err == redislock.ErrLockNotHeld {
		return nil
	}
	return err
}

// localLease covers single-instance deployments and tests. Expiry matters
// here too: a crashed goroutine must not pin its stream forever.
type localLease struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func (l *localLease) Acquire(ctx context.Context, key string, ttl time.Duration) (leaseHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, ErrLeaseHeld
	}
	l.held[key] = now.Add(ttl)
	return &localLeaseHandle{parent: l, key: key}, nil
}

type localLeaseHandle struct {
	parent *localLease
	key    string
}

func (h *localLeaseHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	h.parent.mu.Lock()
	defer h.parent.mu.Unlock()
	h.parent.held[h.key] = time.Now().Add(ttl)
	return nil
}

func (h *localLeaseHandle) Release(ctx context.Context) error {
	h.parent.mu.Lock()
	defer h.parent.mu.Unlock()
	delete(h.parent.held, h.key)
	return nil
}
