// Package lock provides Redis lease locks that keep two runs of the same job apart.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var (
	// ErrLockHeld is returned when another owner holds the key.
	ErrLockHeld = errors.New("lock: already held")
	// ErrNotHolder is returned when unlocking or extending a key this owner no longer holds.
	ErrNotHolder = errors.New("lock: not the holder or lock expired")
)

// Locker guards a single key on behalf of a single owner value.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{client: client, key: key, value: value}
}

// Lock takes the key for ttl. It never waits.
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", l.key, ErrLockHeld)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	if res == int64(0) {
		return fmt.Errorf("unlock %s: %w", l.key, ErrNotHolder)
	}
	return nil
}

// Extend resets the key's expiry to ttl if this owner still holds it.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if res == int64(0) {
		return fmt.Errorf("extend %s: %w", l.key, ErrNotHolder)
	}
	return nil
}

// Manager hands out leases keyed by job name.
type Manager struct {
	client redis.UniversalClient
	prefix string
}

func NewManager(client redis.UniversalClient, prefix string) *Manager {
	return &Manager{client: client, prefix: prefix}
}

// Acquire takes the named lock for ttl and keeps renewing it every ttl/3 until Release.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	locker := NewLocker(m.client, m.prefix+name, uuid.NewString())
	if err := locker.Lock(ctx, ttl); err != nil {
		return nil, err
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &Lease{
		locker: locker,
		cancel: cancel,
		lost:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.renew(renewCtx, ttl)
	return lease, nil
}

// Lease is a held lock with background renewal.
type Lease struct {
	locker   *Locker
	cancel   context.CancelFunc
	lost     chan struct{}
	done     chan struct{}
	lostOnce sync.Once
}

// Lost is closed when a renewal finds the lock taken over or expired.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) renew(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.locker.Extend(ctx, ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrNotHolder) {
				logrus.WithField("key", l.locker.key).Warn("lease lost")
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).WithField("key", l.locker.key).Warn("lease renewal failed")
		}
	}
}

// Release stops renewal and deletes the key if still held.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	return l.locker.Unlock(ctx)
}
