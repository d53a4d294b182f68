package status

import (
	"context"
	"errors"
	"sync"
	"time"

	expirable "github.com/go-pkgz/expirable-cache/v3"
	rediscache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"yoma-reconciler/internal/models"
)

// localCacheSize bounds the shared TinyLFU tier; status tables are tiny so this stays small.
const localCacheSize = 1024

const sharedKeyPrefix = "yoma:status:"

type entry struct {
	statuses []models.StatusLookup
	deadline time.Time
	expires  time.Time
}

// sharedEntry is the Redis value. It carries the absolute deadline of the process that loaded
// it, so a copy picked up later never outlives the original.
type sharedEntry struct {
	Statuses []models.StatusLookup `msgpack:"statuses"`
	Deadline time.Time             `msgpack:"deadline"`
}

// Cache keeps status lists per table with a sliding and an absolute expiry.
// An optional Redis tier lets processes share populated lists.
type Cache struct {
	local    expirable.Cache[string, entry]
	shared   *rediscache.Cache
	sliding  time.Duration
	absolute time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewCache builds the in-process tier. A zero sliding window means entries only expire at
// the absolute deadline.
func NewCache(sliding, absolute time.Duration) *Cache {
	return &Cache{
		local:    expirable.NewCache[string, entry]().WithMaxKeys(localCacheSize),
		sliding:  sliding,
		absolute: absolute,
		now:      time.Now,
	}
}

// WithShared enables the Redis tier.
func (c *Cache) WithShared(client *redis.Client) *Cache {
	c.shared = rediscache.New(&rediscache.Options{
		Redis:      client,
		LocalCache: rediscache.NewTinyLFU(localCacheSize, time.Minute),
	})
	return c
}

// get returns the cached list for key, sliding its expiry on a hit.
func (c *Cache) get(ctx context.Context, key string) ([]models.StatusLookup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.local.Get(key)
	if ok && now.Before(e.expires) && now.Before(e.deadline) {
		e.expires = c.slide(now, e.deadline)
		c.local.Set(key, e, e.expires.Sub(now))
		return e.statuses, true
	}
	if ok {
		c.local.Invalidate(key)
	}

	if c.shared == nil {
		return nil, false
	}
	var shared sharedEntry
	if err := c.shared.Get(ctx, sharedKeyPrefix+key, &shared); err != nil {
		if !errors.Is(err, rediscache.ErrCacheMiss) {
			logrus.WithError(err).WithField("table", key).Warn("shared status cache read failed")
		}
		return nil, false
	}
	if !now.Before(shared.Deadline) {
		return nil, false
	}
	c.storeLocal(key, shared.Statuses, now, shared.Deadline)
	return shared.Statuses, true
}

func (c *Cache) set(ctx context.Context, key string, statuses []models.StatusLookup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	deadline := now.Add(c.absolute)
	c.storeLocal(key, statuses, now, deadline)
	if c.shared == nil {
		return
	}
	err := c.shared.Set(&rediscache.Item{
		Ctx:   ctx,
		Key:   sharedKeyPrefix + key,
		Value: sharedEntry{Statuses: statuses, Deadline: deadline},
		TTL:   c.absolute,
	})
	if err != nil {
		logrus.WithError(err).WithField("table", key).Warn("shared status cache write failed")
	}
}

func (c *Cache) storeLocal(key string, statuses []models.StatusLookup, now, deadline time.Time) {
	e := entry{statuses: statuses, deadline: deadline, expires: c.slide(now, deadline)}
	c.local.Set(key, e, e.expires.Sub(now))
}

func (c *Cache) slide(now, deadline time.Time) time.Time {
	if c.sliding <= 0 {
		return deadline
	}
	if next := now.Add(c.sliding); next.Before(deadline) {
		return next
	}
	return deadline
}
