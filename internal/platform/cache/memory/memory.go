// Package memory is the in-process cache driver. Entries expire lazily on
// read and in a periodic sweep; the store is bounded and evicts the entry
// closest to expiry when full.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache"
)

// Config holds the memory driver options.
type Config struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
	MaxEntries             int `mapstructure:"max_entries"`
}

func init() {
	cache.RegisterDriver("memory", func(config map[string]any) (cache.Cache, error) {
		c := Config{DefaultTTLSeconds: 600, CleanupIntervalSeconds: 300}
		if err := mapstructure.WeakDecode(config, &c); err != nil {
			return nil, err
		}
		m := New(
			time.Duration(c.DefaultTTLSeconds)*time.Second,
			time.Duration(c.CleanupIntervalSeconds)*time.Second,
		)
		m.maxEntries = c.MaxEntries
		return m, nil
	})
}

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a bounded in-memory cache. A zero maxEntries means unbounded.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

var _ cache.Cache = (*Cache)(nil)

// New creates a cache. A positive sweep interval starts a goroutine that
// drops expired entries until Close.
func New(defaultTTL, sweep time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     defaultTTL,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweepEvery(sweep)
	}
	return c
}

// NewBounded creates a cache holding at most maxEntries keys, without a
// background sweep.
func NewBounded(defaultTTL time.Duration, maxEntries int) *Cache {
	c := New(defaultTTL, 0)
	c.maxEntries = maxEntries
	return c
}

func (c *Cache) sweepEvery(d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.mu.Lock()
			c.dropExpired(c.now())
			c.mu.Unlock()
		}
	}
}

// dropExpired must be called with mu held.
func (c *Cache) dropExpired(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Get returns a copy of the stored value. An expired entry is removed and
// reported as cache.ErrExpired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, cache.ErrExpired
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value. A zero ttl uses the default.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.dropExpired(now)
		if len(c.entries) >= c.maxEntries {
			c.evictSoonest()
		}
	}
	c.entries[key] = entry{value: append([]byte(nil), value...), expires: now.Add(ttl)}
	return nil
}

// evictSoonest must be called with mu held.
func (c *Cache) evictSoonest() {
	var victim string
	var first time.Time
	found := false
	for k, e := range c.entries {
		if !found || e.expires.Before(first) {
			victim, first, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	return nil
}
