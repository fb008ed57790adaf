package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClocked(ttl time.Duration, max int) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := NewBounded(ttl, max)
	c.now = clk.now
	return c, clk
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newClocked(time.Minute, 0)
	ctx := context.Background()

	if err := c.Set(ctx, "member:cn=alice", []byte("alice@example.com"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := c.Get(ctx, "member:cn=alice")
	if err != nil || string(got) != "alice@example.com" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := c.Get(ctx, "member:cn=bob"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Get(absent) err = %v", err)
	}
}

func TestCache_ExpiryRemovesOnRead(t *testing.T) {
	c, clk := newClocked(time.Minute, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Second)
	clk.advance(10 * time.Second)

	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrExpired) {
		t.Errorf("Get after ttl err = %v, want ErrExpired", err)
	}
	if c.Len() != 0 {
		t.Errorf("expired entry still stored, Len = %d", c.Len())
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("second Get err = %v, want ErrNotFound", err)
	}
}

func TestCache_BoundEvictsSoonestExpiry(t *testing.T) {
	c, _ := newClocked(time.Minute, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "long", []byte("1"), time.Hour)
	_ = c.Set(ctx, "short", []byte("2"), time.Second)
	_ = c.Set(ctx, "new", []byte("3"), time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, err := c.Get(ctx, "short"); !cache.IsMiss(err) {
		t.Errorf("soonest-expiring entry should be evicted, got %v", err)
	}
	for _, k := range []string{"long", "new"} {
		if _, err := c.Get(ctx, k); err != nil {
			t.Errorf("Get(%s) = %v", k, err)
		}
	}

	// Overwriting an existing key never evicts.
	_ = c.Set(ctx, "long", []byte("1b"), time.Hour)
	if c.Len() != 2 {
		t.Errorf("Len after overwrite = %d", c.Len())
	}
}

func TestCache_BoundPrefersExpiredEntries(t *testing.T) {
	c, clk := newClocked(time.Minute, 2)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Second)
	_ = c.Set(ctx, "b", []byte("2"), time.Hour)
	clk.advance(2 * time.Second)
	_ = c.Set(ctx, "c", []byte("3"), time.Minute)

	if _, err := c.Get(ctx, "b"); err != nil {
		t.Errorf("live entry evicted: %v", err)
	}
}

func TestCache_Delete(t *testing.T) {
	c, _ := newClocked(time.Minute, 0)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting an absent key: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Get after Delete err = %v", err)
	}
}

func TestCache_ValueIsCopied(t *testing.T) {
	c, _ := newClocked(time.Minute, 0)
	ctx := context.Background()

	buf := []byte("abc")
	_ = c.Set(ctx, "k", buf, 0)
	buf[0] = 'x'

	got, _ := c.Get(ctx, "k")
	got[1] = 'y'
	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through a caller slice: %q", again)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	c := New(time.Millisecond, 5*time.Millisecond)
	defer c.Close()
	_ = c.Set(context.Background(), "k", []byte("v"), 0)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep never removed the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisteredDriver(t *testing.T) {
	c, err := cache.New("memory", map[string]any{"default_ttl_seconds": "60", "max_entries": 10})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	m, ok := c.(*Cache)
	if !ok {
		t.Fatalf("expected *Cache, got %T", c)
	}
	if m.maxEntries != 10 || m.ttl != time.Minute {
		t.Errorf("config not applied: max=%d ttl=%s", m.maxEntries, m.ttl)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
