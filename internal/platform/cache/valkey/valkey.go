// Package valkey provides a Valkey/Redis cache driver built on valkey-go.
package valkey

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/valkey-io/valkey-go"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache"
)

// Config holds Valkey connection configuration.
type Config struct {
	Addr              string `mapstructure:"addr"`     // host:port
	Password          string `mapstructure:"password"` // optional
	DB                int    `mapstructure:"db"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
	DialTimeoutMS     int    `mapstructure:"dial_timeout_ms"`
}

// DefaultConfig returns sensible defaults for a Valkey connection.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "localhost:6379",
		KeyPrefix:         "ldapmailsync:",
		DefaultTTLSeconds: 600,
		DialTimeoutMS:     5000,
	}
}

func init() {
	cache.RegisterDriver("valkey", func(config map[string]any) (cache.Cache, error) {
		cfg := DefaultConfig()
		if err := mapstructure.WeakDecode(config, cfg); err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// Cache stores values in Valkey.
type Cache struct {
	client     valkey.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects to Valkey and fails fast when the server is unreachable.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		Dialer:       net.Dialer{Timeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond},
	})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, defaultTTL: ttl}, nil
}

func (c *Cache) key(k string) string { return c.prefix + k }

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	return c.client.Do(ctx, cmd).Error()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(c.key(key)).Build()).Error()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.Cache = (*Cache)(nil)
