// Package cache provides the key/value gateway used for response caching and
// rate-limit counters. Three drivers are available: Redis, an in-process LRU,
// and a no-op variant that disables caching entirely.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMiss is returned by Get when the key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrDisabled is returned by every operation of the no-op cache.
	ErrDisabled = errors.New("cache disabled")
)

// Cache stores opaque byte payloads and fixed-window counters.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeleteByPrefix removes every key that starts with prefix and reports how
	// many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	// Increment bumps the counter at key. The first increment of a window
	// arms its expiry; later increments leave the expiry untouched.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	// TTL reports the remaining lifetime of key, or a negative duration when
	// the key has no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
	DriverNone   = "none"
)

// Config selects and tunes a cache driver.
type Config struct {
	Driver string
	// URL is a redis:// or rediss:// connection string.
	URL string
	// TLSCAFile optionally points at a PEM bundle trusted for rediss:// URLs.
	TLSCAFile   string
	DialTimeout time.Duration
	// MemorySize bounds the number of payload entries kept by the memory driver.
	MemorySize int
	// MemoryTTL is the ceiling applied to memory entries; per-call TTLs
	// shorter than this are honoured.
	MemoryTTL time.Duration
}

// Open builds the configured driver. Redis connections are verified with a
// PING before Open returns so callers can fall back to Nop when the server is
// unreachable.
func Open(ctx context.Context, cfg Config) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverRedis:
		client, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return client, nil
	case DriverMemory:
		return NewMemory(cfg.MemorySize, cfg.MemoryTTL), nil
	case DriverNone, "off", "disabled":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// IsDisabled reports whether c is the no-op cache.
func IsDisabled(c Cache) bool {
	if c == nil {
		return true
	}
	switch c.(type) {
	case Nop, *Nop:
		return true
	default:
		return false
	}
}

// Nop is the cache used when no backend is configured or reachable.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error)                     { return nil, ErrDisabled }
func (Nop) Set(context.Context, string, []byte, time.Duration) error        { return ErrDisabled }
func (Nop) DeleteByPrefix(context.Context, string) (int64, error)           { return 0, ErrDisabled }
func (Nop) Increment(context.Context, string, time.Duration) (int64, error) { return 0, ErrDisabled }
func (Nop) TTL(context.Context, string) (time.Duration, error)              { return 0, ErrDisabled }
func (Nop) Ping(context.Context) error                                      { return ErrDisabled }
func (Nop) Close() error                                                    { return nil }

var _ Cache = Nop{}
