package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	scanBatchSize   = 200
)

// Redis is the go-redis backed cache driver.
type Redis struct {
	client *redis.Client
}

// NewRedis parses cfg.URL and returns a lazily connecting client.
func NewRedis(cfg Config) (*Redis, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("redis ca file contains no certificates")
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.TLSConfig.RootCAs = pool
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix walks the key space with SCAN rather than KEYS so large
// databases are not blocked, unlinking each matched batch as it goes.
func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	match := escapeGlob(prefix) + "*"
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan %s: %w", match, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis unlink: %w", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Increment bumps the window counter and reads its TTL in one round trip.
// The expiry is armed whenever the key has none, so a failed EXPIRE is
// retried on the next hit instead of leaving the counter without a window.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	count := incr.Val()
	if ttl.Val() >= 0 {
		return count, nil
	}
	if window < time.Second {
		window = time.Second
	}
	if err := r.client.Expire(ctx, key, window).Err(); err != nil {
		return count, fmt.Errorf("redis expire %s: %w", key, err)
	}
	return count, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if ttl < 0 {
		return -1, nil
	}
	return ttl, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, ch := range value {
		switch ch {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	return b.String()
}

var _ Cache = (*Redis)(nil)
