package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/testsupport/redisstub"
)

func startRedis(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	server, err := redisstub.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func openRedis(t *testing.T, cfg Config) Cache {
	t.Helper()
	cfg.Driver = DriverRedis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisGetSetRoundTrip(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	ctx := context.Background()

	_, err := c.Get(ctx, "chapter:missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "chapter:1", []byte(`{"id":"1"}`), time.Hour))
	value, err := c.Get(ctx, "chapter:1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(value))

	ttl, ok := server.TTL("chapter:1")
	require.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)
}

func TestRedisDeleteByPrefixOnlyTouchesListingKeys(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	ctx := context.Background()

	for i := 0; i < scanBatchSize+25; i++ {
		key := fmt.Sprintf("chapters:{\"unit\":\"u/%d\"}:1:10", i)
		require.NoError(t, c.Set(ctx, key, []byte("page"), time.Hour))
	}
	require.NoError(t, c.Set(ctx, "chapter:abc", []byte("item"), time.Hour))
	require.NoError(t, c.Set(ctx, "ratelimit:127.0.0.1", []byte("3"), time.Minute))

	removed, err := c.DeleteByPrefix(ctx, "chapters:")
	require.NoError(t, err)
	assert.EqualValues(t, scanBatchSize+25, removed)
	assert.ElementsMatch(t, []string{"chapter:abc", "ratelimit:127.0.0.1"}, server.Keys())
}

func TestRedisIncrementArmsWindowOnce(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := c.Increment(ctx, "ratelimit:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
	assert.Equal(t, 1, server.CommandCount("EXPIRE"))

	ttl, err := c.TTL(ctx, "ratelimit:10.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	ttl, err = c.TTL(ctx, "ratelimit:unknown")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))
}

func TestRedisIncrementRearmsMissingExpiry(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	ctx := context.Background()
	key := "ratelimit:10.0.0.9"

	server.FailCommand("EXPIRE", "ERR expire unavailable")
	count, err := c.Increment(ctx, key, time.Minute)
	require.Error(t, err)
	assert.EqualValues(t, 1, count)
	ttl, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))

	server.FailCommand("EXPIRE", "")
	count, err = c.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	ttl, err = c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	for i := 0; i < 5; i++ {
		_, err = c.Increment(ctx, key, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, server.CommandCount("EXPIRE"))
}

func TestRedisIncrementWindowExpires(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Increment(ctx, "ratelimit:10.0.0.8", time.Second)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		count, err := c.Increment(ctx, "ratelimit:10.0.0.8", time.Second)
		return err == nil && count == 1
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRedisSurfacesServerErrors(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	c := openRedis(t, Config{URL: server.URL()})
	server.FailCommand("GET", "ERR boom")

	_, err := c.Get(context.Background(), "chapter:1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
	assert.Contains(t, err.Error(), "boom")
}

func TestRedisPasswordFromURL(t *testing.T) {
	server := startRedis(t, redisstub.Options{Password: "s3cret"})
	c := openRedis(t, Config{URL: server.URL()})
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))

	_, err := Open(context.Background(), Config{Driver: DriverRedis, URL: "redis://:wrong@" + server.Addr()})
	require.Error(t, err)
}

func TestRedisTLSWithCustomCA(t *testing.T) {
	server := startRedis(t, redisstub.Options{EnableTLS: true})
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, server.CertPEM(), 0o600))

	c := openRedis(t, Config{URL: server.URL(), TLSCAFile: caFile})
	require.NoError(t, c.Set(context.Background(), "secure", []byte("yes"), time.Minute))
	value, err := c.Get(context.Background(), "secure")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(value))
}

func TestOpenFailsWhenRedisUnreachable(t *testing.T) {
	server := startRedis(t, redisstub.Options{})
	url := server.URL()
	require.NoError(t, server.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, Config{Driver: DriverRedis, URL: url, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `chapters:`, escapeGlob("chapters:"))
	assert.Equal(t, `a\*b\?c\[d\]\\`, escapeGlob(`a*b?c[d]\`))
}
