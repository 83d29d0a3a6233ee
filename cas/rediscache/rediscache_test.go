package rediscache

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/runwork/shell/bundlemanifest"
)

var redisAddr string

func init() {
	flag.StringVar(&redisAddr, "test.cas.rediscache.addr", "", "configure the address of a test instance of redis")
}

func requireRedisAddr(t *testing.T) string {
	t.Helper()
	if redisAddr == "" {
		redisAddr = os.Getenv("TEST_CAS_REDISCACHE_ADDR")
	}
	if redisAddr == "" {
		t.Skip("please set -test.cas.rediscache.addr to test rediscache against a live redis instance")
	}
	return redisAddr
}

func fixtureHash(t *testing.T) bundlemanifest.FileHash {
	t.Helper()
	h, err := bundlemanifest.NewFileHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	return h
}

func TestMarkSeenAndSeenRoundTrip(t *testing.T) {
	addr := requireRedisAddr(t)

	flush := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, flush.FlushDB(context.Background()).Err())
	require.NoError(t, flush.Close())

	c := New(addr, 0)
	defer c.Close()

	h := fixtureHash(t)

	seen, err := c.Seen(context.Background(), h)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, c.MarkSeen(context.Background(), h))

	seen, err = c.Seen(context.Background(), h)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMarkSeenAppliesTTL(t *testing.T) {
	addr := requireRedisAddr(t)

	flush := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, flush.FlushDB(context.Background()).Err())
	require.NoError(t, flush.Close())

	c := New(addr, 50*time.Millisecond)
	defer c.Close()

	h := fixtureHash(t)
	require.NoError(t, c.MarkSeen(context.Background(), h))

	time.Sleep(200 * time.Millisecond)

	seen, err := c.Seen(context.Background(), h)
	require.NoError(t, err)
	require.False(t, seen, "entry should have expired after its ttl")
}
