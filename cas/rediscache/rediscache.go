// Package rediscache implements an optional remote digest cache: a
// shared hint, backed by github.com/redis/go-redis/v9, that a blob has
// already been confirmed present by some shell in the fleet sharing one
// baseUrl. It is grounded on registry/storage/cache/redis/redis.go's
// pool-backed cache provider, narrowed from a full blob-descriptor cache
// down to a single redis SET of confirmed digests (the "fast access to
// repository membership through a redis set" half of that file's design,
// without the per-repository hash half, which has no analogue here).
//
// This cache is strictly an optimization. ContentStore never trusts it
// for correctness: a hit only lets the Downloader skip re-fetching a
// blob whose hash it otherwise believes is missing, and InsertFrom always
// re-verifies the hash of whatever lands on disk regardless of what this
// cache said.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runwork/shell/bundlemanifest"
)

// Cache is a shared, best-effort record of digests some shell has already
// confirmed are valid CAS members. Disabled by default; callers
// construct one explicitly by supplying an address.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// setKey namespaces this cache's keys from anything else that might share
// the same redis instance.
const setKey = "runwork-shell:confirmed-digests"

// New connects to a redis instance at addr. ttl bounds how long a
// confirmation is trusted before the Downloader re-verifies it the normal
// way; a zero ttl means entries never expire on their own (the set is
// still safe to share, since every write is idempotent).
func New(addr string, ttl time.Duration) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Seen reports whether h has previously been confirmed present by some
// member of the fleet. A false negative (cache miss on a blob that is in
// fact already local) only costs a redundant blob fetch, which is still
// verified on insert; it is never a correctness hazard.
func (c *Cache) Seen(ctx context.Context, h bundlemanifest.FileHash) (bool, error) {
	member := h.Hex()
	ok, err := c.client.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: checking membership: %w", err)
	}
	return ok, nil
}

// MarkSeen records that h has been confirmed present in the local CAS,
// for other shells sharing this cache to benefit from.
func (c *Cache) MarkSeen(ctx context.Context, h bundlemanifest.FileHash) error {
	if err := c.client.SAdd(ctx, setKey, h.Hex()).Err(); err != nil {
		return fmt.Errorf("rediscache: recording membership: %w", err)
	}
	if c.ttl > 0 {
		c.client.Expire(ctx, setKey, c.ttl)
	}
	return nil
}
