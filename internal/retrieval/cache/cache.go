// Package cache keeps retrieval results in Redis. Keys are scoped to the
// corpus generation (a per-process random epoch plus the version), so a
// re-ingest makes every earlier entry unreachable even before Invalidate
// removes it, and so do a restart and a second replica sharing the same Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "retrieve:"

// Backend is the subset of pkg/redis.Client the cache uses.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Get looks key up. Backend and decoding failures count as misses.
func (c *QueryCache) Get(ctx context.Context, key string) (retrieval.RetrievalResult, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.recordMiss()
		return retrieval.RetrievalResult{}, false
	}
	var result retrieval.RetrievalResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.recordMiss()
		return retrieval.RetrievalResult{}, false
	}
	if result.Chunks == nil {
		result.Chunks = []retrieval.DocumentChunk{}
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return result, true
}

func (c *QueryCache) Set(ctx context.Context, key string, result retrieval.RetrievalResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for (generation, query, topK) or
// runs compute once for all concurrent callers asking for the same key. The
// bool reports a cache hit.
//
// compute reports the generation it actually scored against. The result is
// only stored when that matches generation, so a corpus swapped in between
// the key lookup and the scoring never lands under the older key.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	generation string,
	query string,
	topK int,
	compute func() (retrieval.RetrievalResult, string),
) (retrieval.RetrievalResult, bool) {
	key := Key(generation, query, topK)
	if result, ok := c.Get(ctx, key); ok {
		return result, true
	}
	val, _, _ := c.group.Do(key, func() (any, error) {
		result, scored := compute()
		if scored == generation {
			c.Set(ctx, key, result)
		} else {
			c.logger.Debug("corpus changed during scoring, not caching",
				"requested", generation, "scored", scored)
		}
		return result, nil
	})
	return val.(retrieval.RetrievalResult), false
}

// Invalidate deletes every cached retrieval.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Key derives the cache key. Scoring only depends on the multiset of query
// terms, so queries that tokenize to the same terms share an entry.
func Key(generation string, query string, topK int) string {
	terms := tokenizer.Tokenize(query)
	slices.Sort(terms)
	raw := fmt.Sprintf("g=%s|%s|k=%d", generation, strings.Join(terms, ","), topK)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
