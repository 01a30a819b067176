// ichigyo/helpers_cache.go
// Contains the in-memory lint result cache (Ristretto).
package ichigyo

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ============================================================================
// Lint Result Cache
// ============================================================================

// LintCache memoizes linter messages per (file, work dir, content) for the
// lifetime of the process. Invalidate drops every entry, which is how linter
// configuration changes take effect.
type LintCache struct {
	cache      *ristretto.Cache[string, []LinterMessage]
	ttl        atomic.Int64 // time.Duration
	generation atomic.Uint64
}

// NewLintCache creates a cache bounded by maxCost bytes of message data.
func NewLintCache(maxCost int64, ttl time.Duration) (*LintCache, error) {
	if maxCost <= 0 {
		maxCost = defaultCacheMaxCost
	}
	if ttl <= 0 {
		ttl = defaultCacheTTLSecs * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []LinterMessage]{
		NumCounters: max(maxCost/1024*10, 1000), // ~10x expected items of ~1KiB
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lint cache: %w", err)
	}
	lc := &LintCache{cache: c}
	lc.ttl.Store(int64(ttl))
	return lc, nil
}

// Key builds the cache key for one lint invocation.
func (c *LintCache) Key(filePath, workDir, text string) string {
	return fmt.Sprintf("%d:%s:%s:%s", c.generation.Load(), filePath, workDir, hashText(text))
}

// Get returns cached messages for key.
func (c *LintCache) Get(key string) ([]LinterMessage, bool) {
	return c.cache.Get(key)
}

// Set stores messages under key. Ristretto may drop the write under pressure.
func (c *LintCache) Set(key string, messages []LinterMessage) bool {
	return c.cache.SetWithTTL(key, messages, estimateCost(messages), time.Duration(c.ttl.Load()))
}

// SetTTL changes the TTL used for subsequent writes.
func (c *LintCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

// Invalidate clears all entries and bumps the key generation so that writes
// racing with the clear can never be read back.
func (c *LintCache) Invalidate() {
	c.generation.Add(1)
	c.cache.Clear()
}

// Wait blocks until buffered writes have been applied.
func (c *LintCache) Wait() {
	c.cache.Wait()
}

// Metrics exposes ristretto's hit/miss counters.
func (c *LintCache) Metrics() *ristretto.Metrics {
	return c.cache.Metrics
}

// Close releases the cache's background goroutines.
func (c *LintCache) Close() {
	c.cache.Close()
}

// withLintCache wraps a lint computation with cache lookup and store.
// Returns the messages (cached or computed), whether it was a hit, and any error from computeFn.
// Errors are never cached.
func withLintCache(cache *LintCache, key string, computeFn func() ([]LinterMessage, error), logger *slog.Logger) ([]LinterMessage, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		result, err := computeFn()
		return result, false, err
	}
	cacheLogger := logger.With("cache_key", key)

	if cached, found := cache.Get(key); found {
		cacheLogger.Debug("Lint cache hit")
		return cached, true, nil
	}
	cacheLogger.Debug("Lint cache miss")

	computed, err := computeFn()
	if err != nil {
		return nil, false, err
	}
	if !cache.Set(key, computed) {
		cacheLogger.Debug("Lint cache Set dropped, result not cached")
	}
	return computed, false, nil
}

// estimateCost approximates the memory held by a message slice.
func estimateCost(messages []LinterMessage) int64 {
	cost := int64(64)
	for _, m := range messages {
		cost += int64(64 + len(m.RuleID) + len(m.Message))
		if m.Fix != nil {
			cost += int64(32 + len(m.Fix.Text))
		}
	}
	return cost
}
