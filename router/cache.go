package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tenantCacheEntry pairs a resolved Target with when it expires.
type tenantCacheEntry struct {
	target    Target
	expiresAt time.Time
}

// tenantCache is the LRU+TTL cache for dynamically-resolved tenant targets
// (spec §4.3: maxCacheSize default 10,000, TTL default 3600s, oldest-first
// eviction on overflow, per-tenant invalidation).
type tenantCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, tenantCacheEntry]
	ttl   time.Duration
}

func newTenantCache(maxSize int, ttl time.Duration) *tenantCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 3600 * time.Second
	}
	c, _ := lru.New[string, tenantCacheEntry](maxSize)
	return &tenantCache{lru: c, ttl: ttl}
}

func cacheKey(tenantID, databaseType, tier string) string {
	return databaseType + "|" + tier + "|" + tenantID
}

func (c *tenantCache) get(tenantID, databaseType, tier string) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(cacheKey(tenantID, databaseType, tier))
	if !ok {
		return Target{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(cacheKey(tenantID, databaseType, tier))
		return Target{}, false
	}
	return entry.target, true
}

func (c *tenantCache) put(tenantID, databaseType, tier string, target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(cacheKey(tenantID, databaseType, tier), tenantCacheEntry{
		target:    target,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// invalidate drops every cached entry for one tenant across all database
// types and tiers.
func (c *tenantCache) invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if entryTenant(k) == tenantID {
			c.lru.Remove(k)
		}
	}
}

func entryTenant(key string) string {
	// cacheKey format is "databaseType|tier|tenantId"; tenantId is
	// everything after the second separator, including further pipes.
	sep := 0
	count := 0
	for i, r := range key {
		if r == '|' {
			count++
			if count == 2 {
				sep = i + 1
				break
			}
		}
	}
	if sep == 0 {
		return ""
	}
	return key[sep:]
}
