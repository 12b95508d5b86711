package rules

import (
	"sync"
	"time"
)

// InMemoryCatalogCache is an in-memory CatalogCache.
// Thread-safe for concurrent access.
type InMemoryCatalogCache struct {
	catalog  *Catalog
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryCatalogCache creates an empty cache
func NewInMemoryCatalogCache(config CacheConfig) *InMemoryCatalogCache {
	return &InMemoryCatalogCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns the cached catalog, nil if empty or expired
func (c *InMemoryCatalogCache) Get() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.live() {
		return nil
	}
	return c.catalog
}

// Set stores a catalog. Catalogs are immutable so no copy is taken.
func (c *InMemoryCatalogCache) Set(catalog *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.catalog = catalog
	c.cachedAt = c.now()
}

// Invalidate clears the cache
func (c *InMemoryCatalogCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.catalog = nil
}

// IsValid returns true if the cache holds a live catalog
func (c *InMemoryCatalogCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.live()
}

func (c *InMemoryCatalogCache) live() bool {
	if c.catalog == nil {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}
