package rules

import "time"

// CatalogCache holds the catalog compiled from a store's active rules.
// Compiling is the expensive step of loading a ruleset, so a Ruleset only
// recompiles after a mutation or when the cached entry expires.
type CatalogCache interface {
	// Get returns the cached catalog, or nil on a miss or expiry
	Get() *Catalog

	// Set stores a catalog
	Set(c *Catalog)

	// Invalidate clears the cache, forcing a recompile on next access
	Invalidate()

	// IsValid returns true if the cache holds a live catalog
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live of a cached catalog.
	// Zero means no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig only invalidates on mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
