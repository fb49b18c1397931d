package threat

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize bounds the number of cached verdicts
	DefaultCacheSize = 10000
	// DefaultCacheTTL is how long a verdict stays fresh
	DefaultCacheTTL = 24 * time.Hour
)

// IOCCache caches merged verdicts by type and value
type IOCCache struct {
	lru *expirable.LRU[string, *ThreatIntel]
}

// NewIOCCache creates a bounded cache; non-positive arguments use the defaults
func NewIOCCache(size int, ttl time.Duration) *IOCCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &IOCCache{lru: expirable.NewLRU[string, *ThreatIntel](size, nil, ttl)}
}

func cacheKey(iocType IOCType, value string) string {
	return string(iocType) + ":" + normalize(value)
}

// Get retrieves a cached verdict
func (c *IOCCache) Get(iocType IOCType, value string) (*ThreatIntel, bool) {
	return c.lru.Get(cacheKey(iocType, value))
}

// Set stores a verdict
func (c *IOCCache) Set(iocType IOCType, value string, intel *ThreatIntel) {
	c.lru.Add(cacheKey(iocType, value), intel)
}

// Len returns the number of live entries
func (c *IOCCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry
func (c *IOCCache) Purge() {
	c.lru.Purge()
}
