package report

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CacheMetrics receives hit and miss counts
type CacheMetrics interface {
	IncrementCacheHit()
	IncrementCacheMiss()
}

type cacheItem struct {
	data      []byte
	expiresAt time.Time
}

func (c *cacheItem) expired(now time.Time) bool {
	return now.After(c.expiresAt)
}

// Cache holds encoded reports by run ID with a TTL
type Cache struct {
	mu      sync.RWMutex
	items   map[string]*cacheItem
	ttl     time.Duration
	metrics CacheMetrics
	now     func() time.Time
}

// NewCache creates a cache; metrics may be nil
func NewCache(ttl time.Duration, metrics CacheMetrics) *Cache {
	return &Cache{
		items:   make(map[string]*cacheItem),
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start evicts expired entries every interval until ctx is done
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.evictExpired(); n > 0 {
				slog.Debug("Report cache evicted expired entries", "count", n)
			}
		}
	}
}

func (c *Cache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Get returns the encoded report for runID if present and fresh
func (c *Cache) Get(runID string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[runID]
	c.mu.RUnlock()

	if !ok || item.expired(c.now()) {
		if ok {
			c.Delete(runID)
		}
		c.count(false)
		return nil, false
	}
	c.count(true)
	return item.data, true
}

// Set stores an encoded report
func (c *Cache) Set(runID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[runID] = &cacheItem{data: data, expiresAt: c.now().Add(c.ttl)}
}

// Delete drops a run, used when its tickets change
func (c *Cache) Delete(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, runID)
}

// Clear removes everything
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheItem)
}

// Size returns the number of entries, expired included
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Stats returns cache statistics
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	expired := 0
	for _, item := range c.items {
		if item.expired(now) {
			expired++
		}
	}

	return map[string]interface{}{
		"total_items":   len(c.items),
		"expired_items": expired,
		"active_items":  len(c.items) - expired,
		"ttl_seconds":   c.ttl.Seconds(),
	}
}

func (c *Cache) count(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.IncrementCacheHit()
	} else {
		c.metrics.IncrementCacheMiss()
	}
}
