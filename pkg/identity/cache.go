// Copyright 2024-2026 Aiku AI

package identity

import (
	"sync"
	"time"
)

const (
	DefaultCacheTTL        = 24 * time.Hour
	DefaultCacheMaxEntries = 10000
)

type cacheEntry struct {
	value   string
	added   time.Time
	expires time.Time
}

// Cache is a bidirectional anonymized id <-> address map with a TTL. Both
// directions of a pair are written and evicted together.
type Cache struct {
	mu         sync.RWMutex
	forward    map[string]cacheEntry
	reverse    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCache returns an empty cache. Zero arguments select the defaults.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &Cache{
		forward:    make(map[string]cacheEntry),
		reverse:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Put stores the pair in both directions, replacing any earlier pair that
// shared either side.
func (c *Cache) Put(anonymizedID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.forward[anonymizedID]; ok {
		delete(c.reverse, old.value)
	}
	if old, ok := c.reverse[address]; ok {
		delete(c.forward, old.value)
	}
	if len(c.forward) >= c.maxEntries {
		c.evictLocked(now)
	}
	expires := now.Add(c.ttl)
	c.forward[anonymizedID] = cacheEntry{value: address, added: now, expires: expires}
	c.reverse[address] = cacheEntry{value: anonymizedID, added: now, expires: expires}
}

// Address returns the cached address for an anonymized id.
func (c *Cache) Address(anonymizedID string) (string, bool) {
	return c.get(c.forward, anonymizedID)
}

// AnonymizedID returns the cached anonymized id for an address.
func (c *Cache) AnonymizedID(address string) (string, bool) {
	return c.get(c.reverse, address)
}

func (c *Cache) get(m map[string]cacheEntry, key string) (string, bool) {
	c.mu.RLock()
	e, ok := m[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

// Len returns the number of cached pairs, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.forward)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward = make(map[string]cacheEntry)
	c.reverse = make(map[string]cacheEntry)
}

// evictLocked drops expired pairs, then the oldest pair if still full.
func (c *Cache) evictLocked(now time.Time) {
	for anon, e := range c.forward {
		if now.After(e.expires) {
			delete(c.forward, anon)
			delete(c.reverse, e.value)
		}
	}
	if len(c.forward) < c.maxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for anon, e := range c.forward {
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey, oldest = anon, e.added
		}
	}
	if e, ok := c.forward[oldestKey]; ok {
		delete(c.forward, oldestKey)
		delete(c.reverse, e.value)
	}
}
