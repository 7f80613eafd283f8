// Package cachegc provides a size-bounded in-memory cache with expiring entries.
package cachegc

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// Cache is a local in-memory caching layer. It is safe for concurrent use.
type Cache struct {
	lock sync.Mutex
	lru  simplelru.LRUCache
	TTL  time.Duration
	now  func() time.Time
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// NewCache creates a new caching layer that keeps the number of entries specified.
func NewCache(cache simplelru.LRUCache, ttl time.Duration) *Cache {
	return &Cache{lru: cache, TTL: ttl, now: time.Now}
}

// NewLRU creates a caching layer backed by a fresh LRU of the given size.
func NewLRU(size int, ttl time.Duration) (*Cache, error) {
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return NewCache(lru, ttl), nil
}

// Add stores an item, refreshing its expiry.
func (c *Cache) Add(key, value interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: c.now()})
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache) Get(key interface{}) (value interface{}, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entryI, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.now().Sub(entry.lastUpdated) > c.TTL {
		c.lru.Remove(key)
		c.gc()
		return nil, false
	}
	return entry.data, true
}

// AddIfAbsent stores an item unless a live entry exists.
// Reports whether the item was added.
func (c *Cache) AddIfAbsent(key, value interface{}) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	if entryI, ok := c.lru.Peek(key); ok {
		if now.Sub(entryI.(*cacheEntry).lastUpdated) <= c.TTL {
			return false
		}
	}
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: now})
	return true
}

// Remove drops an item.
func (c *Cache) Remove(key interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of entries, including expired ones not collected yet.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lru.Len()
}

// gc drops expired entries from the old end.
func (c *Cache) gc() {
	now := c.now()
	for {
		key, entryI, ok := c.lru.GetOldest()
		if !ok {
			return
		}
		if now.Sub(entryI.(*cacheEntry).lastUpdated) <= c.TTL {
			return
		}
		c.lru.Remove(key)
	}
}
