package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is a size-bounded in-process cache with a single TTL for all entries.
type LRUCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUCache creates a cache holding at most size entries for ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get implements Cache. The returned slice is a copy.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Set implements Cache. The per-call ttl is ignored; entries use the cache TTL.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.lru.Add(key, append([]byte(nil), value...))
}

// Len returns the number of live entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

var _ Cache = (*LRUCache)(nil)
