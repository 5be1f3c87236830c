// Package cache holds the last observed price per venue environment and symbol.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded last-price cache keyed by env and symbol.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]PriceEntry
}

// PriceEntry is one cached observation.
type PriceEntry struct {
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]PriceEntry)}
	}
	return c
}

// Key joins env and symbol.
func Key(env, symbol string) string { return env + ":" + symbol }

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price; source names who observed it (scan, ticker).
func (c *PriceCache) Set(env, symbol string, price float64, source string) {
	key := Key(env, symbol)
	s := c.shard(key)
	s.mu.Lock()
	s.items[key] = PriceEntry{Price: price, Source: source, UpdatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the cached entry.
func (c *PriceCache) Get(env, symbol string) (PriceEntry, bool) {
	key := Key(env, symbol)
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// Fresh returns the price when it is younger than maxAge.
func (c *PriceCache) Fresh(env, symbol string, maxAge time.Duration) (float64, bool) {
	e, ok := c.Get(env, symbol)
	if !ok || c.now().Sub(e.UpdatedAt) > maxAge {
		return 0, false
	}
	return e.Price, true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.UpdatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
