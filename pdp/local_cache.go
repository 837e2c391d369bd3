// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pdp

import (
	"container/list"
	"sync"
	"time"
)

// LocalCache is the in-process tier: a bounded LRU with per-entry TTL. A
// single mutex guards both the map and the recency list; LRU bookkeeping on
// reads requires exclusive access anyway.
type LocalCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[string]*list.Element
	lru        *list.List // front is most recently used

	hits   uint64
	misses uint64
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// LocalCacheStats is a point-in-time snapshot of the counters.
type LocalCacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// NewLocalCache creates a cache bounded to capacity entries. defaultTTL
// applies when Set is called with ttl <= 0.
func NewLocalCache(capacity int, defaultTTL time.Duration) *LocalCache {
	if capacity <= 0 {
		capacity = defaultCacheMaxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	return &LocalCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Get returns the value for key if present and not expired, promoting the
// entry to most recently used. Expired entries are evicted on the spot.
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*localEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set inserts or overwrites key. When the key is new and the cache is at
// capacity, the least recently used entry is evicted first.
func (c *LocalCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}

	if c.lru.Len() >= c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	elem := c.lru.PushFront(&localEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	c.entries[key] = elem
}

// Has reports whether key is present and fresh, without promoting it.
func (c *LocalCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(elem.Value.(*localEntry).expiresAt) {
		c.removeLocked(elem)
		return false
	}
	return true
}

// Delete removes key if present.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Cleanup sweeps all expired entries and returns how many were removed.
func (c *LocalCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*localEntry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Clear drops every entry. Counters are preserved.
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns the hit/miss counters and current size.
func (c *LocalCache) Stats() LocalCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LocalCacheStats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   c.lru.Len(),
	}
}

// Len returns the number of entries, expired or not.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *LocalCache) removeLocked(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.entries, elem.Value.(*localEntry).key)
}
