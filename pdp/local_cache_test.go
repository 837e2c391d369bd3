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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheGetSet(t *testing.T) {
	c := NewLocalCache(10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", []byte("v"), 0)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	// Overwrite replaces the value in place.
	c.Set("k", []byte("v2"), 0)
	got, _ = c.Get("k")
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, 1, c.Len())
}

func TestLocalCacheTTLExpiry(t *testing.T) {
	c := NewLocalCache(10, time.Minute)
	c.Set("short", []byte("v"), 10*time.Millisecond)

	_, ok := c.Get("short")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestLocalCacheLRUEviction(t *testing.T) {
	c := NewLocalCache(3, time.Minute)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Set("c", []byte("3"), 0)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", []byte("4"), 0)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "key %s should survive", key)
	}
}

func TestLocalCacheHasDoesNotPromote(t *testing.T) {
	c := NewLocalCache(2, time.Minute)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)

	// Has must not refresh recency; "a" stays least recently used.
	assert.True(t, c.Has("a"))
	c.Set("c", []byte("3"), 0)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestLocalCacheCleanup(t *testing.T) {
	c := NewLocalCache(10, time.Minute)
	c.Set("keep", []byte("v"), time.Minute)
	c.Set("drop1", []byte("v"), 5*time.Millisecond)
	c.Set("drop2", []byte("v"), 5*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	removed := c.Cleanup()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("keep"))
}

func TestLocalCacheDeleteAndClear(t *testing.T) {
	c := NewLocalCache(10, time.Minute)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)

	c.Delete("a")
	assert.False(t, c.Has("a"))
	c.Delete("a") // idempotent

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("b"))
}

func TestLocalCacheStats(t *testing.T) {
	c := NewLocalCache(10, time.Minute)
	c.Set("k", []byte("v"), 0)

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)

	// Counters survive Clear.
	c.Clear()
	stats = c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, 0, stats.Size)
}

func TestLocalCacheDefaults(t *testing.T) {
	c := NewLocalCache(0, 0)
	assert.Equal(t, defaultCacheMaxSize, c.capacity)
	assert.Equal(t, defaultCacheTTL, c.defaultTTL)
}

func TestLocalCacheConcurrentAccess(t *testing.T) {
	c := NewLocalCache(100, time.Minute)
	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", i%50)
				c.Set(key, []byte{byte(g)}, 0)
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	assert.LessOrEqual(t, c.Len(), 100)
}
