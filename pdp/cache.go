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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Cache key namespaces.
const (
	evaluationKeyPrefix = "evaluation:"
	policyKeyPrefix     = "policy:"
)

// TieredCache layers the local LRU over the shared Redis tier. Reads
// consult local first and back-fill it on a shared-tier hit; writes and
// deletes go to both tiers. When disabled, every operation is a uniform
// miss/no-op.
type TieredCache struct {
	enabled    bool
	local      *LocalCache
	remote     *RedisCache // nil when no shared tier is configured
	defaultTTL time.Duration
	metrics    *Metrics
}

// NewTieredCache assembles the two tiers. remote may be nil for a purely
// local deployment.
func NewTieredCache(enabled bool, local *LocalCache, remote *RedisCache, defaultTTL time.Duration, metrics *Metrics) *TieredCache {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	return &TieredCache{
		enabled:    enabled,
		local:      local,
		remote:     remote,
		defaultTTL: defaultTTL,
		metrics:    metrics,
	}
}

// Enabled reports whether the cache participates in request handling.
func (c *TieredCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get returns the cached value for key, back-filling the local tier with
// the default TTL on a shared-tier hit.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}

	if value, ok := c.local.Get(key); ok {
		c.metrics.cacheHit("local")
		return value, true
	}

	if c.remote != nil {
		if value, ok := c.remote.Get(ctx, key); ok {
			c.local.Set(key, value, c.defaultTTL)
			c.metrics.cacheHit("shared")
			return value, true
		}
	}

	c.metrics.cacheMiss()
	return nil, false
}

// Set writes the value to both tiers with the requested TTL.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.local.Set(key, value, ttl)
	if c.remote != nil {
		c.remote.Set(ctx, key, value, ttl)
	}
}

// Delete removes the key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	c.local.Delete(key)
	if c.remote != nil {
		c.remote.Delete(ctx, key)
	}
}

// Has reports whether either tier holds a fresh entry.
func (c *TieredCache) Has(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}
	if c.local.Has(key) {
		return true
	}
	return c.remote != nil && c.remote.Has(ctx, key)
}

// GetOrSet returns the cached value or computes, stores, and returns it.
func (c *TieredCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}
	value, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}

// DeletePattern sweeps the shared tier only; local entries are left to
// expire by TTL. Cross-process staleness is bounded by the TTL.
func (c *TieredCache) DeletePattern(ctx context.Context, pattern string) int {
	if !c.Enabled() || c.remote == nil {
		return 0
	}
	return c.remote.DeletePattern(ctx, pattern)
}

// Clear drops the local tier and sweeps the shared prefix.
func (c *TieredCache) Clear(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	c.local.Clear()
	if c.remote != nil {
		c.remote.FlushPrefix(ctx)
	}
}

// Healthy probes the shared tier. A purely local cache is always healthy.
func (c *TieredCache) Healthy(ctx context.Context) bool {
	if !c.Enabled() || c.remote == nil {
		return true
	}
	return c.remote.Ping(ctx) == nil
}

// InvalidatePolicy removes a policy's cache entry after a store mutation.
func (c *TieredCache) InvalidatePolicy(ctx context.Context, policyID string) {
	c.Delete(ctx, policyKeyPrefix+policyID)
}

// EvaluationCacheKey fingerprints an evaluation: SHA-256 over the canonical
// JSON of the context plus the sorted policy IDs. Sorting makes the key
// independent of the order the caller listed policies in.
func EvaluationCacheKey(ctx EvaluationContext, policies []string) (string, error) {
	sorted := make([]string, len(policies))
	copy(sorted, policies)
	sort.Strings(sorted)

	payload := map[string]interface{}{
		"context":  ctx,
		"policies": sorted,
	}
	data, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return evaluationKeyPrefix + hex.EncodeToString(sum[:]), nil
}
