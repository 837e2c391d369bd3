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
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"modelgate/platform/shared/logger"
)

// RedisCache is the shared tier. Values cross the boundary as JSON and
// expiry is store-native. Every failure is swallowed: reads degrade to a
// miss, writes log and continue; the cache must never fail a request.
type RedisCache struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// NewRedisCache connects to Redis and verifies the connection. redisURL is
// the standard redis:// form; keyPrefix namespaces every key.
func NewRedisCache(redisURL, keyPrefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %v", ErrCache, err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to connect: %v", ErrCache, err)
	}

	return &RedisCache{
		client: client,
		prefix: keyPrefix,
		log:    logger.New("redis-cache"),
	}, nil
}

// newRedisCacheFromClient wires an existing client. Used by tests.
func newRedisCacheFromClient(client *redis.Client, keyPrefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: keyPrefix,
		log:    logger.New("redis-cache"),
	}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

// Get fetches the raw value for key. Any error, including redis.Nil, is a
// miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn("", "", "redis get failed, treating as miss", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}
	return data, true
}

// Set writes key with a TTL. Errors are logged and swallowed.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.log.Warn("", "", "redis set failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Delete removes key. Errors are logged and swallowed.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.log.Warn("", "", "redis delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Has reports key existence; errors read as absent.
func (c *RedisCache) Has(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// DeletePattern removes every key matching the glob pattern. The scan runs
// in batches so large keyspaces do not block Redis.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) int {
	deleted := 0
	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.Warn("", "", "redis delete failed during pattern sweep", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("", "", "redis scan failed", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
	}
	return deleted
}

// Incr atomically increments a counter key. Exposed because the rate
// limiter builds its fixed window on it.
func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrCache, key, err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrCache, key, err)
	}
	return nil
}

// Ping verifies the connection for health probes.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrCache, err)
	}
	return nil
}

// FlushPrefix removes everything under this cache's prefix.
func (c *RedisCache) FlushPrefix(ctx context.Context) {
	c.DeletePattern(ctx, "*")
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
