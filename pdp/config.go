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
	"net/url"
	"os"
	"strconv"
	"time"
)

// Configuration defaults. Cache sizing is shared with LocalCache, which
// falls back to these when constructed with zero values.
const (
	defaultCacheTTL     = 300 * time.Second
	defaultCacheMaxSize = 10000

	defaultServerPort        = 8080
	defaultRateLimitWindow   = 60 * time.Second
	defaultRateLimitRequests = 1000
	defaultMaxEvaluationTime = 100 * time.Millisecond
	defaultMaxPolicySizeMB   = 10
	defaultAuditQueueSize    = 1000
	defaultAuditBatchSize    = 50
	defaultPolicyRefresh     = 30 * time.Second
)

// Config is the full runtime configuration, loaded from the environment
// (12-Factor). Every field has a usable default except the database URL,
// which is required.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Auth        AuthConfig
	Performance PerformanceConfig
	Audit       AuditConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	URL       string // empty disables the shared cache tier
	KeyPrefix string
}

type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	MaxSize int
}

type RateLimitConfig struct {
	Enabled     bool
	Window      time.Duration
	MaxRequests int
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
}

type PerformanceConfig struct {
	MaxEvaluationTime time.Duration
	MaxPolicySizeMB   int
	RefreshInterval   time.Duration
}

type AuditConfig struct {
	Enabled   bool
	QueueSize int
	BatchSize int
	Retention int // days; 0 disables the retention sweeper
}

// LoadConfig reads the environment. It fails only on unusable values, not
// on missing optional ones.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("PDP_HOST", "0.0.0.0"),
			Port: getEnvInt("PDP_PORT", defaultServerPort),
		},
		Database: DatabaseConfig{
			URL:          buildDatabaseURL(),
			MaxOpenConns: getEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "pdp:"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			TTL:     getEnvDuration("CACHE_TTL", defaultCacheTTL),
			MaxSize: getEnvInt("CACHE_MAX_SIZE", defaultCacheMaxSize),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("RATE_LIMIT_ENABLED", false),
			Window:      getEnvDuration("RATE_LIMIT_WINDOW", defaultRateLimitWindow),
			MaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", defaultRateLimitRequests),
		},
		Auth: AuthConfig{
			Enabled:   getEnvBool("AUTH_ENABLED", false),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Performance: PerformanceConfig{
			MaxEvaluationTime: getEnvDuration("MAX_EVALUATION_TIME", defaultMaxEvaluationTime),
			MaxPolicySizeMB:   getEnvInt("MAX_POLICY_SIZE_MB", defaultMaxPolicySizeMB),
			RefreshInterval:   getEnvDuration("POLICY_REFRESH_INTERVAL", defaultPolicyRefresh),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_ENABLED", true),
			QueueSize: getEnvInt("AUDIT_QUEUE_SIZE", defaultAuditQueueSize),
			BatchSize: getEnvInt("AUDIT_BATCH_SIZE", defaultAuditBatchSize),
			Retention: getEnvInt("AUDIT_RETENTION_DAYS", 0),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL (or DATABASE_HOST/DATABASE_PASSWORD) is required")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED=true")
	}

	return cfg, nil
}

// buildDatabaseURL assembles a connection string from separate env vars,
// URL-encoding the password, with DATABASE_URL as the fallback.
func buildDatabaseURL() string {
	host := os.Getenv("DATABASE_HOST")
	password := os.Getenv("DATABASE_PASSWORD")
	if host == "" || password == "" {
		return os.Getenv("DATABASE_URL")
	}

	port := getEnv("DATABASE_PORT", "5432")
	name := getEnv("DATABASE_NAME", "pdp")
	user := getEnv("DATABASE_USER", "pdp")
	sslMode := getEnv("DATABASE_SSLMODE", "require")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, url.QueryEscape(password), host, port, name, sslMode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept either a Go duration ("250ms") or bare milliseconds ("250").
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
