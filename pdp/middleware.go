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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"modelgate/platform/shared/logger"
)

// contextKey is a private type for request context keys.
type contextKey string

const (
	userIDContextKey  contextKey = "user_id"
	teamIDContextKey  contextKey = "team_id"
	claimsContextKey  contextKey = "claims"
	rateLimitPrefix              = "ratelimit:"
)

// AuthMiddleware validates Bearer JWTs and stashes the subject and team
// claims in the request context. Probe endpoints are always exempt.
type AuthMiddleware struct {
	secret  []byte
	enabled bool
	log     *logger.Logger
}

// NewAuthMiddleware creates the middleware. When disabled it passes every
// request through untouched.
func NewAuthMiddleware(enabled bool, secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secret:  []byte(secret),
		enabled: enabled,
		log:     logger.New("auth"),
	}
}

// Handler wraps next with token validation.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeAuthError(w, "missing bearer token")
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			m.log.Warn("", "", "rejected token", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeAuthError(w, "invalid token")
			return
		}

		ctx := r.Context()
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			if sub, _ := claims["sub"].(string); sub != "" {
				ctx = context.WithValue(ctx, userIDContextKey, sub)
			}
			if team, _ := claims["team"].(string); team != "" {
				ctx = context.WithValue(ctx, teamIDContextKey, team)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isProbePath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics", "/prometheus":
		return true
	}
	return false
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(apiError{Error: apiErrorDetail{
		Code:    "UNAUTHORIZED",
		Message: message,
	}})
}

// RateLimiter is a fixed-window limiter on Redis INCR/EXPIRE, keyed per
// caller. Redis failures fail open: limiting is protection, not a
// correctness requirement, and it must never take the service down.
type RateLimiter struct {
	cache       *RedisCache
	window      time.Duration
	maxRequests int
	metrics     *Metrics
	log         *logger.Logger
}

// NewRateLimiter creates a limiter over the shared Redis tier. A nil cache
// disables limiting entirely.
func NewRateLimiter(cache *RedisCache, window time.Duration, maxRequests int, metrics *Metrics) *RateLimiter {
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	if maxRequests <= 0 {
		maxRequests = defaultRateLimitRequests
	}
	return &RateLimiter{
		cache:       cache,
		window:      window,
		maxRequests: maxRequests,
		metrics:     metrics,
		log:         logger.New("rate-limiter"),
	}
}

// Allow reports whether the caller is within its window budget.
func (l *RateLimiter) Allow(ctx context.Context, caller string) bool {
	if l == nil || l.cache == nil {
		return true
	}

	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	window := time.Now().UnixMilli() / windowMs
	key := fmt.Sprintf("%s%s:%d", rateLimitPrefix, caller, window)

	count, err := l.cache.Incr(ctx, key)
	if err != nil {
		l.log.Warn("", "", "rate limit check failed, failing open", map[string]interface{}{
			"caller": caller,
			"error":  err.Error(),
		})
		return true
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := l.cache.Expire(ctx, key, l.window+time.Second); err != nil {
			l.log.Warn("", "", "failed to set rate limit expiry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return count <= int64(l.maxRequests)
}

// Handler wraps next with per-caller limiting. The caller identity is the
// authenticated user when present, the remote IP otherwise.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !l.Allow(r.Context(), callerIdentity(r)) {
			l.metrics.rateLimitHit()
			w.Header().Set("Content-Type", "application/json")
			retryAfter := int(l.window.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(apiError{Error: apiErrorDetail{
				Code:    "RATE_LIMITED",
				Message: "rate limit exceeded",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerIdentity(r *http.Request) string {
	if id, ok := r.Context().Value(userIDContextKey).(string); ok && id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
