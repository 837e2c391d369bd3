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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret"

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

// echoUser replies with the user and team the middleware put in context.
func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := r.Context().Value(userIDContextKey).(string)
		team, _ := r.Context().Value(teamIDContextKey).(string)
		_ = json.NewEncoder(w).Encode(map[string]string{"user": user, "team": team})
	})
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	handler := NewAuthMiddleware(true, testJWTSecret).Handler(echoUser())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{
		"sub":  "u-1",
		"team": "t-1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u-1", body["user"])
	assert.Equal(t, "t-1", body["team"])
}

func TestAuthMiddlewareRejections(t *testing.T) {
	handler := NewAuthMiddleware(true, testJWTSecret).Handler(echoUser())

	expired := signedToken(t, jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var envelope apiError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, "UNAUTHORIZED", envelope.Error.Code)
		})
	}
}

func TestAuthMiddlewareProbesExempt(t *testing.T) {
	handler := NewAuthMiddleware(true, testJWTSecret).Handler(echoUser())

	for _, path := range []string{"/health", "/ready", "/metrics", "/prometheus"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "probe %s must bypass auth", path)
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	handler := NewAuthMiddleware(false, "").Handler(echoUser())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterAllow(t *testing.T) {
	cache, _ := testRedisCache(t)
	l := NewRateLimiter(cache, time.Minute, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "u-1"), "request %d is within budget", i+1)
	}
	assert.False(t, l.Allow(ctx, "u-1"), "fourth request exceeds the budget")

	// Budgets are per caller.
	assert.True(t, l.Allow(ctx, "u-2"))
}

func TestRateLimiterSubSecondWindow(t *testing.T) {
	cache, _ := testRedisCache(t)
	l := NewRateLimiter(cache, 500*time.Millisecond, 2, nil)
	ctx := context.Background()

	// Sub-second windows are valid configuration; the first call must not
	// panic and the budget must still bite. Ten rapid calls span at most
	// two windows, so with a budget of two at least one is rejected.
	denied := 0
	for i := 0; i < 10; i++ {
		if !l.Allow(ctx, "u-1") {
			denied++
		}
	}
	assert.Greater(t, denied, 0)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	cache, mr := testRedisCache(t)
	l := NewRateLimiter(cache, time.Minute, 1, nil)
	mr.Close()

	assert.True(t, l.Allow(context.Background(), "u-1"))
	assert.True(t, l.Allow(context.Background(), "u-1"))
}

func TestRateLimiterNilCache(t *testing.T) {
	l := NewRateLimiter(nil, time.Minute, 1, nil)
	assert.True(t, l.Allow(context.Background(), "u-1"))
	assert.True(t, l.Allow(context.Background(), "u-1"))
}

func TestRateLimiterHandler(t *testing.T) {
	cache, _ := testRedisCache(t)
	l := NewRateLimiter(cache, time.Minute, 1, nil)

	handler := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", nil)
	req.RemoteAddr = "10.0.0.1:4444"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var envelope apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "RATE_LIMITED", envelope.Error.Code)

	// Probes are never limited.
	probe := httptest.NewRequest(http.MethodGet, "/health", nil)
	probe.RemoteAddr = "10.0.0.1:4444"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, probe)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallerIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "192.0.2.7", callerIdentity(req))

	// An authenticated user takes precedence over the address.
	req = req.WithContext(context.WithValue(req.Context(), userIDContextKey, "u-1"))
	assert.Equal(t, "u-1", callerIdentity(req))
}
