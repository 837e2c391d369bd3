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
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

// Run boots the policy decision point: configuration, database, cache,
// engine, HTTP server, background refresh, and graceful shutdown. It blocks
// until the process receives SIGINT or SIGTERM.
func Run() {
	log.Println("Starting ModelGate PDP...")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer func() { _ = db.Close() }()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()
	if err := db.PingContext(bootCtx); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}

	metrics := NewMetrics()

	var remote *RedisCache
	if cfg.Redis.URL != "" {
		remote, err = NewRedisCache(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			// The shared tier is optional; run local-only rather than refuse
			// to start.
			log.Printf("redis unavailable, running with local cache only: %v", err)
			remote = nil
		} else {
			defer func() { _ = remote.Close() }()
		}
	}

	local := NewLocalCache(cfg.Cache.MaxSize, cfg.Cache.TTL)
	cache := NewTieredCache(cfg.Cache.Enabled, local, remote, cfg.Cache.TTL, metrics)

	store := NewPolicyStore(db)
	if err := store.InitSchema(bootCtx); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	var audit *AuditLog
	if cfg.Audit.Enabled {
		audit = NewAuditLog(db, cfg.Audit.QueueSize, cfg.Audit.BatchSize, metrics)
		if err := audit.InitSchema(bootCtx); err != nil {
			log.Fatalf("audit schema init failed: %v", err)
		}
		defer audit.Close()
	}

	engine := NewPolicyEngine()
	service := NewDecisionService(engine, cache, store, audit, metrics, cfg)
	if err := service.RefreshPolicies(bootCtx); err != nil {
		log.Fatalf("initial policy load failed: %v", err)
	}
	log.Printf("loaded %d active policies", engine.Count())

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startBackgroundTasks(runCtx, service, local, audit, cfg)

	r := mux.NewRouter()
	handler := NewAPIHandler(service, cache, metrics, cfg)
	handler.RegisterRoutes(r)

	var root http.Handler = r
	if cfg.RateLimit.Enabled && remote != nil {
		limiter := NewRateLimiter(remote, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, metrics)
		root = limiter.Handler(root)
	}
	auth := NewAuthMiddleware(cfg.Auth.Enabled, cfg.Auth.JWTSecret)
	root = auth.Handler(root)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	root = c.Handler(root)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ModelGate PDP listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-runCtx.Done()
	log.Println("shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
	log.Println("ModelGate PDP stopped")
}

// startBackgroundTasks launches the periodic workers: policy refresh from
// the store, expired-entry sweep on the local cache, and audit retention
// when configured.
func startBackgroundTasks(ctx context.Context, service *DecisionService, local *LocalCache, audit *AuditLog, cfg *Config) {
	go func() {
		ticker := time.NewTicker(cfg.Performance.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := service.RefreshPolicies(refreshCtx); err != nil {
					log.Printf("policy refresh failed: %v", err)
				}
				cancel()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				local.Cleanup()
			}
		}
	}()

	if audit != nil && cfg.Audit.Retention > 0 {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
					if n, err := audit.DeleteOlderThan(purgeCtx, cfg.Audit.Retention); err != nil {
						log.Printf("audit purge failed: %v", err)
					} else if n > 0 {
						log.Printf("purged %d audit records older than %d days", n, cfg.Audit.Retention)
					}
					cancel()
				}
			}
		}()
	}
}
