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
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/shared/logger"
)

// maxBatchSize bounds a single batch evaluation call.
const maxBatchSize = 100

// DecisionService is the front door for evaluations and policy management.
// It composes the engine, the tiered cache, the store, and the audit trail;
// the HTTP handlers are a thin layer over it.
type DecisionService struct {
	engine  *PolicyEngine
	cache   *TieredCache
	store   *PolicyStore
	audit   *AuditLog
	metrics *Metrics
	log     *logger.Logger

	maxEvaluationTime time.Duration
	cacheTTL          time.Duration
}

// NewDecisionService wires the service. store and audit may be nil for
// engine-only setups (tests, embedded use); caching degrades through the
// TieredCache's own enabled flag.
func NewDecisionService(engine *PolicyEngine, cache *TieredCache, store *PolicyStore, audit *AuditLog, metrics *Metrics, cfg *Config) *DecisionService {
	s := &DecisionService{
		engine:            engine,
		cache:             cache,
		store:             store,
		audit:             audit,
		metrics:           metrics,
		log:               logger.New("decision-service"),
		maxEvaluationTime: defaultMaxEvaluationTime,
		cacheTTL:          defaultCacheTTL,
	}
	if cfg != nil {
		if cfg.Performance.MaxEvaluationTime > 0 {
			s.maxEvaluationTime = cfg.Performance.MaxEvaluationTime
		}
		if cfg.Cache.TTL > 0 {
			s.cacheTTL = cfg.Cache.TTL
		}
	}
	return s
}

// Evaluate runs one evaluation end to end: cache lookup, engine run, cache
// write, audit. A request is cache-eligible only when the caller opted in
// and neither tracing nor dry-run is set.
func (s *DecisionService) Evaluate(ctx context.Context, req *EvaluationRequest) (*EvaluationResponse, error) {
	if req == nil || req.Context == nil {
		return nil, validationError("evaluation context is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, s.maxEvaluationTime)
	defer cancel()

	start := time.Now()
	cacheable := s.cache.Enabled() && req.UseCache && !req.Trace && !req.DryRun

	var key string
	if cacheable {
		k, err := EvaluationCacheKey(req.Context, s.cacheKeyPolicies(req.Policies))
		if err == nil {
			key = k
			if data, ok := s.cache.Get(ctx, key); ok {
				var decision PolicyDecision
				if err := json.Unmarshal(data, &decision); err == nil {
					resp := &EvaluationResponse{
						RequestID: req.RequestID,
						Decision:  &decision,
						Timestamp: time.Now().UTC(),
						Cached:    true,
					}
					s.metrics.observeEvaluation(decision.Decision, true, time.Since(start).Seconds())
					s.log.InfoWithDecision("", req.RequestID, "evaluation served from cache",
						string(decision.Decision), decision.EvaluationTimeMs, map[string]interface{}{
							"cached": true,
						})
					s.audit.Record(req, resp)
					return resp, nil
				}
				// Corrupt entry: drop it and fall through to a fresh run.
				s.cache.Delete(ctx, key)
			}
		} else {
			s.log.Warn("", req.RequestID, "failed to fingerprint request, skipping cache", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	decision, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &EvaluationResponse{
		RequestID: req.RequestID,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
		Cached:    false,
	}

	if cacheable && key != "" {
		if data, err := json.Marshal(decision); err == nil {
			s.cache.Set(ctx, key, data, s.cacheTTL)
		}
	}

	s.metrics.observeEvaluation(decision.Decision, false, time.Since(start).Seconds())
	s.log.InfoWithDecision("", req.RequestID, "evaluation complete",
		string(decision.Decision), decision.EvaluationTimeMs, map[string]interface{}{
			"matched_policies": len(decision.MatchedPolicies),
		})
	if !req.DryRun {
		s.audit.Record(req, resp)
	}
	return resp, nil
}

// BatchResult carries one outcome of a batch evaluation. Exactly one of
// Response and Error is set.
type BatchResult struct {
	Response *EvaluationResponse `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// BatchEvaluate runs up to maxBatchSize independent evaluations
// concurrently and returns results in request order. One failing item does
// not fail its siblings.
func (s *DecisionService) BatchEvaluate(ctx context.Context, reqs []*EvaluationRequest) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, validationError("batch is empty")
	}
	if len(reqs) > maxBatchSize {
		return nil, validationError("batch size %d exceeds maximum of %d", len(reqs), maxBatchSize)
	}

	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *EvaluationRequest) {
			defer wg.Done()
			resp, err := s.Evaluate(ctx, req)
			if err != nil {
				results[i] = BatchResult{Error: err.Error()}
				return
			}
			results[i] = BatchResult{Response: resp}
		}(i, req)
	}
	wg.Wait()
	return results, nil
}

// Simulate evaluates with tracing forced on and no side effects: nothing is
// cached and nothing is audited.
func (s *DecisionService) Simulate(ctx context.Context, req *EvaluationRequest) (*EvaluationResponse, error) {
	if req == nil || req.Context == nil {
		return nil, validationError("evaluation context is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, s.maxEvaluationTime)
	defer cancel()

	decision, err := s.engine.Simulate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &EvaluationResponse{
		RequestID: req.RequestID,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
		Cached:    false,
	}, nil
}

// cacheKeyPolicies resolves the policy-ID component of the cache key. An
// explicit subset keys on itself; "all policies" keys on the active set so
// the key shifts when the set changes.
func (s *DecisionService) cacheKeyPolicies(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	active := s.engine.List()
	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.Metadata.ID)
	}
	return ids
}

// CreatePolicy validates, persists, and activates a policy.
func (s *DecisionService) CreatePolicy(ctx context.Context, p *Policy, actor string) (*Policy, error) {
	if result := ValidatePolicy(p); !result.Valid {
		return nil, validationError("invalid policy: %v", result.Errors)
	}
	created, err := s.store.Create(ctx, p, actor)
	if err != nil {
		return nil, err
	}
	s.engine.Add(created)
	return created, nil
}

// GetPolicy fetches one policy from the store.
func (s *DecisionService) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return s.store.FindByID(ctx, id)
}

// ListPolicies pages through the store.
func (s *DecisionService) ListPolicies(ctx context.Context, namespace string, status PolicyStatus, limit, offset int) ([]*Policy, int, error) {
	return s.store.List(ctx, namespace, status, limit, offset)
}

// UpdatePolicy applies a partial update, refreshes the engine's view, and
// invalidates the policy's cache entry.
func (s *DecisionService) UpdatePolicy(ctx context.Context, id string, update PolicyUpdate) (*Policy, error) {
	if update.Rules != nil {
		probe := &Policy{
			Metadata: PolicyMetadata{ID: id, Name: "probe", Version: "0", Namespace: "probe"},
			Rules:    update.Rules,
			Status:   StatusActive,
		}
		if result := ValidatePolicy(probe); !result.Valid {
			return nil, validationError("invalid rules: %v", result.Errors)
		}
	}

	updated, err := s.store.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	s.engine.Update(updated)
	s.cache.InvalidatePolicy(ctx, id)
	return updated, nil
}

// DeletePolicy removes a policy from the store, the engine, and the cache.
func (s *DecisionService) DeletePolicy(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.engine.Remove(id)
	s.cache.InvalidatePolicy(ctx, id)
	return nil
}

// ValidatePolicyDocument parses a YAML or JSON policy document and runs the
// schema validator. Parse failures are reported as a validation result, not
// an error, so the endpoint always answers 200.
func (s *DecisionService) ValidatePolicyDocument(data []byte) ValidationResult {
	p, err := ParsePolicy(data)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidatePolicy(p)
}

// RefreshPolicies reloads the active set from the store into the engine.
func (s *DecisionService) RefreshPolicies(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	policies, err := s.store.FindActive(ctx)
	if err != nil {
		return err
	}
	s.engine.ReplaceAll(policies)
	s.log.Debug("", "", "policy set refreshed", map[string]interface{}{
		"count": len(policies),
	})
	return nil
}

// History exposes the audit trail queries.
func (s *DecisionService) History(ctx context.Context, filter EvaluationFilter) ([]*EvaluationRecord, error) {
	return s.audit.Find(ctx, filter)
}

// HistoryByRequestID returns every audit record for a request.
func (s *DecisionService) HistoryByRequestID(ctx context.Context, requestID string) ([]*EvaluationRecord, error) {
	return s.audit.FindByRequestID(ctx, requestID)
}

// AuditStats aggregates the audit trail.
func (s *DecisionService) AuditStats(ctx context.Context) (*AuditStats, error) {
	return s.audit.GetStats(ctx)
}

// PurgeAudit removes audit records older than the retention window.
func (s *DecisionService) PurgeAudit(ctx context.Context, days int) (int64, error) {
	return s.audit.DeleteOlderThan(ctx, days)
}

// Ready reports whether the durable store is reachable. The cache is
// best-effort and does not gate readiness.
func (s *DecisionService) Ready(ctx context.Context) bool {
	if s.store == nil {
		return true
	}
	return s.store.Ping(ctx) == nil
}
