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
	"sort"
	"sync"
	"time"

	"modelgate/platform/shared/logger"
)

// defaultCompletionTokens is assumed for cost estimation when the caller
// does not know the completion size yet.
const defaultCompletionTokens = 500

// PolicyEngine holds the active policy set and drives rule evaluation. It
// owns a snapshot view of the store: mutations replace entries atomically
// and in-flight evaluations keep working on the set they selected.
type PolicyEngine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    map[string]int // insertion sequence, breaks priority ties
	seq      int

	tokens    *TokenEstimator
	pii       *PIIDetector
	costs     *CostEstimator
	evaluator *ConditionEvaluator
	log       *logger.Logger
}

// NewPolicyEngine creates an engine with empty state and the default
// enrichment primitives.
func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{
		policies:  make(map[string]*Policy),
		order:     make(map[string]int),
		tokens:    NewTokenEstimator(),
		pii:       NewPIIDetector(),
		costs:     NewCostEstimator(),
		evaluator: NewConditionEvaluator(),
		log:       logger.New("policy-engine"),
	}
}

// Add registers a policy. Non-active policies are ignored; only the active
// set participates in evaluation.
func (e *PolicyEngine) Add(p *Policy) {
	if p == nil || p.Status != StatusActive {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.Metadata.ID]; !exists {
		e.order[p.Metadata.ID] = e.seq
		e.seq++
	}
	e.policies[p.Metadata.ID] = p
}

// Update unconditionally replaces the entry for the policy's ID. A policy
// that is no longer active drops out of the set.
func (e *PolicyEngine) Update(p *Policy) {
	if p == nil {
		return
	}
	if p.Status != StatusActive {
		e.Remove(p.Metadata.ID)
		return
	}
	e.Add(p)
}

// Remove deletes a policy from the engine's view.
func (e *PolicyEngine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, id)
	delete(e.order, id)
}

// ReplaceAll swaps the whole active set, preserving the given order for
// priority tie-breaks. Used by the store refresh path.
func (e *PolicyEngine) ReplaceAll(policies []*Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[string]*Policy, len(policies))
	e.order = make(map[string]int, len(policies))
	e.seq = 0
	for _, p := range policies {
		if p == nil || p.Status != StatusActive {
			continue
		}
		e.policies[p.Metadata.ID] = p
		e.order[p.Metadata.ID] = e.seq
		e.seq++
	}
}

// List returns the active policies in evaluation order.
func (e *PolicyEngine) List() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked(nil)
}

// Count returns the number of active policies loaded.
func (e *PolicyEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// Evaluate runs one evaluation: enrich the context, select and order the
// policy set, evaluate enabled rules in declared order, and fold matches
// with the precedence deny > modify > warn > allow. A matching deny
// short-circuits everything that remains.
func (e *PolicyEngine) Evaluate(ctx context.Context, req *EvaluationRequest) (*PolicyDecision, error) {
	start := time.Now()

	enriched := e.Enrich(req.Context)
	selected := e.selectPolicies(req.Policies)

	final := DecisionAllow
	reason := ""
	modifications := make(map[string]interface{})
	matchedPolicies := newStringSet()
	matchedRules := newStringSet()
	var traces []RuleTrace

policies:
	for _, policy := range selected {
		if err := deadlineCheck(ctx); err != nil {
			return nil, err
		}

		for _, rule := range policy.Rules {
			if !rule.Enabled {
				continue
			}
			if err := deadlineCheck(ctx); err != nil {
				return nil, err
			}

			condResult, err := e.evaluator.Evaluate(rule.Condition, enriched)
			if err != nil {
				return nil, evaluationError("request %s: policy %s rule %s: %v",
					req.RequestID, policy.Metadata.ID, rule.ID, err)
			}

			if req.Trace {
				cr := condResult
				traces = append(traces, RuleTrace{
					PolicyID:            policy.Metadata.ID,
					RuleID:              rule.ID,
					ConditionEvaluation: &cr,
					FinalDecision:       rule.Action.Decision,
					Timestamp:           time.Now().UTC(),
				})
			}

			if !condResult.Result {
				continue
			}

			matchedPolicies.add(policy.Metadata.ID)
			matchedRules.add(rule.ID)

			switch rule.Action.Decision {
			case DecisionDeny:
				final = DecisionDeny
				reason = rule.Action.Reason
				break policies
			case DecisionModify:
				if final != DecisionDeny {
					final = DecisionModify
					reason = rule.Action.Reason
					for path, value := range rule.Action.Modifications {
						modifications[path] = value
					}
				}
			case DecisionWarn:
				if final == DecisionAllow {
					final = DecisionWarn
					reason = rule.Action.Reason
				}
			case DecisionAllow:
				// Match recorded; allow contributes nothing further.
			}
		}
	}

	decision := &PolicyDecision{
		Decision:         final,
		Allowed:          final != DecisionDeny,
		Reason:           reason,
		MatchedPolicies:  matchedPolicies.values(),
		MatchedRules:     matchedRules.values(),
		EvaluationTimeMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if len(modifications) > 0 {
		decision.Modifications = modifications
	}
	if req.Trace && len(traces) > 0 {
		decision.Trace = &traces[0]
	}
	return decision, nil
}

// Simulate is Evaluate with tracing forced on. The caller-facing dry-run
// semantics (no audit, no cache write) are handled by the decision API.
func (e *PolicyEngine) Simulate(ctx context.Context, req *EvaluationRequest) (*PolicyDecision, error) {
	sim := *req
	sim.DryRun = true
	sim.Trace = true
	return e.Evaluate(ctx, &sim)
}

// Enrich overlays derived LLM fields on a shallow copy of the context. The
// caller's context is never mutated, and enriching an already enriched
// context recomputes the same values.
func (e *PolicyEngine) Enrich(ctx EvaluationContext) EvaluationContext {
	enriched := make(EvaluationContext, len(ctx)+1)
	for k, v := range ctx {
		enriched[k] = v
	}

	llm := enriched.subtree("llm")
	if llm == nil {
		return enriched
	}
	prompt, _ := llm["prompt"].(string)
	if prompt == "" {
		return enriched
	}

	// Copy the llm subtree before writing derived keys.
	llmCopy := make(map[string]interface{}, len(llm)+4)
	for k, v := range llm {
		llmCopy[k] = v
	}

	model, _ := llmCopy["model"].(string)
	provider, _ := llmCopy["provider"].(string)

	estimate := e.tokens.Estimate(prompt, model)
	llmCopy["estimatedTokens"] = estimate.Tokens

	matches := e.pii.Detect(prompt)
	llmCopy["containsPII"] = len(matches) > 0
	llmCopy["piiTypes"] = PIITypes(matches)

	if provider != "" && model != "" {
		llmCopy["estimatedCost"] = e.costs.Cost(provider, model, estimate.Tokens, defaultCompletionTokens)
	}

	enriched["llm"] = llmCopy
	return enriched
}

// selectPolicies snapshots the requested subset (or everything) ordered by
// priority descending, insertion order breaking ties. Unknown IDs are
// silently dropped.
func (e *PolicyEngine) selectPolicies(ids []string) []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked(ids)
}

func (e *PolicyEngine) sortedLocked(ids []string) []*Policy {
	var selected []*Policy
	if len(ids) > 0 {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if p, ok := e.policies[id]; ok {
				selected = append(selected, p)
			}
		}
	} else {
		selected = make([]*Policy, 0, len(e.policies))
		for _, p := range e.policies {
			selected = append(selected, p)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		pi, pj := selected[i], selected[j]
		if pi.Metadata.Priority != pj.Metadata.Priority {
			return pi.Metadata.Priority > pj.Metadata.Priority
		}
		return e.order[pi.Metadata.ID] < e.order[pj.Metadata.ID]
	})
	return selected
}

// deadlineCheck converts context expiry into the timeout error kind. Called
// between policies and between rules; pure condition work never suspends.
func deadlineCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrTimeout
	default:
		return nil
	}
}

// stringSet is an insertion-ordered set for matched policy/rule IDs.
type stringSet struct {
	seen map[string]bool
	list []string
}

func newStringSet() *stringSet {
	return &stringSet{seen: make(map[string]bool)}
}

func (s *stringSet) add(v string) {
	if !s.seen[v] {
		s.seen[v] = true
		s.list = append(s.list, v)
	}
}

func (s *stringSet) values() []string {
	if s.list == nil {
		return []string{}
	}
	return s.list
}
