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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T, policies ...*Policy) *DecisionService {
	t.Helper()
	engine := NewPolicyEngine()
	for _, p := range policies {
		engine.Add(p)
	}
	cache := NewTieredCache(true, NewLocalCache(100, time.Minute), nil, time.Minute, nil)
	return NewDecisionService(engine, cache, nil, nil, nil, nil)
}

func TestServiceEvaluate(t *testing.T) {
	s := testService(t, makePolicy("pol", 0, makeRule("r-deny", DecisionDeny, &Condition{
		Operator: OpGt,
		Field:    "llm.estimatedTokens",
		Value:    5,
	})))

	resp, err := s.Evaluate(context.Background(), &EvaluationRequest{
		Context: EvaluationContext{
			"llm": map[string]interface{}{
				"provider": "openai",
				"model":    "gpt-4",
				"prompt":   "a prompt long enough to exceed five tokens easily",
			},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RequestID, "request id is generated when absent")
	assert.Equal(t, DecisionDeny, resp.Decision.Decision)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestServiceEvaluateRequiresContext(t *testing.T) {
	s := testService(t)

	_, err := s.Evaluate(context.Background(), &EvaluationRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.Evaluate(context.Background(), nil)
	assert.Error(t, err)
}

func TestServiceEvaluateCacheHit(t *testing.T) {
	s := testService(t, makePolicy("pol", 0, makeRule("r", DecisionWarn, alwaysTrue())))

	req := func() *EvaluationRequest {
		return &EvaluationRequest{
			Context:  EvaluationContext{"user": map[string]interface{}{"id": "u-1"}},
			UseCache: true,
		}
	}

	first, err := s.Evaluate(context.Background(), req())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.Evaluate(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Decision.Decision, second.Decision.Decision)
	assert.Equal(t, first.Decision.MatchedRules, second.Decision.MatchedRules)
}

func TestServiceEvaluateCacheEligibility(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*EvaluationRequest)
	}{
		{"opt-out", func(r *EvaluationRequest) { r.UseCache = false }},
		{"trace", func(r *EvaluationRequest) { r.Trace = true }},
		{"dry run", func(r *EvaluationRequest) { r.DryRun = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testService(t, makePolicy("pol", 0, makeRule("r", DecisionAllow, alwaysTrue())))

			newReq := func() *EvaluationRequest {
				r := &EvaluationRequest{
					Context:  EvaluationContext{"k": "v"},
					UseCache: true,
				}
				tt.mut(r)
				return r
			}

			_, err := s.Evaluate(context.Background(), newReq())
			require.NoError(t, err)
			second, err := s.Evaluate(context.Background(), newReq())
			require.NoError(t, err)
			assert.False(t, second.Cached, "ineligible requests never hit the cache")
		})
	}
}

func TestServiceBatchEvaluate(t *testing.T) {
	s := testService(t, makePolicy("pol", 0, makeRule("r-deny", DecisionDeny, &Condition{
		Operator: OpEq,
		Field:    "user.blocked",
		Value:    true,
	})))

	reqs := []*EvaluationRequest{
		{Context: EvaluationContext{"user": map[string]interface{}{"blocked": true}}},
		{Context: EvaluationContext{"user": map[string]interface{}{"blocked": false}}},
		{Context: nil}, // invalid: fails on its own, siblings unaffected
	}

	results, err := s.BatchEvaluate(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Response)
	assert.Equal(t, DecisionDeny, results[0].Response.Decision.Decision)
	require.NotNil(t, results[1].Response)
	assert.Equal(t, DecisionAllow, results[1].Response.Decision.Decision)
	assert.Nil(t, results[2].Response)
	assert.NotEmpty(t, results[2].Error)
}

func TestServiceBatchEvaluateLimits(t *testing.T) {
	s := testService(t)

	_, err := s.BatchEvaluate(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrValidation))

	oversized := make([]*EvaluationRequest, maxBatchSize+1)
	for i := range oversized {
		oversized[i] = &EvaluationRequest{Context: EvaluationContext{"i": fmt.Sprint(i)}}
	}
	_, err = s.BatchEvaluate(context.Background(), oversized)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestServiceSimulate(t *testing.T) {
	s := testService(t, makePolicy("pol", 0, makeRule("r", DecisionDeny, alwaysTrue())))

	resp, err := s.Simulate(context.Background(), &EvaluationRequest{
		Context:  EvaluationContext{"k": "v"},
		UseCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, resp.Decision.Decision)
	assert.NotNil(t, resp.Decision.Trace, "simulate always traces")

	// Simulation leaves no cache footprint.
	again, err := s.Evaluate(context.Background(), &EvaluationRequest{
		Context:  EvaluationContext{"k": "v"},
		UseCache: true,
	})
	require.NoError(t, err)
	assert.False(t, again.Cached)
}

func TestServiceValidatePolicyDocument(t *testing.T) {
	s := testService(t)

	result := s.ValidatePolicyDocument([]byte(yamlPolicy))
	assert.True(t, result.Valid, "errors: %v", result.Errors)

	result = s.ValidatePolicyDocument([]byte("not: a: valid: policy"))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	result = s.ValidatePolicyDocument([]byte(""))
	assert.False(t, result.Valid)
}

func TestServiceReadyWithoutStore(t *testing.T) {
	s := testService(t)
	assert.True(t, s.Ready(context.Background()))
}

func TestServiceRefreshWithoutStore(t *testing.T) {
	s := testService(t)
	assert.NoError(t, s.RefreshPolicies(context.Background()))
}
