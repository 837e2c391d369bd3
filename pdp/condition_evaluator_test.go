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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCtx() EvaluationContext {
	return EvaluationContext{
		"llm": map[string]interface{}{
			"provider":        "openai",
			"model":           "gpt-4",
			"prompt":          "please summarize the quarterly report",
			"estimatedTokens": float64(1200),
			"containsPII":     false,
			"tags":            []interface{}{"batch", "internal"},
			"settings":        map[string]interface{}{"temperature": 0.7},
		},
		"user": map[string]interface{}{
			"id":   "u-1",
			"team": "ml-research",
		},
		"nullField": nil,
	}
}

func evalBool(t *testing.T, cond *Condition, ctx EvaluationContext) bool {
	t.Helper()
	result, err := NewConditionEvaluator().Evaluate(cond, ctx)
	require.NoError(t, err)
	return result.Result
}

func TestComparisonOperators(t *testing.T) {
	ctx := evalCtx()

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"eq match", &Condition{Operator: OpEq, Field: "llm.provider", Value: "openai"}, true},
		{"eq mismatch", &Condition{Operator: OpEq, Field: "llm.provider", Value: "anthropic"}, false},
		{"eq number coercion", &Condition{Operator: OpEq, Field: "llm.estimatedTokens", Value: 1200}, true},
		{"eq bool", &Condition{Operator: OpEq, Field: "llm.containsPII", Value: false}, true},
		{"eq missing field vs null", &Condition{Operator: OpEq, Field: "llm.nope", Value: nil}, true},
		{"eq null field vs null", &Condition{Operator: OpEq, Field: "nullField", Value: nil}, true},
		{"eq missing field vs value", &Condition{Operator: OpEq, Field: "llm.nope", Value: "x"}, false},
		{"ne", &Condition{Operator: OpNe, Field: "llm.provider", Value: "anthropic"}, true},
		{"gt numeric", &Condition{Operator: OpGt, Field: "llm.estimatedTokens", Value: 1000}, true},
		{"gt equal is false", &Condition{Operator: OpGt, Field: "llm.estimatedTokens", Value: 1200}, false},
		{"gte equal", &Condition{Operator: OpGte, Field: "llm.estimatedTokens", Value: 1200}, true},
		{"lt", &Condition{Operator: OpLt, Field: "llm.estimatedTokens", Value: 5000}, true},
		{"lte equal", &Condition{Operator: OpLte, Field: "llm.estimatedTokens", Value: 1200}, true},
		{"gt lexicographic", &Condition{Operator: OpGt, Field: "llm.provider", Value: "anthropic"}, true},
		{"in", &Condition{Operator: OpIn, Field: "llm.provider", Value: []interface{}{"openai", "anthropic"}}, true},
		{"in miss", &Condition{Operator: OpIn, Field: "llm.provider", Value: []interface{}{"google"}}, false},
		{"in non-list is false", &Condition{Operator: OpIn, Field: "llm.provider", Value: "openai"}, false},
		{"not_in", &Condition{Operator: OpNotIn, Field: "llm.provider", Value: []interface{}{"google"}}, true},
		{"not_in non-list is true", &Condition{Operator: OpNotIn, Field: "llm.provider", Value: "openai"}, true},
		{"contains substring", &Condition{Operator: OpContains, Field: "llm.prompt", Value: "quarterly"}, true},
		{"contains list element", &Condition{Operator: OpContains, Field: "llm.tags", Value: "batch"}, true},
		{"contains map value", &Condition{Operator: OpContains, Field: "llm.settings", Value: 0.7}, true},
		{"contains scalar haystack is false", &Condition{Operator: OpContains, Field: "llm.estimatedTokens", Value: 1}, false},
		{"contains missing field is false", &Condition{Operator: OpContains, Field: "llm.nope", Value: "x"}, false},
		{"not_contains", &Condition{Operator: OpNotContains, Field: "llm.tags", Value: "external"}, true},
		{"matches", &Condition{Operator: OpMatches, Field: "llm.model", Value: "^gpt-"}, true},
		{"matches miss", &Condition{Operator: OpMatches, Field: "llm.model", Value: "^claude"}, false},
		{"matches invalid regex is false", &Condition{Operator: OpMatches, Field: "llm.model", Value: "[unclosed"}, false},
		{"matches missing field is false", &Condition{Operator: OpMatches, Field: "llm.nope", Value: ".*"}, false},
		{"matches null field is false", &Condition{Operator: OpMatches, Field: "nullField", Value: ".*"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalBool(t, tt.cond, ctx))
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	ctx := evalCtx()
	isOpenAI := &Condition{Operator: OpEq, Field: "llm.provider", Value: "openai"}
	isGoogle := &Condition{Operator: OpEq, Field: "llm.provider", Value: "google"}

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"and all true", &Condition{Operator: OpAnd, Conditions: []*Condition{isOpenAI, isOpenAI}}, true},
		{"and one false", &Condition{Operator: OpAnd, Conditions: []*Condition{isOpenAI, isGoogle}}, false},
		{"and empty is true", &Condition{Operator: OpAnd}, true},
		{"or one true", &Condition{Operator: OpOr, Conditions: []*Condition{isGoogle, isOpenAI}}, true},
		{"or none true", &Condition{Operator: OpOr, Conditions: []*Condition{isGoogle, isGoogle}}, false},
		{"or empty is false", &Condition{Operator: OpOr}, false},
		{"not", &Condition{Operator: OpNot, Conditions: []*Condition{isGoogle}}, true},
		{"nested", &Condition{Operator: OpAnd, Conditions: []*Condition{
			isOpenAI,
			{Operator: OpNot, Conditions: []*Condition{isGoogle}},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalBool(t, tt.cond, ctx))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := NewConditionEvaluator()
	ctx := evalCtx()

	_, err := e.Evaluate(nil, ctx)
	assert.Error(t, err)

	_, err = e.Evaluate(&Condition{Operator: Operator("xor")}, ctx)
	assert.Error(t, err)

	_, err = e.Evaluate(&Condition{Operator: OpNot}, ctx)
	assert.Error(t, err)

	// Errors propagate out of nested trees.
	_, err = e.Evaluate(&Condition{Operator: OpAnd, Conditions: []*Condition{
		{Operator: Operator("bogus")},
	}}, ctx)
	assert.Error(t, err)
}

func TestEvaluateResultMetadata(t *testing.T) {
	e := NewConditionEvaluator()
	result, err := e.Evaluate(&Condition{Operator: OpEq, Field: "llm.provider", Value: "openai"}, evalCtx())
	require.NoError(t, err)
	assert.True(t, result.Result)
	assert.Equal(t, "eq", result.Details)
	assert.GreaterOrEqual(t, result.EvaluationTimeMs, 0.0)
}

func TestStructuralEquality(t *testing.T) {
	ctx := EvaluationContext{
		"request": map[string]interface{}{
			"labels": []interface{}{"a", "b"},
		},
	}

	cond := &Condition{Operator: OpEq, Field: "request.labels", Value: []interface{}{"a", "b"}}
	assert.True(t, evalBool(t, cond, ctx))

	cond.Value = []interface{}{"b", "a"}
	assert.False(t, evalBool(t, cond, ctx), "order matters for list equality")
}

func TestCoerceString(t *testing.T) {
	// Integral floats print without a trailing .0 so JSON and YAML numbers
	// coerce identically.
	assert.Equal(t, "3", coerceString(float64(3)))
	assert.Equal(t, "3.5", coerceString(3.5))
	assert.Equal(t, "true", coerceString(true))
	assert.Equal(t, "", coerceString(nil))
}
