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

func testContext() EvaluationContext {
	return EvaluationContext{
		"llm": map[string]interface{}{
			"provider": "openai",
			"model":    "gpt-4",
			"messages": []interface{}{
				map[string]interface{}{"role": "system", "content": "be terse"},
				map[string]interface{}{"role": "user", "content": "hello"},
			},
		},
		"user": map[string]interface{}{
			"id":    "u-1",
			"roles": []interface{}{"admin", "developer"},
		},
		"empty": nil,
	}
}

func TestLookup(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		path      string
		want      interface{}
		wantFound bool
	}{
		{"llm.provider", "openai", true},
		{"llm.messages[0].role", "system", true},
		{"llm.messages[1].content", "hello", true},
		{"user.roles[1]", "developer", true},
		{"empty", nil, true},
		{"llm.temperature", nil, false},
		{"llm.messages[5].role", nil, false},
		{"llm.messages[-1]", nil, false},
		{"llm.provider.deep", nil, false},
		{"user.roles.name", nil, false},
		{"nosuch.path", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := ctx.Lookup(tt.path)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupEmptyPath(t *testing.T) {
	ctx := testContext()
	got, found := ctx.Lookup("")
	require.True(t, found)
	// An empty path resolves to the whole context.
	assert.Equal(t, map[string]interface{}(ctx), got)
}

func TestLookupMalformedBracket(t *testing.T) {
	ctx := EvaluationContext{"weird[key": "value"}
	// An unbalanced bracket is kept as a literal key, so it still resolves.
	got, found := ctx.Lookup("weird[key")
	assert.True(t, found)
	assert.Equal(t, "value", got)
}

func TestStringAt(t *testing.T) {
	ctx := testContext()
	assert.Equal(t, "u-1", ctx.stringAt("user.id"))
	assert.Equal(t, "", ctx.stringAt("user.roles"))
	assert.Equal(t, "", ctx.stringAt("missing"))
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": true, "y": "x"}}
	b := map[string]interface{}{"a": map[string]interface{}{"y": "x", "z": true}, "b": 1}

	ja, err := canonicalJSON(a)
	require.NoError(t, err)
	jb, err := canonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestCanonicalJSONNumberForm(t *testing.T) {
	// RFC 8785 number serialization: equal numbers fingerprint identically
	// regardless of the Go type they arrive as.
	ja, err := canonicalJSON(map[string]interface{}{"n": 1.0})
	require.NoError(t, err)
	jb, err := canonicalJSON(map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestNormalizeValueStructuralEquality(t *testing.T) {
	s1, ok1 := normalizeValue([]interface{}{1.0, "a"})
	s2, ok2 := normalizeValue([]interface{}{1, "a"})
	require.True(t, ok1)
	require.True(t, ok2)
	// JSON does not distinguish 1 from 1.0.
	assert.Equal(t, s1, s2)

	_, ok := normalizeValue(make(chan int))
	assert.False(t, ok)
}
