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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// EvaluationContext is the open attribute tree conditions are evaluated
// against. Well-known subtrees (llm, user, team, project, request, metadata)
// are all optional; the evaluator treats the context as plain data and never
// reflects on host types beyond maps, slices, and scalars.
type EvaluationContext map[string]interface{}

// pathToken is one step of a parsed field path: either a map key or a list
// index.
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

// parsePath splits a field path into tokens. Dots separate map keys and
// brackets select list indices, so "llm.functions[0].name" yields
// [llm, functions, 0, name]. A malformed bracket is treated as part of the
// key; lookups on such paths simply miss.
func parsePath(path string) []pathToken {
	var tokens []pathToken
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		rest := seg
		for {
			open := strings.IndexByte(rest, '[')
			if open < 0 {
				if rest != "" {
					tokens = append(tokens, pathToken{key: rest})
				}
				break
			}
			closing := strings.IndexByte(rest[open:], ']')
			if closing < 0 {
				// Unbalanced bracket; keep the whole remainder as a
				// literal key.
				tokens = append(tokens, pathToken{key: rest})
				break
			}
			closing += open
			if open > 0 {
				tokens = append(tokens, pathToken{key: rest[:open]})
			}
			idx, err := strconv.Atoi(rest[open+1 : closing])
			if err != nil {
				tokens = append(tokens, pathToken{key: rest[open+1 : closing]})
			} else {
				tokens = append(tokens, pathToken{index: idx, isIndex: true})
			}
			rest = rest[closing+1:]
		}
	}
	return tokens
}

// Lookup resolves a dot/bracket path against the context. The second return
// is false when any step of the path is missing, out of range, or applied to
// a value of the wrong shape.
func (c EvaluationContext) Lookup(path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(c)
	for _, tok := range parsePath(path) {
		switch node := current.(type) {
		case map[string]interface{}:
			if tok.isIndex {
				return nil, false
			}
			next, ok := node[tok.key]
			if !ok {
				return nil, false
			}
			current = next
		case EvaluationContext:
			if tok.isIndex {
				return nil, false
			}
			next, ok := node[tok.key]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			if !tok.isIndex || tok.index < 0 || tok.index >= len(node) {
				return nil, false
			}
			current = node[tok.index]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringAt returns the string at path, or "" when the path is missing or not
// a string.
func (c EvaluationContext) stringAt(path string) string {
	v, ok := c.Lookup(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// subtree returns the map at key, or nil. The returned map is the live
// subtree, not a copy.
func (c EvaluationContext) subtree(key string) map[string]interface{} {
	v, ok := c[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]interface{})
	return m
}

// canonicalJSON serializes v into RFC 8785 canonical form so that equal
// inputs always fingerprint identically, independent of key order or number
// formatting.
func canonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization failed: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization failed: %w", err)
	}
	return canonical, nil
}

// normalizeValue routes v through JSON so that structurally equal values
// (regardless of their concrete Go types) serialize identically. Used for
// structural equality in the condition evaluator.
func normalizeValue(v interface{}) (string, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(data), true
}
