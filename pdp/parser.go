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
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults filled by the parser when a document omits them.
const (
	defaultVersion   = "1.0.0"
	defaultNamespace = "default"
)

// rawRule mirrors PolicyRule with a pointer Enabled so "absent" and "false"
// are distinguishable during parsing.
type rawRule struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Condition   *Condition `json:"condition" yaml:"condition"`
	Action      Action     `json:"action" yaml:"action"`
	Enabled     *bool      `json:"enabled" yaml:"enabled"`
}

type rawPolicy struct {
	Metadata *PolicyMetadata `json:"metadata" yaml:"metadata"`
	Rules    []rawRule       `json:"rules" yaml:"rules"`
	Status   PolicyStatus    `json:"status" yaml:"status"`
}

// ParsePolicy parses a YAML or JSON policy document and fills defaults:
// version, namespace, tags, priority, rule ids/names, enabled, and status.
// The two formats are interchangeable; JSON documents are detected by their
// leading brace and everything else goes through the YAML decoder.
func ParsePolicy(data []byte) (*Policy, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, parseError("empty policy document")
	}

	var raw rawPolicy
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, parseError("invalid JSON policy document: %v", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, parseError("invalid YAML policy document: %v", err)
		}
	}

	if raw.Metadata == nil {
		return nil, parseError("policy document has no metadata")
	}
	if raw.Rules == nil {
		return nil, parseError("policy document has no rules")
	}

	policy := &Policy{
		Metadata: *raw.Metadata,
		Status:   raw.Status,
	}

	if policy.Metadata.Version == "" {
		policy.Metadata.Version = defaultVersion
	}
	if policy.Metadata.Namespace == "" {
		policy.Metadata.Namespace = defaultNamespace
	}
	if policy.Metadata.Tags == nil {
		policy.Metadata.Tags = []string{}
	}
	if policy.Status == "" {
		policy.Status = StatusActive
	}

	policy.Rules = make([]PolicyRule, 0, len(raw.Rules))
	for i, r := range raw.Rules {
		rule := PolicyRule{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Condition:   r.Condition,
			Action:      r.Action,
			Enabled:     true,
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d", i)
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("Rule %d", i)
		}
		if r.Enabled != nil {
			rule.Enabled = *r.Enabled
		}
		policy.Rules = append(policy.Rules, rule)
	}

	return policy, nil
}

// MarshalPolicyYAML serializes a policy back to YAML. Round-tripping a
// parsed policy through this function preserves the normalized form.
func MarshalPolicyYAML(p *Policy) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, parseError("failed to serialize policy: %v", err)
	}
	return data, nil
}

// MarshalPolicyJSON serializes a policy to JSON.
func MarshalPolicyJSON(p *Policy) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, parseError("failed to serialize policy: %v", err)
	}
	return data, nil
}
