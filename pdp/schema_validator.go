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

import "fmt"

// ValidatePolicy checks the structural schema of a policy. It collects every
// violation rather than stopping at the first, and never returns an error;
// callers inspect ValidationResult.Valid.
func ValidatePolicy(p *Policy) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []string{}}
	if p == nil {
		result.fail("policy is nil")
		return result
	}

	if p.Metadata.ID == "" {
		result.fail("metadata.id is required")
	}
	if p.Metadata.Name == "" {
		result.fail("metadata.name is required")
	}
	if p.Metadata.Version == "" {
		result.fail("metadata.version is required")
	}
	if p.Metadata.Namespace == "" {
		result.fail("metadata.namespace is required")
	}
	if !ValidStatus(p.Status) {
		result.fail(fmt.Sprintf("status %q is not one of active, draft, deprecated", p.Status))
	}

	for i, rule := range p.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if rule.ID == "" {
			result.fail(prefix + ": id is required")
		}
		if rule.Condition == nil {
			result.fail(prefix + ": condition is required")
		} else {
			validateCondition(rule.Condition, prefix+".condition", &result)
		}
		if !ValidDecision(rule.Action.Decision) {
			result.fail(fmt.Sprintf("%s: action decision %q is not one of allow, deny, warn, modify", prefix, rule.Action.Decision))
		}
		if len(rule.Action.Modifications) > 0 && rule.Action.Decision != DecisionModify {
			result.fail(prefix + ": modifications are only permitted when decision is modify")
		}
	}

	return result
}

// validateCondition recursively checks one condition node. Logical nodes
// must carry conditions and nothing else; comparison nodes must carry a
// field and no children.
func validateCondition(c *Condition, path string, result *ValidationResult) {
	switch {
	case logicalOperators[c.Operator]:
		if c.Field != "" || c.Value != nil {
			result.fail(path + ": logical operator must not carry field or value")
		}
		if len(c.Conditions) == 0 && c.Operator == OpNot {
			result.fail(path + ": not requires exactly one child condition")
		}
		for i, child := range c.Conditions {
			if child == nil {
				result.fail(fmt.Sprintf("%s.conditions[%d]: condition is nil", path, i))
				continue
			}
			validateCondition(child, fmt.Sprintf("%s.conditions[%d]", path, i), result)
		}
	case comparisonOperators[c.Operator]:
		if len(c.Conditions) > 0 {
			result.fail(path + ": comparison operator must not carry child conditions")
		}
		if c.Field == "" {
			result.fail(path + ": comparison operator requires a field")
		}
	default:
		result.fail(fmt.Sprintf("%s: unknown operator %q", path, c.Operator))
	}
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}
