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

import "time"

// PolicyStatus represents the lifecycle state of a policy.
// Only active policies participate in evaluation.
type PolicyStatus string

const (
	StatusActive     PolicyStatus = "active"
	StatusDraft      PolicyStatus = "draft"
	StatusDeprecated PolicyStatus = "deprecated"
)

// ValidStatus reports whether s is one of the three known statuses.
func ValidStatus(s PolicyStatus) bool {
	return s == StatusActive || s == StatusDraft || s == StatusDeprecated
}

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionWarn   Decision = "warn"
	DecisionModify Decision = "modify"
)

// ValidDecision reports whether d is one of the four known decisions.
func ValidDecision(d Decision) bool {
	return d == DecisionAllow || d == DecisionDeny || d == DecisionWarn || d == DecisionModify
}

// Operator identifies a condition node type. Logical operators carry child
// conditions; comparison operators carry a field path and a value.
type Operator string

const (
	OpAnd         Operator = "and"
	OpOr          Operator = "or"
	OpNot         Operator = "not"
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
)

// logicalOperators is the subset of operators that carry child conditions.
var logicalOperators = map[Operator]bool{
	OpAnd: true,
	OpOr:  true,
	OpNot: true,
}

// comparisonOperators is the subset of operators that compare a context
// field against a literal value.
var comparisonOperators = map[Operator]bool{
	OpEq:          true,
	OpNe:          true,
	OpGt:          true,
	OpGte:         true,
	OpLt:          true,
	OpLte:         true,
	OpIn:          true,
	OpNotIn:       true,
	OpContains:    true,
	OpNotContains: true,
	OpMatches:     true,
}

// Policy is a named collection of rules evaluated as a unit.
type Policy struct {
	Metadata PolicyMetadata `json:"metadata" yaml:"metadata"`
	Rules    []PolicyRule   `json:"rules" yaml:"rules"`
	Status   PolicyStatus   `json:"status" yaml:"status"`
}

// PolicyMetadata identifies and orders a policy. The persistence uniqueness
// key is (namespace, name, version).
type PolicyMetadata struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Version     string     `json:"version" yaml:"version"`
	Namespace   string     `json:"namespace" yaml:"namespace"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string   `json:"tags" yaml:"tags"`
	Priority    int        `json:"priority" yaml:"priority"`
	CreatedAt   *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// PolicyRule binds a condition tree to an action.
type PolicyRule struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   *Condition `json:"condition" yaml:"condition"`
	Action      Action     `json:"action" yaml:"action"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
}

// Condition is a node in a discriminated condition tree. Logical nodes
// (and/or/not) carry Conditions and no Field/Value; comparison nodes carry
// Field (a dot/bracket path into the context) and Value.
type Condition struct {
	Operator   Operator     `json:"operator" yaml:"operator"`
	Field      string       `json:"field,omitempty" yaml:"field,omitempty"`
	Value      interface{}  `json:"value,omitempty" yaml:"value,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Action describes what a matching rule contributes to the final decision.
// Modifications are dot-path overrides, permitted only for modify.
type Action struct {
	Decision      Decision               `json:"decision" yaml:"decision"`
	Reason        string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
	Modifications map[string]interface{} `json:"modifications,omitempty" yaml:"modifications,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// PolicyDecision is the aggregated result of one evaluation.
type PolicyDecision struct {
	Decision         Decision               `json:"decision"`
	Allowed          bool                   `json:"allowed"`
	Reason           string                 `json:"reason,omitempty"`
	MatchedPolicies  []string               `json:"matched_policies"`
	MatchedRules     []string               `json:"matched_rules"`
	Modifications    map[string]interface{} `json:"modifications,omitempty"`
	EvaluationTimeMs float64                `json:"evaluation_time_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Trace            *RuleTrace             `json:"trace,omitempty"`
}

// RuleTrace records one rule-level evaluation, returned when the caller
// requests tracing.
type RuleTrace struct {
	PolicyID            string           `json:"policy_id"`
	RuleID              string           `json:"rule_id"`
	ConditionEvaluation *ConditionResult `json:"condition_evaluation"`
	FinalDecision       Decision         `json:"final_decision"`
	Timestamp           time.Time        `json:"timestamp"`
}

// ConditionResult is the outcome of evaluating a single condition tree.
type ConditionResult struct {
	Result           bool    `json:"result"`
	EvaluationTimeMs float64 `json:"evaluation_time_ms"`
	Details          string  `json:"details,omitempty"`
}

// EvaluationRequest is the input to the decision API.
type EvaluationRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	Context   EvaluationContext `json:"context"`
	Policies  []string          `json:"policies,omitempty"`
	Trace     bool              `json:"trace,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
	UseCache  bool              `json:"use_cache,omitempty"`
}

// EvaluationResponse wraps a decision with request correlation data.
type EvaluationResponse struct {
	RequestID string          `json:"request_id"`
	Decision  *PolicyDecision `json:"decision"`
	Timestamp time.Time       `json:"timestamp"`
	Cached    bool            `json:"cached"`
}

// EvaluationRecord is the immutable audit row written for every non-dry-run
// evaluation.
type EvaluationRecord struct {
	ID                string                 `json:"id"`
	RequestID         string                 `json:"request_id"`
	PolicyIDs         []string               `json:"policy_ids"`
	MatchedPolicyIDs  []string               `json:"matched_policy_ids"`
	MatchedRuleIDs    []string               `json:"matched_rule_ids"`
	Decision          Decision               `json:"decision"`
	Allowed           bool                   `json:"allowed"`
	Reason            string                 `json:"reason,omitempty"`
	Context           EvaluationContext      `json:"context"`
	Modifications     map[string]interface{} `json:"modifications,omitempty"`
	EvaluationTimeMs  float64                `json:"evaluation_time_ms"`
	Trace             *RuleTrace             `json:"trace,omitempty"`
	Cached            bool                   `json:"cached"`
	CreatedAt         time.Time              `json:"created_at"`
	UserID            string                 `json:"user_id,omitempty"`
	TeamID            string                 `json:"team_id,omitempty"`
	ProjectID         string                 `json:"project_id,omitempty"`
}

// ValidationResult is returned by the schema validator. It never carries an
// error; structural problems are reported in Errors.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
