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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConditionEvaluator evaluates a condition tree against a context. It is a
// pure function of its inputs: no I/O, no shared state, safe for concurrent
// use.
type ConditionEvaluator struct {
	dispatch map[Operator]func(*Condition, EvaluationContext) (bool, error)
}

// NewConditionEvaluator builds the operator dispatch table.
func NewConditionEvaluator() *ConditionEvaluator {
	e := &ConditionEvaluator{}
	e.dispatch = map[Operator]func(*Condition, EvaluationContext) (bool, error){
		OpAnd:         e.evalAnd,
		OpOr:          e.evalOr,
		OpNot:         e.evalNot,
		OpEq:          e.evalEq,
		OpNe:          e.evalNe,
		OpGt:          e.evalGt,
		OpGte:         e.evalGte,
		OpLt:          e.evalLt,
		OpLte:         e.evalLte,
		OpIn:          e.evalIn,
		OpNotIn:       e.evalNotIn,
		OpContains:    e.evalContains,
		OpNotContains: e.evalNotContains,
		OpMatches:     e.evalMatches,
	}
	return e
}

// Evaluate runs the condition tree against ctx. The evaluation time is
// observed even when the tree contains an unknown operator.
func (e *ConditionEvaluator) Evaluate(cond *Condition, ctx EvaluationContext) (ConditionResult, error) {
	start := time.Now()
	result, err := e.eval(cond, ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	cr := ConditionResult{
		Result:           result,
		EvaluationTimeMs: elapsed,
	}
	if cond != nil {
		cr.Details = string(cond.Operator)
	}
	return cr, err
}

func (e *ConditionEvaluator) eval(cond *Condition, ctx EvaluationContext) (bool, error) {
	if cond == nil {
		return false, evaluationError("nil condition")
	}
	fn, ok := e.dispatch[cond.Operator]
	if !ok {
		return false, evaluationError("unknown operator %q", cond.Operator)
	}
	return fn(cond, ctx)
}

// evalAnd is true when every child is true. Empty is vacuously true.
func (e *ConditionEvaluator) evalAnd(cond *Condition, ctx EvaluationContext) (bool, error) {
	for _, child := range cond.Conditions {
		ok, err := e.eval(child, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalOr is true when any child is true. Empty is false.
func (e *ConditionEvaluator) evalOr(cond *Condition, ctx EvaluationContext) (bool, error) {
	for _, child := range cond.Conditions {
		ok, err := e.eval(child, ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// evalNot negates the first child; any further children are ignored.
func (e *ConditionEvaluator) evalNot(cond *Condition, ctx EvaluationContext) (bool, error) {
	if len(cond.Conditions) == 0 {
		return false, evaluationError("not requires a child condition")
	}
	ok, err := e.eval(cond.Conditions[0], ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (e *ConditionEvaluator) evalEq(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	return valuesEqual(fieldVal, found, cond.Value), nil
}

func (e *ConditionEvaluator) evalNe(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	return !valuesEqual(fieldVal, found, cond.Value), nil
}

func (e *ConditionEvaluator) evalGt(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	return orderedCompare(fieldVal, found, cond.Value) > 0, nil
}

// evalGte is gt-or-eq: the equality arm uses the same semantics as eq so
// mixed-type comparisons stay consistent.
func (e *ConditionEvaluator) evalGte(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	if valuesEqual(fieldVal, found, cond.Value) {
		return true, nil
	}
	return orderedCompare(fieldVal, found, cond.Value) > 0, nil
}

func (e *ConditionEvaluator) evalLt(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	return orderedCompare(fieldVal, found, cond.Value) < 0, nil
}

func (e *ConditionEvaluator) evalLte(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	if valuesEqual(fieldVal, found, cond.Value) {
		return true, nil
	}
	return orderedCompare(fieldVal, found, cond.Value) < 0, nil
}

// evalIn requires the condition value to be a list; anything else is false.
func (e *ConditionEvaluator) evalIn(cond *Condition, ctx EvaluationContext) (bool, error) {
	list, ok := cond.Value.([]interface{})
	if !ok {
		return false, nil
	}
	fieldVal, found := ctx.Lookup(cond.Field)
	for _, item := range list {
		if valuesEqual(fieldVal, found, item) {
			return true, nil
		}
	}
	return false, nil
}

// evalNotIn is the negation of in; a non-list value is therefore true.
func (e *ConditionEvaluator) evalNotIn(cond *Condition, ctx EvaluationContext) (bool, error) {
	ok, err := e.evalIn(cond, ctx)
	return !ok, err
}

// evalContains dispatches on the haystack shape: substring for strings,
// element equality for lists, value equality for maps, false otherwise.
func (e *ConditionEvaluator) evalContains(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	if !found {
		return false, nil
	}

	switch haystack := fieldVal.(type) {
	case string:
		return strings.Contains(haystack, coerceString(cond.Value)), nil
	case []interface{}:
		for _, item := range haystack {
			if valuesEqual(item, true, cond.Value) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		for _, v := range haystack {
			if valuesEqual(v, true, cond.Value) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func (e *ConditionEvaluator) evalNotContains(cond *Condition, ctx EvaluationContext) (bool, error) {
	ok, err := e.evalContains(cond, ctx)
	return !ok, err
}

// evalMatches compiles the condition value as a regular expression in
// default mode. An invalid pattern and a missing field both yield false, not
// an error.
func (e *ConditionEvaluator) evalMatches(cond *Condition, ctx EvaluationContext) (bool, error) {
	fieldVal, found := ctx.Lookup(cond.Field)
	if !found || fieldVal == nil {
		return false, nil
	}
	re, err := regexp.Compile(coerceString(cond.Value))
	if err != nil {
		return false, nil
	}
	return re.MatchString(coerceString(fieldVal)), nil
}

// valuesEqual implements eq: absent equals absent (and null), composite
// values compare structurally by canonical serialization, scalars compare by
// string coercion.
func valuesEqual(fieldVal interface{}, found bool, condVal interface{}) bool {
	if !found || fieldVal == nil {
		return condVal == nil
	}
	if condVal == nil {
		return false
	}

	if isComposite(fieldVal) || isComposite(condVal) {
		a, okA := normalizeValue(fieldVal)
		b, okB := normalizeValue(condVal)
		return okA && okB && a == b
	}

	return coerceString(fieldVal) == coerceString(condVal)
}

// orderedCompare implements the gt/lt family: numeric when both sides
// coerce to a finite number, lexicographic string comparison otherwise.
// Returns -1, 0, or 1.
func orderedCompare(fieldVal interface{}, found bool, condVal interface{}) int {
	if !found {
		fieldVal = nil
	}

	a, okA := toNumber(fieldVal)
	b, okB := toNumber(condVal)
	if okA && okB {
		switch {
		case a > b:
			return 1
		case a < b:
			return -1
		default:
			return 0
		}
	}

	as := coerceString(fieldVal)
	bs := coerceString(condVal)
	switch {
	case as > bs:
		return 1
	case as < bs:
		return -1
	default:
		return 0
	}
}

func isComposite(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}, EvaluationContext:
		return true
	default:
		return false
	}
}

// toNumber coerces numeric types and numeric strings to float64.
func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceString renders a scalar the way a policy author would write it.
// Floats that hold integral values print without a trailing ".0" so numbers
// arriving via JSON and YAML coerce identically.
func coerceString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

