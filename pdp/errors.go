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
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Callers classify failures with errors.Is; the
// concrete message travels alongside via wrapping.
var (
	ErrParse      = errors.New("parse error")
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrEvaluation = errors.New("evaluation error")
	ErrCache      = errors.New("cache error")
	ErrStore      = errors.New("store error")
	ErrAuth       = errors.New("authentication error")
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrTimeout    = errors.New("evaluation deadline exceeded")
	ErrConflict   = errors.New("conflict")
)

// parseError wraps ErrParse with a message.
func parseError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrParse}, args...)...)
}

// validationError wraps ErrValidation with a message.
func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// notFoundError wraps ErrNotFound with a message.
func notFoundError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// evaluationError wraps ErrEvaluation with a message. The original cause, if
// any, should be included via %v in the message so it is retained.
func evaluationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrEvaluation}, args...)...)
}

// storeError wraps ErrStore with a message.
func storeError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrStore}, args...)...)
}

// conflictError wraps ErrConflict with a message.
func conflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// httpStatusFor maps an error kind to the HTTP status returned to callers.
// Cache errors never reach this mapping; they degrade to misses upstream.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, ErrParse), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorCodeFor maps an error kind to the machine-readable code used in the
// JSON error envelope.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrParse):
		return "PARSE_ERROR"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrAuth):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrRateLimit):
		return "RATE_LIMITED"
	case errors.Is(err, ErrStore):
		return "STORE_ERROR"
	case errors.Is(err, ErrEvaluation):
		return "EVALUATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
