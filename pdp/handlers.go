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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory
// exhaustion. Policy documents get their own configurable limit.
const maxRequestBodySize = 1 << 20

// APIHandler exposes the decision service over HTTP.
type APIHandler struct {
	service *DecisionService
	cache   *TieredCache
	metrics *Metrics

	maxPolicyBytes int64
}

// NewAPIHandler creates the handler layer.
func NewAPIHandler(service *DecisionService, cache *TieredCache, metrics *Metrics, cfg *Config) *APIHandler {
	maxPolicyMB := defaultMaxPolicySizeMB
	if cfg != nil && cfg.Performance.MaxPolicySizeMB > 0 {
		maxPolicyMB = cfg.Performance.MaxPolicySizeMB
	}
	return &APIHandler{
		service:        service,
		cache:          cache,
		metrics:        metrics,
		maxPolicyBytes: int64(maxPolicyMB) << 20,
	}
}

// RegisterRoutes attaches every route to the router.
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/evaluate", h.handleEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/evaluate/batch", h.handleBatchEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/simulate", h.handleSimulate).Methods(http.MethodPost)

	api.HandleFunc("/policies", h.handleCreatePolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies", h.handleListPolicies).Methods(http.MethodGet)
	api.HandleFunc("/policies/validate", h.handleValidatePolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies/{id}", h.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/policies/{id}", h.handleUpdatePolicy).Methods(http.MethodPut)
	api.HandleFunc("/policies/{id}", h.handleDeletePolicy).Methods(http.MethodDelete)

	api.HandleFunc("/evaluations", h.handleListEvaluations).Methods(http.MethodGet)
	api.HandleFunc("/evaluations", h.handlePurgeEvaluations).Methods(http.MethodDelete)
	api.HandleFunc("/evaluations/stats", h.handleEvaluationStats).Methods(http.MethodGet)
	api.HandleFunc("/evaluations/{requestId}", h.handleGetEvaluations).Methods(http.MethodGet)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	if reg := h.metrics.Registry(); reg != nil {
		r.Handle("/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (h *APIHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluationRequest
	if !h.decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}

	resp, err := h.service.Evaluate(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleBatchEvaluate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []*EvaluationRequest `json:"requests"`
	}
	if !h.decodeBody(w, r, maxRequestBodySize, &body) {
		return
	}

	results, err := h.service.BatchEvaluate(r.Context(), body.Requests)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *APIHandler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req EvaluationRequest
	if !h.decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}

	resp, err := h.service.Simulate(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readBody(w, r, h.maxPolicyBytes)
	if !ok {
		return
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	created, err := h.service.CreatePolicy(r.Context(), policy, actorFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20)
	offset := queryInt(q.Get("offset"), 0)
	namespace := q.Get("namespace")
	status := PolicyStatus(q.Get("status"))
	if status != "" && !ValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status filter")
		return
	}

	policies, total, err := h.service.ListPolicies(r.Context(), namespace, status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if policies == nil {
		policies = []*Policy{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *APIHandler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.service.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

func (h *APIHandler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var update PolicyUpdate
	if !h.decodeBody(w, r, h.maxPolicyBytes, &update) {
		return
	}

	updated, err := h.service.UpdatePolicy(r.Context(), mux.Vars(r)["id"], update)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleValidatePolicy(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readBody(w, r, h.maxPolicyBytes)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.service.ValidatePolicyDocument(data))
}

func (h *APIHandler) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := EvaluationFilter{
		RequestID: q.Get("request_id"),
		UserID:    q.Get("user_id"),
		Decision:  Decision(q.Get("decision")),
		Limit:     queryInt(q.Get("limit"), 100),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if filter.Decision != "" && !ValidDecision(filter.Decision) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown decision filter")
		return
	}
	if policyID := q.Get("policy_id"); policyID != "" {
		filter.PolicyIDs = []string{policyID}
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "to must be RFC3339")
			return
		}
		filter.To = t
	}

	records, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []*EvaluationRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": records})
}

func (h *APIHandler) handleGetEvaluations(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.HistoryByRequestID(r.Context(), mux.Vars(r)["requestId"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []*EvaluationRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"evaluations": records})
}

func (h *APIHandler) handleEvaluationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.AuditStats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) handlePurgeEvaluations(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r.URL.Query().Get("older_than_days"), 0)
	purged, err := h.service.PurgeAudit(r.Context(), days)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady gates on the durable store; the cache is best-effort and is
// reported but never fails readiness.
func (h *APIHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := h.service.Ready(r.Context())
	body := map[string]interface{}{
		"ready":         ready,
		"cache_healthy": h.cache.Healthy(r.Context()),
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, body)
}

func (h *APIHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"policies_loaded": h.service.engine.Count(),
	}
	if h.cache != nil && h.cache.local != nil {
		body["local_cache"] = h.cache.local.Stats()
	}
	h.writeJSON(w, http.StatusOK, body)
}

func actorFrom(r *http.Request) string {
	if id, ok := r.Context().Value(userIDContextKey).(string); ok {
		return id
	}
	return ""
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// readBody reads and bounds the request body.
func (h *APIHandler) readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "request body too large")
		return nil, false
	}
	return data, true
}

func (h *APIHandler) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	data, ok := h.readBody(w, r, limit)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		h.writeError(w, http.StatusBadRequest, "PARSE_ERROR", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, apiError{Error: apiErrorDetail{Code: code, Message: message}})
}

// writeServiceError maps a service error onto the HTTP envelope.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	h.writeError(w, httpStatusFor(err), errorCodeFor(err), err.Error())
}
