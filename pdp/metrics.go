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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the decision path. All
// helper methods tolerate a nil receiver so wiring metrics stays optional
// in tests.
type Metrics struct {
	registry *prometheus.Registry

	evaluations  *prometheus.CounterVec
	evalDuration prometheus.Histogram
	cacheHits    *prometheus.CounterVec
	cacheMisses  prometheus.Counter
	auditDrops   prometheus.Counter
	rateLimited  prometheus.Counter
}

// NewMetrics registers the PDP collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_evaluations_total",
			Help: "Policy evaluations by final decision and cache outcome",
		}, []string{"decision", "cached"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdp_evaluation_duration_seconds",
			Help:    "Wall-clock duration of policy evaluations",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_cache_hits_total",
			Help: "Decision cache hits by tier",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdp_cache_misses_total",
			Help: "Decision cache misses across both tiers",
		}),
		auditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdp_audit_dropped_total",
			Help: "Audit records dropped because the queue was full",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdp_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}

	registry.MustRegister(m.evaluations, m.evalDuration, m.cacheHits, m.cacheMisses, m.auditDrops, m.rateLimited)
	return m
}

// Registry exposes the underlying registry for the /prometheus endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeEvaluation(decision Decision, cached bool, seconds float64) {
	if m == nil {
		return
	}
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	m.evaluations.WithLabelValues(string(decision), cachedLabel).Inc()
	m.evalDuration.Observe(seconds)
}

func (m *Metrics) cacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(tier).Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) auditDropped() {
	if m == nil {
		return
	}
	m.auditDrops.Inc()
}

func (m *Metrics) rateLimitHit() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
