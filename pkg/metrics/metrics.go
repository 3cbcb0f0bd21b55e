// Copyright 2025 Kadir Pekel
//
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

// Package metrics exposes gateway counters over an optional Prometheus
// endpoint. A nil *Metrics is a no-op everywhere so callers never branch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	pendingApprovals prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_requests_total",
			Help: "Tool requests by engine decision.",
		}, []string{"decision"}),
		pendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_pending_approvals",
			Help: "Approvals currently awaiting a guardian decision.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_errors_total",
			Help: "JSON-RPC errors returned to the agent, by code.",
		}, []string{"code"}),
	}
	registry.MustRegister(m.requestsTotal, m.pendingApprovals, m.errorsTotal)
	return m
}

// ObserveDecision counts one engine verdict.
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(decision).Inc()
}

// SetPending tracks the pending-approval gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}

// ObserveError counts one wire error by code.
func (m *Metrics) ObserveError(code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
