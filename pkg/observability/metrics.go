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

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus instrument set for the
// execution core: the HTTP surface, the SSE streams it holds open, and
// the model calls the gateway pushes through. Per-thread accounting
// stays in pkg/execmetrics; these are the fleet-level aggregates an
// operator alerts on.
//
// Every recording method is safe on a nil receiver, so call sites
// never need an "is metrics on" branch.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	streamsOpen  prometheus.Gauge

	llmCalls  *prometheus.CounterVec
	llmTokens *prometheus.CounterVec
	llmTTFT   prometheus.Histogram
}

// NewMetrics builds the instrument set under cfg's namespace, on a
// private registry so tests can run many instances side by side.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{registry: registry}

	m.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "http_requests_total",
		Help:        "HTTP requests served, by method, chi route pattern, and status code.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"method", "route", "status"})

	m.httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "http_request_duration_seconds",
		Help:        "HTTP request latency. SSE routes report the full stream lifetime.",
		ConstLabels: cfg.ConstLabels,
		// Wide buckets: /healthz answers in microseconds, a report
		// stream stays open for an hour.
		Buckets: []float64{.005, .05, .5, 5, 30, 120, 600, 3600},
	}, []string{"method", "route"})

	m.streamsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "sse_streams_open",
		Help:        "SSE connections currently streaming a run.",
		ConstLabels: cfg.ConstLabels,
	})

	m.llmCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "llm_calls_total",
		Help:        "Model invocations through the gateway, by model and outcome.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"model", "outcome"})

	m.llmTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "llm_tokens_total",
		Help:        "Tokens consumed, by model and kind (input, output, thinking).",
		ConstLabels: cfg.ConstLabels,
	}, []string{"model", "kind"})

	m.llmTTFT = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "llm_time_to_first_token_seconds",
		Help:        "Latency from gateway dispatch to the first streamed token.",
		ConstLabels: cfg.ConstLabels,
		Buckets:     []float64{.25, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	return m, nil
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// StreamOpened bumps the live-stream gauge; pair with StreamClosed.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsOpen.Inc()
}

// StreamClosed is StreamOpened's deferred counterpart.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsOpen.Dec()
}

// ObserveLLMCall records one completed model invocation. outcome is
// "ok" or an error kind; a zero ttft means no token ever streamed.
func (m *Metrics) ObserveLLMCall(model, outcome string, inputTokens, outputTokens, thinkingTokens int, ttft time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, outcome).Inc()
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if thinkingTokens > 0 {
		m.llmTokens.WithLabelValues(model, "thinking").Add(float64(thinkingTokens))
	}
	if ttft > 0 {
		m.llmTTFT.Observe(ttft.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests that scrape it
// directly.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
