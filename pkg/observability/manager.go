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

// Package observability is the ambient tracing/metrics stack: OTel
// spans exported over OTLP and a Prometheus instrument set, both
// dependency-injected from boot. It complements pkg/execmetrics, which
// keeps the per-thread numbers the SSE payloads carry.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Manager owns whichever observability components the config enabled
// and tears them down together. A zero Manager (everything disabled)
// is valid; every accessor degrades to nil or a stub.
type Manager struct {
	tracer  *Tracer
	metrics *Metrics
}

// NewFromConfig builds the enabled components. A nil config disables
// everything.
func NewFromConfig(ctx context.Context, cfg *Config) (*Manager, error) {
	m := &Manager{}
	if cfg == nil {
		return m, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	if cfg.Tracing.Enabled {
		var opts []TracerOption
		if cfg.Tracing.IsDebugExporterEnabled() {
			opts = append(opts, WithDebugExporter(NewDebugExporter(0)))
		}
		if cfg.Tracing.CapturePayloads {
			opts = append(opts, WithCapturePayloads(true))
		}

		tracer, err := NewTracer(ctx, &cfg.Tracing, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: tracing: %w", err)
		}
		m.tracer = tracer
		slog.Info("tracing enabled",
			"exporter", cfg.Tracing.Exporter,
			"endpoint", cfg.Tracing.Endpoint,
			"sampling_rate", cfg.Tracing.SamplingRate)
	}

	if cfg.Metrics.Enabled {
		metrics, err := NewMetrics(&cfg.Metrics)
		if err != nil {
			if m.tracer != nil {
				_ = m.tracer.Shutdown(ctx)
			}
			return nil, fmt.Errorf("observability: metrics: %w", err)
		}
		m.metrics = metrics
		slog.Info("metrics enabled", "endpoint", cfg.Metrics.Endpoint, "namespace", cfg.Metrics.Namespace)
	}

	return m, nil
}

// Tracer returns the tracer, or nil when tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the instrument set, or nil when metrics are
// disabled. Metrics' methods are nil-safe, so the result can be used
// unconditionally.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsHandler serves /metrics; a 503 stub when metrics are off.
func (m *Manager) MetricsHandler() http.Handler {
	return m.Metrics().Handler()
}

// DebugExporter returns the in-memory span sink, or nil when tracing
// or the debug exporter is off.
func (m *Manager) DebugExporter() *DebugExporter {
	return m.Tracer().DebugExporter()
}

// TracingEnabled reports whether spans are being recorded.
func (m *Manager) TracingEnabled() bool { return m.Tracer() != nil }

// MetricsEnabled reports whether the instrument set is live.
func (m *Manager) MetricsEnabled() bool { return m.Metrics() != nil }

// Shutdown flushes and stops every enabled component. The Prometheus
// registry needs no teardown; only the trace pipeline buffers.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.tracer == nil {
		return nil
	}
	if err := m.tracer.Shutdown(ctx); err != nil {
		return errors.Join(errors.New("observability: tracer shutdown"), err)
	}
	return nil
}
