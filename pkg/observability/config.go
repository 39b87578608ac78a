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

import "fmt"

// Config is the observability section of the deployment config.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures the OTel span pipeline.
type TracingConfig struct {
	// Enabled turns span recording on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "otlp" (default) or "none" (spans only reach the
	// debug ring).
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate keeps this fraction of traces, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName and ServiceVersion stamp the trace resource.
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	// Insecure skips TLS to the collector; defaults to true, the
	// local-collector posture.
	Insecure *bool `yaml:"insecure,omitempty"`

	// CapturePayloads records full LLM/tool payloads on spans. Spans
	// then carry end-user content; leave off outside debugging.
	CapturePayloads bool `yaml:"capture_payloads,omitempty"`

	// DebugExporter keeps the in-memory span ring; defaults to on
	// whenever tracing is.
	DebugExporter *bool `yaml:"debug_exporter,omitempty"`
}

// MetricsConfig configures the Prometheus instrument set.
type MetricsConfig struct {
	// Enabled turns the /metrics exporter on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the scrape path (default /metrics).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace and Subsystem prefix every metric name.
	Namespace string `yaml:"namespace,omitempty"`
	Subsystem string `yaml:"subsystem,omitempty"`

	// ConstLabels ride on every metric, e.g. a deployment id.
	ConstLabels map[string]string `yaml:"const_labels,omitempty"`
}

// SetDefaults fills both sections.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks both sections.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults fills the zero fields.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
}

// Validate checks the tracing section; a disabled section is always
// valid.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exporter != "otlp" && c.Exporter != "none" {
		return fmt.Errorf("unknown exporter %q (otlp or none)", c.Exporter)
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("the otlp exporter needs an endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate %v outside [0, 1]", c.SamplingRate)
	}
	return nil
}

// IsDebugExporterEnabled defaults the span ring to on whenever tracing
// is.
func (c *TracingConfig) IsDebugExporterEnabled() bool {
	if c.DebugExporter == nil {
		return c.Enabled
	}
	return *c.DebugExporter
}

// IsInsecure defaults to a plaintext collector connection.
func (c *TracingConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// SetDefaults fills the zero fields.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = DefaultServiceName
	}
}

// Validate checks the metrics section.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("an enabled metrics exporter needs an endpoint")
	}
	return nil
}
