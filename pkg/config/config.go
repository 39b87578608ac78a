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

// Package config provides configuration loading for the execution core.
//
// Configuration is YAML first: the process reads a single config file
// (if present), expands ${VAR} references in it from the environment,
// applies defaults, and validates the result before the runtime is
// built. Environment variables reach the config only through such
// ${VAR} references; they are not overlaid onto fields directly.
//
// Example config:
//
//	graph:
//	  max_parallel_workers: 8
//	  recursion_limit: 25
//
//	llms:
//	  default:
//	    provider: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//	  consult:
//	    provider: openai
//	    model: gpt-4o-mini
//	    api_key: ${OPENAI_API_KEY}
//	    strict: true
//
//	server:
//	  port: 8080
//	  cors_allow_origins: ["https://app.example.com"]
package config

import (
	"fmt"

	"github.com/kadirpekel/flowcore/pkg/observability"
)

// Config is the root configuration structure for the execution core.
type Config struct {
	// Version of the config schema (e.g., "1").
	Version string `yaml:"version,omitempty"`

	// Name of this deployment (for logging/display).
	Name string `yaml:"name,omitempty"`

	// LLMs defines the named model pool the Model Gateway dispatches against.
	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	// Graph configures the scheduler shared across flows.
	Graph GraphConfig `yaml:"graph,omitempty"`

	// Server configures the HTTP/SSE surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Auth configures bearer-token validation and authorization grants.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// Flows binds the compiled flows to models and data sources.
	Flows FlowsConfig `yaml:"flows,omitempty"`

	// Logger configures logging behavior.
	Logger *LoggerConfig `yaml:"logger,omitempty"`

	// RateLimiting configures the per-principal quota gate on the
	// HTTP surface.
	RateLimiting *RateLimitConfig `yaml:"rate_limiting,omitempty"`

	// Observability configures the ambient tracing/metrics stack.
	Observability *observability.Config `yaml:"observability,omitempty"`

	// Defaults provides default values applied across flows.
	Defaults *DefaultsConfig `yaml:"defaults,omitempty"`

	// Databases names the SQL backing stores available to the checkpoint
	// store and rate limiter, keyed by the name referenced from their
	// own config sections (e.g. rate_limiting.database).
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty"`
}

// GraphConfig holds the scheduler-wide tunables, read from the graph
// section of the config file. The upper-cased name after each field is
// its conventional setting name; no environment variable of that name
// is read directly.
type GraphConfig struct {
	// MaxParallelWorkers bounds concurrent dispatch-message execution
	// within a single superstep (MAX_PARALLEL_WORKERS).
	MaxParallelWorkers int `yaml:"max_parallel_workers,omitempty"`

	// ReportLLMConcurrency bounds concurrent analyst-node model calls
	// for the report flow (REPORT_LLM_CONCURRENCY).
	ReportLLMConcurrency int `yaml:"report_llm_concurrency,omitempty"`

	// ReportConsultLLMConcurrency bounds concurrent calls to the consult
	// model used by the report editor node (REPORT_CONSULT_LLM_CONCURRENCY).
	ReportConsultLLMConcurrency int `yaml:"report_consult_llm_concurrency,omitempty"`

	// AnalystMaxRetries bounds how many attempts a report cluster's
	// analyst node gets before its chapter is recorded as failed
	// (ANALYST_MAX_RETRIES).
	AnalystMaxRetries int `yaml:"analyst_max_retries,omitempty"`

	// AnalystTimeoutSeconds bounds a single analyst-node attempt
	// (ANALYST_TIMEOUT_SECONDS).
	AnalystTimeoutSeconds int `yaml:"analyst_timeout_seconds,omitempty"`

	// RecursionLimit bounds the number of supersteps a single run may
	// take before the scheduler aborts it (GRAPH_RECURSION_LIMIT).
	RecursionLimit int `yaml:"recursion_limit,omitempty"`

	// SnapshotThrottleSeconds is the minimum interval between throttled
	// state snapshots emitted while a long-running node is in flight
	// (SNAPSHOT_THROTTLE_INTERVAL).
	SnapshotThrottleSeconds float64 `yaml:"snapshot_throttle_interval,omitempty"`

	// LongRunningTaskThresholdSeconds is how long a node must run before
	// it is considered long-running for throttled-snapshot purposes
	// (LONG_RUNNING_TASK_THRESHOLD).
	LongRunningTaskThresholdSeconds float64 `yaml:"long_running_task_threshold,omitempty"`

	// ReportKeepaliveSeconds is the SSE comment keepalive interval for
	// the report stream (REPORT_KEEPALIVE_INTERVAL).
	ReportKeepaliveSeconds float64 `yaml:"report_keepalive_interval,omitempty"`
}

// SetDefaults applies the production defaults.
func (g *GraphConfig) SetDefaults() {
	if g.MaxParallelWorkers == 0 {
		g.MaxParallelWorkers = 8
	}
	if g.ReportLLMConcurrency == 0 {
		g.ReportLLMConcurrency = 4
	}
	if g.ReportConsultLLMConcurrency == 0 {
		g.ReportConsultLLMConcurrency = 2
	}
	if g.AnalystMaxRetries == 0 {
		g.AnalystMaxRetries = 3
	}
	if g.AnalystTimeoutSeconds == 0 {
		g.AnalystTimeoutSeconds = 120
	}
	if g.RecursionLimit == 0 {
		g.RecursionLimit = 50
	}
	if g.SnapshotThrottleSeconds == 0 {
		g.SnapshotThrottleSeconds = 12.0
	}
	if g.LongRunningTaskThresholdSeconds == 0 {
		g.LongRunningTaskThresholdSeconds = 20.0
	}
	if g.ReportKeepaliveSeconds == 0 {
		g.ReportKeepaliveSeconds = 30.0
	}
}

// Validate checks the graph configuration for obviously invalid values.
func (g *GraphConfig) Validate() error {
	if g.MaxParallelWorkers < 0 {
		return fmt.Errorf("graph.max_parallel_workers must be >= 0")
	}
	if g.RecursionLimit <= 0 {
		return fmt.Errorf("graph.recursion_limit must be > 0")
	}
	return nil
}

// DefaultsConfig provides default values applied across flows.
type DefaultsConfig struct {
	// LLM is the default model reference used where a flow doesn't pin one.
	LLM string `yaml:"llm,omitempty"`
}

// SetDefaults applies default values to the config.
func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if len(c.LLMs) == 0 {
		c.LLMs["default"] = &LLMConfig{}
	}
	for name, llm := range c.LLMs {
		if llm == nil {
			c.LLMs[name] = &LLMConfig{}
			llm = c.LLMs[name]
		}
		llm.SetDefaults()
	}

	c.Graph.SetDefaults()
	c.Server.SetDefaults()

	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	c.Auth.SetDefaults()

	defaultLLM := "default"
	if c.Defaults != nil && c.Defaults.LLM != "" {
		defaultLLM = c.Defaults.LLM
	}
	c.Flows.SetDefaults(defaultLLM)

	if c.Logger == nil {
		c.Logger = &LoggerConfig{}
	}
	c.Logger.SetDefaults()

	if c.RateLimiting != nil {
		c.RateLimiting.SetDefaults()
	}

	// Metrics default on: the server mounts /metrics either way, and a
	// scraper finding a 503 there is harder to debug than an opt-out.
	if c.Observability == nil {
		c.Observability = &observability.Config{
			Metrics: observability.MetricsConfig{Enabled: true},
		}
	}
	c.Observability.SetDefaults()

	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	for name, llm := range c.LLMs {
		if llm == nil {
			continue
		}
		if err := llm.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("llm %q: %v", name, err))
		}
	}

	if err := c.Graph.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server: %v", err))
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Flows.Validate(c.LLMs); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("logger: %v", err))
		}
	}

	if c.RateLimiting != nil {
		if err := c.RateLimiting.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("rate_limiting: %v", err))
		}
	}

	for name, db := range c.Databases {
		if db == nil {
			continue
		}
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("databases.%s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", joinErrs(errs))
	}

	return nil
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "\n  - " + e
	}
	return out
}

// GetLLM returns the LLM config by name.
func (c *Config) GetLLM(name string) (*LLMConfig, bool) {
	llm, ok := c.LLMs[name]
	return llm, ok
}

// ListLLMs returns the names of all configured models.
func (c *Config) ListLLMs() []string {
	names := make([]string, 0, len(c.LLMs))
	for name := range c.LLMs {
		names = append(names, name)
	}
	return names
}

// BoolPtr returns a pointer to b, a small convenience used throughout the
// config package for optional boolean fields.
func BoolPtr(b bool) *bool { return &b }
