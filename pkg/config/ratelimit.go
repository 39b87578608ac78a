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

package config

import "fmt"

// RateLimitConfig configures the per-principal quota gate the HTTP
// surface applies before a flow run may start.
//
//	rate_limiting:
//	  enabled: true
//	  backend: sql
//	  database: default
//	  quotas:
//	    - window: minute
//	      requests: 60
//	    - window: day
//	      tokens: 200000
type RateLimitConfig struct {
	// Enabled turns the quota gate on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Backend is "memory" (default, per-process) or "sql" (shared
	// across instances).
	Backend string `yaml:"backend,omitempty"`

	// Database names the databases entry backing the sql backend.
	Database string `yaml:"database,omitempty"`

	// Quotas holds one entry per window. A zero dimension is
	// unlimited.
	Quotas []QuotaConfig `yaml:"quotas,omitempty"`
}

// QuotaConfig bounds one quota window.
type QuotaConfig struct {
	// Window is "minute", "hour", or "day".
	Window string `yaml:"window"`

	// Requests caps how many requests a principal may start per
	// window.
	Requests int64 `yaml:"requests,omitempty"`

	// Tokens caps how many model tokens a principal's runs may burn
	// per window.
	Tokens int64 `yaml:"tokens,omitempty"`
}

// SetDefaults applies the production defaults: a burst guard per
// minute and a daily token budget.
func (c *RateLimitConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Enabled && len(c.Quotas) == 0 {
		c.Quotas = []QuotaConfig{
			{Window: "minute", Requests: 60},
			{Window: "day", Tokens: 200000},
		}
	}
}

// Validate checks the quota gate configuration.
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Backend {
	case "", "memory":
	case "sql":
		if c.Database == "" {
			return fmt.Errorf("rate_limiting: the sql backend needs a database reference")
		}
	default:
		return fmt.Errorf("rate_limiting: unknown backend %q (memory or sql)", c.Backend)
	}

	seen := map[string]bool{}
	for i, q := range c.Quotas {
		switch q.Window {
		case "minute", "hour", "day":
		default:
			return fmt.Errorf("rate_limiting.quotas[%d]: unknown window %q (minute, hour, or day)", i, q.Window)
		}
		if seen[q.Window] {
			return fmt.Errorf("rate_limiting.quotas[%d]: duplicate window %q", i, q.Window)
		}
		seen[q.Window] = true
		if q.Requests < 0 || q.Tokens < 0 {
			return fmt.Errorf("rate_limiting.quotas[%d]: negative quota", i)
		}
		if q.Requests == 0 && q.Tokens == 0 {
			return fmt.Errorf("rate_limiting.quotas[%d]: at least one of requests or tokens must be positive", i)
		}
	}
	return nil
}
