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

import (
	"fmt"
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderGemini    LLMProvider = "gemini"
	LLMProviderOllama    LLMProvider = "ollama"
)

// LLMConfig configures an LLM provider.
type LLMConfig struct {
	// Provider type (anthropic, openai, gemini, ollama).
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=anthropic,enum=openai,enum=gemini,enum=ollama,default=anthropic"`

	// Model name (e.g., "claude-sonnet-4-20250514", "gpt-4o").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`

	// Temperature for generation (0.0 - 2.0).
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Thinking enables extended thinking (Claude).
	Thinking *ThinkingConfig `yaml:"thinking,omitempty" json:"thinking,omitempty" jsonschema:"title=Thinking Configuration,description=Extended thinking configuration (Claude)"`

	// Location pins a region-hosted backend (e.g. a Vertex-hosted
	// Gemini region); empty uses the provider's default endpoint.
	Location string `yaml:"location,omitempty" json:"location,omitempty"`

	// ThinkingLevel requests a reasoning-effort tier ("low", "medium",
	// "high") on models that expose one; empty leaves the model's
	// default.
	ThinkingLevel string `yaml:"thinking_level,omitempty" json:"thinking_level,omitempty"`

	// Strict flags this model as rate-gated: the gateway enforces a
	// minimum inter-request interval (StrictIntervalSeconds) in addition
	// to the concurrency semaphore. Used for Pro-tier models with tight
	// RPM quotas (e.g. gemini-2.5-pro at 5 req/min).
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty" jsonschema:"title=Strict,description=Enforce a minimum inter-request interval for this model"`

	// StrictIntervalSeconds overrides the default 12s minimum interval
	// applied to strict models.
	StrictIntervalSeconds float64 `yaml:"strict_interval_seconds,omitempty" json:"strict_interval_seconds,omitempty"`

	// Permits bounds concurrent in-flight calls to this model (the
	// gateway's per-model semaphore size). Zero means unlimited.
	Permits int `yaml:"permits,omitempty" json:"permits,omitempty"`
}

// ThinkingConfig configures extended thinking (Claude).
type ThinkingConfig struct {
	// Enabled turns on extended thinking.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Enable extended thinking,default=true"`

	// BudgetTokens is the token budget for thinking.
	BudgetTokens int `yaml:"budget_tokens,omitempty" json:"budget_tokens,omitempty" jsonschema:"title=Budget Tokens,description=Token budget for thinking,minimum=1,default=1024"`
}

// providerDefaults is the per-provider table SetDefaults draws from:
// the fallback model and the environment variables an unset api_key is
// read from, in order.
var providerDefaults = map[LLMProvider]struct {
	model   string
	keyEnvs []string
}{
	LLMProviderAnthropic: {model: "claude-sonnet-4-20250514", keyEnvs: []string{"ANTHROPIC_API_KEY"}},
	LLMProviderOpenAI:    {model: "gpt-4o", keyEnvs: []string{"OPENAI_API_KEY"}},
	LLMProviderGemini:    {model: "gemini-2.0-flash", keyEnvs: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	LLMProviderOllama:    {model: "llama3.2"},
}

// SetDefaults applies default values. An entry with no provider is
// anthropic; an entry with no api_key reads the provider's usual
// environment variables.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = LLMProviderAnthropic
	}

	defaults := providerDefaults[c.Provider]
	if c.Model == "" {
		c.Model = defaults.model
	}
	if c.APIKey == "" {
		for _, env := range defaults.keyEnvs {
			if key := os.Getenv(env); key != "" {
				c.APIKey = key
				break
			}
		}
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}

	if c.Thinking != nil {
		if c.Thinking.Enabled == nil {
			c.Thinking.Enabled = BoolPtr(true)
		}
		if c.Thinking.BudgetTokens == 0 {
			c.Thinking.BudgetTokens = 1024
		}
	}

	if c.Strict && c.StrictIntervalSeconds == 0 {
		c.StrictIntervalSeconds = 12.0
	}
	// Pro-class (strict) models default to one permit; non-strict
	// models stay unlimited unless configured.
	if c.Strict && c.Permits == 0 {
		c.Permits = 1
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.Provider != "" {
		if _, known := providerDefaults[c.Provider]; !known {
			return fmt.Errorf("invalid provider %q (valid: anthropic, openai, gemini, ollama)", c.Provider)
		}
	}

	// Every hosted provider authenticates; only local ollama runs
	// keyless.
	if c.Provider != LLMProviderOllama && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	switch c.ThinkingLevel {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("invalid thinking_level %q (low, medium, or high)", c.ThinkingLevel)
	}

	return nil
}
