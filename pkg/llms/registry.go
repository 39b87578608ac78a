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

package llms

import (
	"context"
	"fmt"

	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/registry"
)

// Registry is a name-keyed set of constructed Providers, one per entry
// in config.Config.LLMs.
type Registry struct {
	*registry.Registry[Provider]
}

// NewRegistry constructs every configured LLM as its vendor Provider
// and registers it under its config name.
func NewRegistry(ctx context.Context, cfgs map[string]*config.LLMConfig) (*Registry, error) {
	reg := &Registry{Registry: registry.New[Provider]()}

	for name, llmCfg := range cfgs {
		provider, err := NewProvider(ctx, llmCfg)
		if err != nil {
			return nil, fmt.Errorf("llms: build provider %q: %w", name, err)
		}
		if err := reg.Register(name, provider); err != nil {
			return nil, fmt.Errorf("llms: register provider %q: %w", name, err)
		}
	}

	return reg, nil
}

// NewProvider constructs the vendor Provider a single LLMConfig names.
func NewProvider(ctx context.Context, cfg *config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	case config.LLMProviderOllama:
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("llms: unknown provider %q", cfg.Provider)
	}
}
