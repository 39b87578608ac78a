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

// Package vector provides the vector-store backends behind the
// knowledge-search tooling: an embedded chromem-go store for local
// deployments and a Qdrant client for production. Embeddings are
// computed by the caller; a Provider only stores and searches them.
package vector

import (
	"context"
	"fmt"
)

// Result is one match returned by Search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is the vector-store contract the search_knowledge_base tool
// and the knowledge-base seeder run against.
type Provider interface {
	// CreateCollection ensures collection exists with the given
	// embedding dimension.
	CreateCollection(ctx context.Context, collection string, dimension int) error

	// Upsert stores a document's precomputed embedding under id. The
	// document text travels in metadata["content"].
	Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error

	// Search returns the topK nearest neighbors of embedding.
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]Result, error)

	// Delete removes one document by id.
	Delete(ctx context.Context, collection, id string) error

	// DeleteCollection removes collection and everything in it.
	DeleteCollection(ctx context.Context, collection string) error

	// Name identifies the backend in logs.
	Name() string

	// Close flushes and releases held resources.
	Close() error
}

// ProviderConfig selects and configures one backend.
type ProviderConfig struct {
	// Type is "chromem" (default) or "qdrant".
	Type string `yaml:"type,omitempty"`

	Chromem *ChromemConfig `yaml:"chromem,omitempty"`
	Qdrant  *QdrantConfig  `yaml:"qdrant,omitempty"`
}

// NewProvider builds the configured backend. A nil cfg returns
// NilProvider, so deployments without vector search need no
// conditionals at the call sites.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		return NilProvider{}, nil
	}

	switch cfg.Type {
	case "", "chromem":
		var chromemCfg ChromemConfig
		if cfg.Chromem != nil {
			chromemCfg = *cfg.Chromem
		}
		return NewChromemProvider(chromemCfg)
	case "qdrant":
		if cfg.Qdrant == nil || cfg.Qdrant.Host == "" {
			return nil, fmt.Errorf("vector: the qdrant backend needs a host")
		}
		return NewQdrantProvider(*cfg.Qdrant)
	default:
		return nil, fmt.Errorf("vector: unknown backend %q (chromem or qdrant)", cfg.Type)
	}
}

// NilProvider stores nothing and finds nothing, for deployments with
// no vector backend configured; search_knowledge_base then reports "no
// matching documents" instead of erroring.
type NilProvider struct{}

func (NilProvider) CreateCollection(context.Context, string, int) error { return nil }
func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}
func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}
func (NilProvider) Delete(context.Context, string, string) error   { return nil }
func (NilProvider) DeleteCollection(context.Context, string) error { return nil }
func (NilProvider) Name() string                                   { return "nil" }
func (NilProvider) Close() error                                   { return nil }

var _ Provider = NilProvider{}
