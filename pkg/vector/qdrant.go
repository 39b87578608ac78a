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

package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	// Host of the Qdrant server.
	Host string `yaml:"host"`

	// Port is the gRPC port (default 6334).
	Port int `yaml:"port,omitempty"`

	// APIKey authenticates against a secured deployment.
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS on the client connection.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// qdrantStore is the production Provider: cosine-distance collections
// on a Qdrant server, documents carried as point payloads.
type qdrantStore struct {
	client *qdrant.Client
}

// NewQdrantProvider connects to the configured server.
func NewQdrantProvider(cfg QdrantConfig) (Provider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &qdrantStore{client: client}, nil
}

func (s *qdrantStore) CreateCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("vector: check collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %q: %w", collection, err)
	}
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	// Lazily sized from the first document, so the seeder can write
	// without a separate CreateCollection pass.
	if err := s.CreateCollection(ctx, collection, len(embedding)); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, value := range metadata {
		converted, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("vector: payload %q: %w", key, err)
		}
		payload[key] = converted
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(embedding...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("vector: upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *qdrantStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]Result, error) {
	found, err := s.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: search %s: %w", collection, err)
	}

	out := make([]Result, 0, len(found.Result))
	for _, point := range found.Result {
		res := Result{Score: point.Score, Metadata: make(map[string]any, len(point.Payload))}

		if point.Id != nil {
			switch id := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				res.ID = id.Uuid
			case *qdrant.PointId_Num:
				res.ID = fmt.Sprintf("%d", id.Num)
			}
		}

		for key, value := range point.Payload {
			res.Metadata[key] = payloadValue(value)
		}
		if text, ok := res.Metadata["content"].(string); ok {
			res.Content = text
		}

		out = append(out, res)
	}
	return out, nil
}

func (s *qdrantStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *qdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("vector: delete collection %q: %w", collection, err)
	}
	return nil
}

func (s *qdrantStore) Name() string { return "qdrant" }

func (s *qdrantStore) Close() error { return s.client.Close() }

// payloadValue flattens one Qdrant payload value into a plain Go
// value, recursing into lists.
func payloadValue(v *qdrant.Value) any {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		if kind.ListValue == nil {
			return nil
		}
		list := make([]any, len(kind.ListValue.Values))
		for i, item := range kind.ListValue.Values {
			list[i] = payloadValue(item)
		}
		return list
	default:
		return v
	}
}

var _ Provider = (*qdrantStore)(nil)
