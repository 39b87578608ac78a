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
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// PersistPath, when set, snapshots the store to disk there;
	// otherwise everything lives in memory and dies with the process.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress gzips the on-disk snapshot.
	Compress bool `yaml:"compress,omitempty"`
}

// chromemStore is the embedded, single-process Provider: pure Go,
// everything in RAM, cosine similarity. Right for local development
// and tests; production points at Qdrant instead.
type chromemStore struct {
	cfg ChromemConfig
	db  *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemProvider opens (or creates) the embedded store. With a
// persist path, an existing snapshot is loaded; a corrupt one is
// logged and replaced rather than blocking startup.
func NewChromemProvider(cfg ChromemConfig) (Provider, error) {
	s := &chromemStore{cfg: cfg, collections: make(map[string]*chromem.Collection)}

	if cfg.PersistPath == "" {
		s.db = chromem.NewDB()
		return s, nil
	}

	if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
		return nil, fmt.Errorf("vector: create persist dir %s: %w", cfg.PersistPath, err)
	}

	path := s.snapshotPath()
	if _, err := os.Stat(path); err == nil {
		db, err := chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			slog.Warn("vector snapshot unreadable, starting empty", "path", path, "error", err)
			s.db = chromem.NewDB()
			return s, nil
		}
		s.db = db
		return s, nil
	}

	s.db = chromem.NewDB()
	return s, nil
}

func (s *chromemStore) snapshotPath() string {
	name := "knowledge.gob"
	if s.cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(s.cfg.PersistPath, name)
}

// rejectEmbeddingCalls is wired as the collection's embedding func.
// Every document and query arrives with a precomputed vector, so the
// store computing one itself means a caller forgot theirs.
func rejectEmbeddingCalls(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vector: embeddings are precomputed by the caller")
}

func (s *chromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, rejectEmbeddingCalls)
	if err != nil {
		return nil, fmt.Errorf("vector: collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// CreateCollection materializes the collection. chromem sizes vectors
// from the first document, so the dimension is not enforced here.
func (s *chromemStore) CreateCollection(_ context.Context, collection string, _ int) error {
	_, err := s.collection(collection)
	return err
}

func (s *chromemStore) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	content := ""
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == "content" {
			if text, ok := v.(string); ok {
				content = text
				continue
			}
		}
		meta[k] = fmt.Sprint(v)
	}

	doc := chromem.Document{ID: id, Content: content, Metadata: meta, Embedding: embedding}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vector: upsert %s/%s: %w", collection, id, err)
	}
	return s.snapshot()
}

func (s *chromemStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]Result, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	matches, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: search %s: %w", collection, err)
	}

	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		out = append(out, Result{ID: m.ID, Score: m.Similarity, Content: m.Content, Metadata: meta})
	}
	return out, nil
}

func (s *chromemStore) Delete(ctx context.Context, collection, id string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("vector: delete %s/%s: %w", collection, id, err)
	}
	return s.snapshot()
}

func (s *chromemStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	if err := s.db.DeleteCollection(collection); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("vector: delete collection %q: %w", collection, err)
	}
	delete(s.collections, collection)
	s.mu.Unlock()
	return s.snapshot()
}

func (s *chromemStore) Name() string { return "chromem" }

// Close writes a final snapshot.
func (s *chromemStore) Close() error { return s.snapshot() }

func (s *chromemStore) snapshot() error {
	if s.cfg.PersistPath == "" {
		return nil
	}
	//nolint:staticcheck // Export is deprecated upstream but its replacement needs an io.Writer per collection.
	if err := s.db.Export(s.snapshotPath(), s.cfg.Compress, ""); err != nil {
		return fmt.Errorf("vector: snapshot: %w", err)
	}
	return nil
}

var _ Provider = (*chromemStore)(nil)
