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

// Command populate-knowledge-base indexes a folder of text documents
// into the vector collection search_knowledge_base queries, so a local
// deployment has something to search.
//
// Usage:
//
//	go run scripts/populate-knowledge-base.go -docs ./knowledge-docs -collection general_knowledge
//	go run scripts/populate-knowledge-base.go -docs ./knowledge-docs -qdrant localhost:6334
package main

import (
	"context"
	"crypto/md5"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/vector"
)

const embedDimension = 256

func main() {
	docs := flag.String("docs", "knowledge-docs", "folder of text documents to index")
	collection := flag.String("collection", "general_knowledge", "target vector collection")
	qdrant := flag.String("qdrant", "", "qdrant host:port (empty = local chromem store)")
	persist := flag.String("persist", "./.flowcore/vectors", "chromem persistence path")
	flag.Parse()

	ctx := context.Background()

	store, err := openStore(*qdrant, *persist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.CreateCollection(ctx, *collection, embedDimension); err != nil {
		fmt.Fprintf(os.Stderr, "error: create collection: %v\n", err)
		os.Exit(1)
	}

	embed := flows.HashEmbedder(embedDimension)
	indexed := 0

	err = filepath.Walk(*docs, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", path, err)
			return nil
		}

		relPath, err := filepath.Rel(*docs, path)
		if err != nil {
			relPath = filepath.Base(path)
		}

		vec, err := embed(ctx, string(content))
		if err != nil {
			return fmt.Errorf("embed %s: %w", path, err)
		}

		docKey := fmt.Sprintf("%s:%s", *collection, relPath)
		hash := md5.Sum([]byte(docKey))
		docID := uuid.NewMD5(uuid.Nil, hash[:]).String()

		metadata := map[string]any{
			"content": string(content),
			"path":    relPath,
			"name":    filepath.Base(path),
		}
		if err := store.Upsert(ctx, *collection, docID, vec, metadata); err != nil {
			return fmt.Errorf("upsert %s: %w", docID, err)
		}

		indexed++
		fmt.Printf("indexed %s\n", relPath)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("done: %d documents in collection %q\n", indexed, *collection)
}

func openStore(qdrantAddr, persistPath string) (vector.Provider, error) {
	if qdrantAddr == "" {
		return vector.NewChromemProvider(vector.ChromemConfig{PersistPath: persistPath})
	}

	host, portStr, ok := strings.Cut(qdrantAddr, ":")
	port := 6334
	if ok {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q", portStr)
		}
		port = p
	}
	return vector.NewQdrantProvider(vector.QdrantConfig{Host: host, Port: port})
}
