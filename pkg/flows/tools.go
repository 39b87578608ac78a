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

// Package flows compiles the chat and report graph.Compiled flows: the
// node bodies, state reducer schemas, and the domain tool set
// (consult_general_knowledge, get_procedure, get_regelgeving) the agent
// and analyst nodes call through.
package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/registry"
	"github.com/kadirpekel/flowcore/pkg/vector"
)

// Tool is one callable tool: its name and description for the model's
// tool-choice prompt, a JSON Schema of its parameters, and the handler
// that actually runs it.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ToolRegistry is a name-keyed set of Tools, reusing the same generic
// registry pattern pkg/llms.Registry builds on.
type ToolRegistry struct {
	*registry.Registry[Tool]
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{Registry: registry.New[Tool]()}
}

// MustRegister registers t or panics; used at graph-build time where
// a duplicate tool name is a programming error, not a runtime one.
func (r *ToolRegistry) MustRegister(t Tool) {
	if err := r.Register(t.Name, t); err != nil {
		panic(fmt.Sprintf("flows: %v", err))
	}
}

// Definitions returns every registered tool as an llms.ToolDefinition,
// sorted by name so a bound request's tool list is deterministic.
func (r *ToolRegistry) Definitions() []llms.ToolDefinition {
	tools := r.List()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Call runs the named tool, returning an error the caller renders into
// the tool-result message content rather than propagating; a failed
// tool call answers the model, it does not abort the node.
func (r *ToolRegistry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("flows: unknown tool %q", name)
	}
	return t.Handler(ctx, args)
}

// schemaOf generates a JSON Schema object for a Go struct, used to fill
// in Tool.Parameters without hand-maintaining each tool's schema map.
func schemaOf(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := reflector.Reflect(v)

	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(raw, "$schema")
	delete(raw, "$id")

	out := map[string]any{"type": "object", "properties": raw["properties"]}
	if req, ok := raw["required"]; ok {
		out["required"] = req
	}
	return out
}

// consultArgs is the consult_general_knowledge tool's parameter shape.
type consultArgs struct {
	Query string `json:"query" jsonschema:"required,description=Natural-language question to search the knowledge base for"`
}

// procedureArgs is the get_procedure tool's parameter shape.
type procedureArgs struct {
	ID string `json:"id" jsonschema:"required,description=Procedure identifier, e.g. PR-AV-014"`
}

// regelgevingArgs is the get_regelgeving tool's parameter shape.
type regelgevingArgs struct {
	Topic string `json:"topic" jsonschema:"required,description=Regulation topic to look up, e.g. privacy or arbeidsrecht"`
}

// ConsultFunc answers consult_general_knowledge by delegating to the
// chat flow as a governed sub-call, the analyst's "ask the assistant"
// tool.
type ConsultFunc func(ctx context.Context, query string) (string, error)

// NewConsultTool wires consult_general_knowledge to fn.
func NewConsultTool(fn ConsultFunc) Tool {
	return Tool{
		Name:        "consult_general_knowledge",
		Description: "Ask a general-purpose assistant a natural-language question and receive a synthesized answer, for background context a procedure or regulation lookup would not cover.",
		Parameters:  schemaOf(consultArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("consult_general_knowledge: missing required argument %q", "query")
			}
			return fn(ctx, query)
		},
	}
}

// NewProcedureTool wires get_procedure to an XLSX-sourced lookup table.
func NewProcedureTool(table *ProcedureTable) Tool {
	return Tool{
		Name:        "get_procedure",
		Description: "Look up the full text of a procedure by its identifier.",
		Parameters:  schemaOf(procedureArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return "", fmt.Errorf("get_procedure: missing required argument %q", "id")
			}
			rec, ok := table.Get(id)
			if !ok {
				return fmt.Sprintf("no procedure found for id %q", id), nil
			}
			return fmt.Sprintf("Procedure %s (%s / %s):\n%s", rec.ID, rec.Department, rec.Topic, rec.Text), nil
		},
	}
}

// NewRegelgevingTool wires get_regelgeving to a deterministic in-memory
// lookup, since the regulatory text itself does not change between
// requests the way a vector-indexed knowledge base might.
func NewRegelgevingTool(table RegelgevingTable) Tool {
	return Tool{
		Name:        "get_regelgeving",
		Description: "Look up the applicable regulation text for a topic.",
		Parameters:  schemaOf(regelgevingArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			topic, _ := args["topic"].(string)
			if topic == "" {
				return "", fmt.Errorf("get_regelgeving: missing required argument %q", "topic")
			}
			text, ok := table[topic]
			if !ok {
				return fmt.Sprintf("no regulation on file for topic %q", topic), nil
			}
			return text, nil
		},
	}
}

// searchArgs is the search_knowledge_base tool's parameter shape.
type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Natural-language query to match against indexed knowledge documents"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many documents to return (default 4)"`
}

// EmbedFunc turns a query string into the vector the knowledge store
// indexes by. Production wires a real embedding model; tests and local
// dev use HashEmbedder.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// HashEmbedder returns a deterministic feature-hashed bag-of-words
// EmbedFunc of the given dimension. It is not a semantic embedding -
// it exists so the vector-store path works end to end without an
// embedding service, with identical queries always hashing to
// identical vectors.
func HashEmbedder(dim int) EmbedFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if dim <= 0 {
			return nil, fmt.Errorf("flows: embed dimension must be > 0")
		}
		vec := make([]float32, dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for i := range vec {
				vec[i] *= scale
			}
		}
		return vec, nil
	}
}

// NewKnowledgeSearchTool wires search_knowledge_base to a vector store
// collection: embed the query, search, render the top matches as the
// tool result.
func NewKnowledgeSearchTool(store vector.Provider, collection string, embed EmbedFunc) Tool {
	return Tool{
		Name:        "search_knowledge_base",
		Description: "Search the indexed knowledge base for documents relevant to a query and return the best-matching passages.",
		Parameters:  schemaOf(searchArgs{}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("search_knowledge_base: missing required argument %q", "query")
			}
			topK := 4
			if k, ok := args["top_k"].(float64); ok && k > 0 {
				topK = int(k)
			}

			vec, err := embed(ctx, query)
			if err != nil {
				return "", fmt.Errorf("search_knowledge_base: embed query: %w", err)
			}
			results, err := store.Search(ctx, collection, vec, topK)
			if err != nil {
				return "", fmt.Errorf("search_knowledge_base: %w", err)
			}
			if len(results) == 0 {
				return "no matching documents found", nil
			}

			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "[%d] (score %.3f) %s\n", i+1, r.Score, r.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
