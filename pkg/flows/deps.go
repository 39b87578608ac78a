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

package flows

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowcore/pkg/execmetrics"
	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/utils"
	"github.com/kadirpekel/flowcore/pkg/vector"
)

// Config tunes the two compiled flows: which model backs each role,
// how wide the report flow's fan-out runs, and how many times a
// failed cluster gets retried before its chapter is recorded as a
// permanent failure.
type Config struct {
	ChatModel     string
	AnalystModel  string
	EditorModel   string
	VectorStore   vector.Provider
	KnowledgeBase string // vector collection search_knowledge_base searches

	MaxParallelWorkers int
	AnalystMaxRetries  int
	MaxReactSteps      int

	// RecursionLimit overrides the compiled graphs' super-step cap; 0
	// keeps each graph's own default.
	RecursionLimit int

	// AnalystTimeout bounds a single analyst-node attempt; 0 leaves
	// the attempt bounded only by the gateway's per-call timeouts.
	AnalystTimeout time.Duration
}

// SetDefaults fills in zero fields with the values the report flow
// needs to make forward progress.
func (c *Config) SetDefaults() {
	if c.MaxParallelWorkers <= 0 {
		c.MaxParallelWorkers = 4
	}
	if c.AnalystMaxRetries <= 0 {
		c.AnalystMaxRetries = 2
	}
	if c.MaxReactSteps <= 0 {
		c.MaxReactSteps = 6
	}
	if c.KnowledgeBase == "" {
		c.KnowledgeBase = "general_knowledge"
	}
	if c.VectorStore == nil {
		c.VectorStore = vector.NilProvider{}
	}
}

// Deps bundles everything a flow's node bodies need that isn't part
// of the graph state itself: the gateway every model call goes
// through, the tool registries bound into each flow's requests, and
// the tuning Config.
type Deps struct {
	Gateway *gateway.Gateway
	Config  Config

	ChatTools    *ToolRegistry
	AnalystTools *ToolRegistry

	// Metrics, if non-nil, receives tool-duration accounting alongside
	// the LLM usage the gateway already records.
	Metrics *execmetrics.Registry
}

// callTool runs one registered tool with the node's raw-event
// bracketing and duration accounting. A tool error is rendered into
// the result string; it answers the model rather than failing the node.
func (d *Deps) callTool(rc *graph.RunContext, reg *ToolRegistry, call llms.ToolCall) string {
	rc.Emit(graph.RawEvent{Type: graph.RawToolStart, Name: call.Name, Input: call.Arguments})
	start := time.Now()
	out, err := reg.Call(rc.Context(), call.Name, call.Arguments)
	if err != nil {
		out = fmt.Sprintf("error: %v", err)
	}
	if d.Metrics != nil {
		d.Metrics.RecordToolCost(rc.ThreadID, time.Since(start), nil)
	}
	rc.Emit(graph.RawEvent{Type: graph.RawToolEnd, Name: call.Name, Output: out})
	return out
}

// llmCall runs one governed, streamed LLM call through the gateway,
// emitting the llm_start/content_chunk*/llm_end raw events the Event
// Emitter turns into the SSE envelope triple; the bridge between
// pkg/graph's node bodies and pkg/gateway/pkg/llms.
func llmCall(rc *graph.RunContext, gw *gateway.Gateway, pool gateway.Pool, model string, req llms.Request) (llms.Response, error) {
	callID := uuid.NewString()
	req.Context.CallID = callID
	req.Context.ThreadID = rc.ThreadID
	req.Context.RunID = rc.RunID
	req.Context.NodeName = rc.NodeName
	if req.Context.InputTokens == 0 {
		req.Context.InputTokens = estimateInputTokens(model, req.Messages)
	}

	rc.Emit(graph.RawEvent{
		Type:   graph.RawChatModelStart,
		Name:   model,
		CallID: callID,
		Input:  req.Messages,
	})

	chunks, err := gw.Stream(rc.Context(), pool, model, req)
	if err != nil {
		rc.Emit(graph.RawEvent{Type: graph.RawChatModelEnd, Name: model, CallID: callID, Output: err.Error()})
		return llms.Response{}, fmt.Errorf("flows: llm call to %q: %w", model, err)
	}

	var resp llms.Response
	for chunk := range chunks {
		if chunk.Err != nil {
			rc.Emit(graph.RawEvent{Type: graph.RawChatModelEnd, Name: model, CallID: callID, Output: chunk.Err.Error()})
			return llms.Response{}, fmt.Errorf("flows: llm stream from %q: %w", model, chunk.Err)
		}
		if chunk.Delta != "" {
			resp.Content += chunk.Delta
			rc.Emit(graph.RawEvent{Type: graph.RawChatModelStream, Name: model, CallID: callID, Chunk: chunk.Delta})
		}
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}

	rc.Emit(graph.RawEvent{
		Type:             graph.RawChatModelEnd,
		Name:             model,
		CallID:           callID,
		Output:           resp.Content,
		ResponseMetadata: map[string]any{"usage": resp.Usage},
	})

	return resp, nil
}

// estimateInputTokens feeds the gateway's dynamic-timeout formula: a
// tiktoken-accurate count when the model's encoding is known, a rough
// character-based estimate otherwise.
func estimateInputTokens(model string, msgs []llms.Message) int {
	prompt := make([]utils.PromptMessage, len(msgs))
	for i, m := range msgs {
		prompt[i] = utils.PromptMessage{Role: m.Role, Content: m.Content}
	}
	return utils.EstimatePromptTokens(model, prompt)
}
