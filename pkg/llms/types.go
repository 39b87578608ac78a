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

// Package llms provides a pluggable LLM client layer: one universal
// Message/Request/Response shape, and one provider per vendor
// (Anthropic, OpenAI, Gemini, Ollama) behind a common Provider interface.
//
// A Provider exposes Invoke, Stream, and the usage each call reports -
// nothing more. The Model Gateway (pkg/gateway) enforces the
// concurrency/rate/timeout/retry policy around a Provider; this
// package only has to get a request to a vendor and a response back.
package llms

import "context"

// Role values for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the universal chat message shape every provider adapts
// to and from its own wire format.
type Message struct {
	Role string `json:"role"`

	Content string `json:"content,omitempty"`

	// ToolCalls is set on an assistant message that invoked one or more
	// tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify which call a Role: tool message
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolDefinition describes one callable tool, bound into a request so
// the model may request it.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	RawArgs   string         `json:"raw_args,omitempty"`
}

// ThinkingConfig requests extended/reasoning output from models that
// support it (Anthropic, and Gemini's "thought" parts).
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// RequestConfig is the per-call model configuration recorded alongside
// each usage record.
type RequestConfig struct {
	Temperature *float64
	MaxTokens   int
	Thinking    *ThinkingConfig
}

// CallContext carries the identifiers the Model Gateway and
// Observability Registry thread through every call.
type CallContext struct {
	ThreadID string
	RunID    string
	NodeName string
	CallID   string

	// InputTokens, if known ahead of the call (estimated via
	// pkg/utils' tiktoken-based counter), drives the gateway's dynamic
	// timeout formula.
	InputTokens int
}

// Request is one LLM invocation.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Config   RequestConfig
	Context  CallContext
}

// Usage is the token/timing accounting for one completed call.
type Usage struct {
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	TTFTMillis     int
	DurationMillis int
}

// Response is a completed, non-streaming invocation's result.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamChunk is one item of a streaming invocation. Exactly one of
// Delta (text), ToolCall (a completed tool-call parse), or Done/Err is
// meaningful per chunk.
type StreamChunk struct {
	Delta    string
	ToolCall *ToolCall
	Done     bool
	Usage    *Usage
	Err      error
}

// Provider is the pluggable LLM client contract every vendor adapter
// implements. Providers do not retry, rate-limit, or record metrics -
// that is the Model Gateway's job; a Provider's only responsibility is
// turning a Request into a Response or StreamChunk sequence.
type Provider interface {
	// Invoke performs one non-streaming call.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Stream performs one streaming call. The returned channel is
	// closed after a chunk with Done == true or Err != nil.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName returns the concrete model identifier this provider
	// instance was constructed for.
	ModelName() string
}
