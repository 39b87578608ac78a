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

// Package streamevent defines the SSE wire envelope emitted by the Event
// Emitter and consumed by HTTP clients.
package streamevent

import "encoding/json"

// Type enumerates the SSE event types in the wire protocol.
type Type string

const (
	TypeGraphStart    Type = "graph_start"
	TypeNodeStart     Type = "node_start"
	TypeNodeEnd       Type = "node_end"
	TypeToolStart     Type = "tool_start"
	TypeToolEnd       Type = "tool_end"
	TypeLLMStart      Type = "llm_start"
	TypeLLMEnd        Type = "llm_end"
	TypeContentChunk  Type = "content_chunk"
	TypeStateSnapshot Type = "state_snapshot"
	TypeStateUpdate   Type = "state_update" // legacy alias of state_snapshot
	TypeGraphEnd      Type = "graph_end"
	TypeError         Type = "error"
)

// Flow names the compiled graph a thread belongs to.
type Flow string

const (
	FlowChat   Flow = "chat"
	FlowReport Flow = "report"
)

// Envelope is the wire form of every SSE event. seq is strictly
// monotonic within a single connection, starting at 1.
type Envelope struct {
	Type     Type   `json:"type"`
	ThreadID string `json:"thread_id"`
	Flow     Flow   `json:"flow"`
	Seq      uint64 `json:"seq"`
	TS       int64  `json:"ts"` // ms-epoch
	RunID    string `json:"run_id,omitempty"`
	Payload  any    `json:"payload"`
}

// Marshal renders the envelope as the `data: {json}\n\n` frame body
// (the json part only; callers add the `data: ` prefix and terminator).
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// NodeStartPayload is the payload of a node_start event.
type NodeStartPayload struct {
	Node         string `json:"node"`
	InputPreview string `json:"input_preview,omitempty"`
}

// NodeEndPayload is the payload of a node_end event.
type NodeEndPayload struct {
	Node          string `json:"node"`
	OutputPreview string `json:"output_preview,omitempty"`
}

// ToolStartPayload is the payload of a tool_start event.
type ToolStartPayload struct {
	ToolName    string `json:"tool_name"`
	ArgsPreview string `json:"args_preview,omitempty"`
}

// ToolEndPayload is the payload of a tool_end event.
type ToolEndPayload struct {
	ToolName      string `json:"tool_name"`
	ArgsPreview   string `json:"args_preview,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
}

// LLMStartPayload is the payload of an llm_start event.
type LLMStartPayload struct {
	Model        string `json:"model"`
	InputPreview string `json:"input_preview,omitempty"`
	CallID       string `json:"call_id"`
}

// TokenUsage mirrors the gateway's usage record for inclusion in llm_end.
type TokenUsage struct {
	InputTokens    int  `json:"input_tokens"`
	OutputTokens   int  `json:"output_tokens"`
	ThinkingTokens *int `json:"thinking_tokens,omitempty"`
	TTFTMillis     *int `json:"ttft_ms,omitempty"`
	DurationMillis int  `json:"duration_ms"`
}

// ExecutionMetrics summarizes per-thread totals attached to llm_end.
type ExecutionMetrics struct {
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
	TotalLLMCalls     int `json:"total_llm_calls"`
}

// LLMEndPayload is the payload of an llm_end event.
type LLMEndPayload struct {
	Model            string            `json:"model"`
	InputPreview     string            `json:"input_preview,omitempty"`
	OutputPreview    string            `json:"output_preview,omitempty"`
	TokenUsage       *TokenUsage       `json:"token_usage,omitempty"`
	ExecutionMetrics *ExecutionMetrics `json:"execution_metrics,omitempty"`
}

// ContentChunkPayload is the payload of a content_chunk event.
type ContentChunkPayload struct {
	Delta       string `json:"content"`
	Accumulated string `json:"accumulated"`
}

// ClusterStatus summarizes report cluster progress for a state_snapshot.
type ClusterStatus struct {
	ActiveClusterIDs    []string `json:"active_cluster_ids"`
	CompletedClusterIDs []string `json:"completed_cluster_ids"`
}

// TaskRecord is one entry of task_history in a state_snapshot.
type TaskRecord struct {
	RunID         string  `json:"run_id"`
	Node          string  `json:"node"`
	StartedAt     int64   `json:"started_at"`
	EndedAt       *int64  `json:"ended_at,omitempty"`
	InputPreview  string  `json:"input_preview,omitempty"`
	OutputPreview *string `json:"output_preview,omitempty"`
}

// StateSnapshotPayload is the payload of a state_snapshot event.
type StateSnapshotPayload struct {
	SnapshotID    string         `json:"snapshot_id"`
	Next          []string       `json:"next"`
	VisitedNodes  []string       `json:"visited_nodes"`
	ReportState   any            `json:"report_state,omitempty"`
	ClusterStatus *ClusterStatus `json:"cluster_status,omitempty"`
	TaskHistory   []TaskRecord   `json:"task_history"`
}

// GraphEndPayload is the payload of a graph_end event.
type GraphEndPayload struct {
	Response string `json:"response"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}
