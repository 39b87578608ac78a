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

// Package graph implements the Graph Runtime: a directed graph of named
// nodes over a typed state, with tagged dispatch messages for parallel
// fan-out, per-field reducer semantics, and a super-step execution model
// that checkpoints after every step.
package graph

import "fmt"

// END is the sentinel destination that terminates a run.
const END = "__end__"

// State is the full serialized graph state: a mapping from state-key
// (channel) to value. Node functions receive a read-only snapshot and
// return a delta merged in via the flow's reducer schema.
type State map[string]any

// Clone returns a shallow copy of s, safe to hand to a node as its input
// snapshot while the runtime continues mutating the authoritative copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// DispatchMessage schedules a node to run with a specific payload,
// independent of the static edge graph. A node returning a list of these
// causes a parallel fan-out: each message runs its target node with that
// payload as input, with a fresh run_id assigned by the runtime.
type DispatchMessage struct {
	TargetNode string
	Payload    any
}

// NodeResult is a node's return value: a tagged variant carrying a
// state delta, a set of dispatch messages, or both.
type NodeResult struct {
	Delta      map[string]any
	Dispatches []DispatchMessage
}

// Update returns a NodeResult carrying only a state delta.
func Update(delta map[string]any) NodeResult {
	return NodeResult{Delta: delta}
}

// Send returns a NodeResult carrying only dispatch messages (fan-out,
// no state delta of its own).
func Send(dispatches ...DispatchMessage) NodeResult {
	return NodeResult{Dispatches: dispatches}
}

// Mixed returns a NodeResult carrying both a state delta and dispatch
// messages.
func Mixed(delta map[string]any, dispatches ...DispatchMessage) NodeResult {
	return NodeResult{Delta: delta, Dispatches: dispatches}
}

// IsEnd reports whether target names the terminal sentinel.
func IsEnd(target string) bool {
	return target == END || target == ""
}

// Route is what a conditional edge function resolves a node's output to:
// either a single static successor, or a set of dispatch messages for
// fan-out.
type Route struct {
	Node       string
	Dispatches []DispatchMessage
}

// ToNode routes to a single static node (or END).
func ToNode(name string) Route { return Route{Node: name} }

// ToDispatches routes to a parallel fan-out.
func ToDispatches(msgs ...DispatchMessage) Route { return Route{Dispatches: msgs} }

// ConditionalEdgeFunc inspects a node's NodeResult (and the state after
// its delta was applied) and decides the next hop.
type ConditionalEdgeFunc func(result NodeResult, state State) Route

// NodeFunc is one node's body. payload is non-nil only when the node
// instance was scheduled by a DispatchMessage; statically-scheduled
// nodes receive a nil payload and read everything from state.
type NodeFunc func(ctx *RunContext, state State, payload any) (NodeResult, error)

// RawEventType enumerates the low-level events the runtime and the
// nodes it calls into (via the Model Gateway and tools) emit on a Stream.
// These are consumed by the Event Emitter (component F), never by HTTP
// clients directly.
type RawEventType string

const (
	RawChainStart      RawEventType = "on_chain_start"
	RawChainEnd        RawEventType = "on_chain_end"
	RawChatModelStart  RawEventType = "on_chat_model_start"
	RawChatModelStream RawEventType = "on_chat_model_stream"
	RawChatModelEnd    RawEventType = "on_chat_model_end"
	RawToolStart       RawEventType = "on_tool_start"
	RawToolEnd         RawEventType = "on_tool_end"
)

// RunIDRef identifies the run that produced an event, mirroring the
// source's event.run.id.
type RunIDRef struct {
	ID string
}

// RawEvent is one item of the Stream channel.
type RawEvent struct {
	Type RawEventType
	Name string // node, model, or tool name
	Run  RunIDRef

	// CallID identifies one LLM invocation across its start/stream/end
	// triple, independent of the node run_id. Set on every
	// RawChatModelStart/Stream/End event for one call.
	CallID string

	Input  any
	Output any
	Chunk  string

	// ResponseMetadata carries token usage when Type == RawChatModelEnd.
	ResponseMetadata map[string]any
}

func (e RawEvent) String() string {
	return fmt.Sprintf("%s(name=%s run=%s)", e.Type, e.Name, e.Run.ID)
}
