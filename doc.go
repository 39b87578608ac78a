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

// Package flowcore is a multi-tenant LLM agent orchestration service:
// a checkpointed graph runtime running two workflows, an interactive
// chat agent and a long-running report generator, behind an HTTP/SSE
// surface that streams graph progress, model tokens, tool calls, and
// resumable state snapshots to clients.
//
// # Architecture
//
// The execution core is built from small, dependency-injected packages:
//
//   - pkg/graph: the graph runtime. Nodes, static and conditional
//     edges, tagged dispatch messages for parallel fan-out, per-field
//     reducers, and a checkpointing super-step scheduler.
//   - pkg/flows: the two compiled flows (chat, report), their node
//     bodies, reducer schemas, and domain tool registry.
//   - pkg/gateway: the model gateway every LLM call goes through.
//     Pool semaphores, the strict-model interval gate, dynamic
//     timeouts, and the retry envelope around pkg/llms providers.
//   - pkg/checkpoint: the per-thread checkpoint tree (memory and SQL
//     stores), the resume point after disconnects and restarts.
//   - pkg/emitter + pkg/streamevent: the event pipeline translating
//     raw runtime events into sequenced SSE envelopes.
//   - pkg/httpapi: the HTTP/SSE routes, bearer auth, and per-request
//     authorization.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/kadirpekel/flowcore/cmd/executioncore@latest
//
// Create a configuration:
//
//	llms:
//	  default:
//	    provider: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//
//	server:
//	  port: 8080
//
// Start it:
//
//	executioncore serve --config config.yaml
//
// Then POST /chat with a message to stream a conversation, or
// POST /report/start to run the report pipeline.
package flowcore
