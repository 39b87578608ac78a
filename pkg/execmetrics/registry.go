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

// Package execmetrics is the per-thread Observability Registry: TTFT,
// token counts, tool durations, and embedding usage, keyed by thread
// and resolved by call_id/run_id. This is deliberately a separate,
// pure in-memory registry from pkg/observability's OTel exporter; that
// package is the ambient process-wide metrics/tracing stack; this one
// is the per-thread bookkeeping the SSE layer reads to fill in
// llm_end.execution_metrics.
//
// Its concurrent-map-of-small-structs shape mirrors pkg/cancelbus: one
// mutex-guarded map per concern, no generic store abstraction needed
// for something this small.
package execmetrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/flowcore/pkg/llms"
)

// ErrRunNotFound is returned when resolving a run_id that never had a
// matching RecordLLMStart. Per design decision, this is a hard error -
// there is no "most recent start" fallback.
var ErrRunNotFound = errors.New("execmetrics: run_id has no recorded llm_start")

// ErrCallNotFound is returned when updating a call_id that was never
// started.
var ErrCallNotFound = errors.New("execmetrics: call_id has no recorded llm_start")

// LLMCall is one tracked model invocation.
type LLMCall struct {
	CallID       string
	RunID        string
	Model        string
	StartedAt    time.Time
	FirstTokenAt *time.Time
	Usage        llms.Usage
	Completed    bool
}

// EmbeddingCall is one tracked embedding invocation.
type EmbeddingCall struct {
	Model       string
	InputTokens int
	Duration    time.Duration
}

// ToolCall is one tracked tool execution.
type ToolCall struct {
	Duration time.Duration
	Cost     *float64
}

// ThreadSnapshot is the read-only view handed to the SSE layer.
type ThreadSnapshot struct {
	ThreadID    string
	Calls       []LLMCall
	Embeddings  []EmbeddingCall
	Tools       []ToolCall
	InitAt      time.Time
	FinalizedAt *time.Time
}

type threadMetrics struct {
	mu          sync.Mutex
	calls       map[string]*LLMCall // callID -> call
	runToCall   map[string]string   // runID -> callID
	embeddings  []EmbeddingCall
	tools       []ToolCall
	initAt      time.Time
	finalizedAt *time.Time
}

// UsageExporter receives fleet-level aggregates for every completed
// call, on top of the per-thread bookkeeping this registry keeps.
// Satisfied by pkg/observability's Metrics.
type UsageExporter interface {
	ObserveLLMCall(model, outcome string, inputTokens, outputTokens, thinkingTokens int, ttft time.Duration)
}

// Registry is the process-wide, thread-keyed metrics store.
type Registry struct {
	mu      sync.RWMutex
	threads map[string]*threadMetrics

	exporter UsageExporter
}

// Option configures a Registry.
type Option func(*Registry)

// WithExporter forwards every completed call to e as well.
func WithExporter(e UsageExporter) Option {
	return func(r *Registry) { r.exporter = e }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{threads: make(map[string]*threadMetrics)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) threadFor(threadID string) *threadMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[threadID]
	if !ok {
		t = &threadMetrics{
			calls:     make(map[string]*LLMCall),
			runToCall: make(map[string]string),
			initAt:    time.Now(),
		}
		r.threads[threadID] = t
	}
	return t
}

// InitExecution allocates bookkeeping for a new run of a thread. Safe
// to call more than once; later calls are no-ops on existing state.
func (r *Registry) InitExecution(threadID string) {
	r.threadFor(threadID)
}

// RecordLLMStart registers a new in-flight call, establishing the
// run_id → call_id mapping that ResolveCallID and RecordFirstToken's
// run_id path rely on. runID may be empty for non-streaming calls that
// have no node run_id context.
func (r *Registry) RecordLLMStart(threadID, runID, callID, model string) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls[callID] = &LLMCall{CallID: callID, RunID: runID, Model: model, StartedAt: time.Now()}
	if runID != "" {
		t.runToCall[runID] = callID
	}
}

// ResolveCallID looks up the call_id an earlier RecordLLMStart
// registered for run_id. Per design decision this never falls back to
// "most recent start"; a miss is ErrRunNotFound.
func (r *Registry) ResolveCallID(threadID, runID string) (string, error) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	callID, ok := t.runToCall[runID]
	if !ok {
		return "", fmt.Errorf("thread %q run %q: %w", threadID, runID, ErrRunNotFound)
	}
	return callID, nil
}

// RecordFirstToken marks TTFT for callID, if not already recorded.
// callID may also be a run_id that an earlier RecordLLMStart mapped to
// a call.
func (r *Registry) RecordFirstToken(threadID, callID string) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[callID]
	if !ok {
		if resolved, found := t.runToCall[callID]; found {
			call, ok = t.calls[resolved]
		}
	}
	if !ok || call.FirstTokenAt != nil {
		return
	}
	now := time.Now()
	call.FirstTokenAt = &now
}

// RecordLLMUsage finalizes a call's token/duration accounting.
func (r *Registry) RecordLLMUsage(threadID, callID string, usage llms.Usage) error {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[callID]
	if !ok {
		return fmt.Errorf("thread %q call %q: %w", threadID, callID, ErrCallNotFound)
	}

	if call.FirstTokenAt != nil {
		usage.TTFTMillis = int(call.FirstTokenAt.Sub(call.StartedAt).Milliseconds())
	}
	call.Usage = usage
	call.Completed = true

	if r.exporter != nil {
		r.exporter.ObserveLLMCall(call.Model, "ok",
			usage.InputTokens, usage.OutputTokens, usage.ThinkingTokens,
			time.Duration(usage.TTFTMillis)*time.Millisecond)
	}
	return nil
}

// RecordEmbedding tracks one embedding call's cost for a thread.
func (r *Registry) RecordEmbedding(threadID, model string, inputTokens int, duration time.Duration) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.embeddings = append(t.embeddings, EmbeddingCall{Model: model, InputTokens: inputTokens, Duration: duration})
}

// RecordToolCost tracks one tool execution's duration and optional
// dollar cost for a thread.
func (r *Registry) RecordToolCost(threadID string, duration time.Duration, cost *float64) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = append(t.tools, ToolCall{Duration: duration, Cost: cost})
}

// Finalize marks a thread's bookkeeping closed. The registry keeps the
// data (callers may still want a final snapshot); it does not evict.
func (r *Registry) Finalize(threadID string) {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.finalizedAt = &now
}

// Snapshot returns a copy of everything tracked for threadID.
func (r *Registry) Snapshot(threadID string) ThreadSnapshot {
	t := r.threadFor(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := make([]LLMCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, *c)
	}

	return ThreadSnapshot{
		ThreadID:    threadID,
		Calls:       calls,
		Embeddings:  append([]EmbeddingCall(nil), t.embeddings...),
		Tools:       append([]ToolCall(nil), t.tools...),
		InitAt:      t.initAt,
		FinalizedAt: t.finalizedAt,
	}
}

// Forget drops a thread's bookkeeping entirely, for use once a
// thread's stream has closed and its final snapshot has been sent.
func (r *Registry) Forget(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
}
