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

package httpapi

import (
	"context"
	"net/http"

	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/streamevent"
)

// startSSE writes the SSE response headers and returns the stream
// writer. The X-Accel-Buffering header keeps intermediary proxies from
// coalescing chunks.
func startSSE(w http.ResponseWriter, threadID string, flow streamevent.Flow) *streamevent.Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return streamevent.NewWriter(w, flusher, threadID, flow)
}

// runStream drives one graph run through the Event Emitter onto an SSE
// connection. The run executes under a context detached from the
// request's: a client disconnect must not cancel the underlying run -
// only an explicit /stop does. Writes to a gone client simply fail and
// are dropped by the emitter; the graph keeps checkpointing so /load
// and /resume still work.
func (s *Server) runStream(r *http.Request, writer *streamevent.Writer, flow streamevent.Flow, compiled *graph.Compiled, threadID string, initial graph.State, runCfg graph.RunConfig) {
	ctx := context.WithoutCancel(r.Context())

	s.opts.HTTPMetrics.StreamOpened()
	defer s.opts.HTTPMetrics.StreamClosed()

	em := emitter.New(s.opts.EmitterCfg, flow, writer, s.opts.Checkpoints, s.opts.Cancel, s.opts.Metrics, threadID)
	if err := em.Run(ctx, compiled, initial, runCfg); err != nil {
		s.log.Error("graph run failed", "thread_id", threadID, "flow", flow, "error", err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.Finalize(threadID)
	}

	// Feed the run's token consumption back into the principal's
	// quota, so the next AllowRequest sees it.
	if s.opts.RateLimiter != nil && s.opts.Metrics != nil {
		snap := s.opts.Metrics.Snapshot(threadID)
		var spent int64
		for _, call := range snap.Calls {
			spent += int64(call.Usage.InputTokens + call.Usage.OutputTokens + call.Usage.ThinkingTokens)
		}
		if err := s.opts.RateLimiter.SpendTokens(ctx, principalFrom(r), spent); err != nil {
			s.log.Warn("failed to record token spend", "thread_id", threadID, "error", err)
		}
	}
}
