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
	"net/http"
	"strings"

	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/graph"
)

// compiledFor resolves a flow query parameter ("chat", "report", or a
// fully-qualified tag ending in one of those) to its compiled graph.
func (s *Server) compiledFor(flowParam string) *graph.Compiled {
	switch {
	case flowParam == "chat" || strings.HasSuffix(flowParam, ".chat"):
		return s.opts.ChatGraph
	case flowParam == "report" || strings.HasSuffix(flowParam, ".report"):
		return s.opts.ReportGraph
	default:
		return nil
	}
}

// handleGraphStructure returns the static node/edge description of a
// flow, conditional dispatch targets included as synthesized edges.
func (s *Server) handleGraphStructure(w http.ResponseWriter, r *http.Request) {
	flowParam := r.URL.Query().Get("flow")
	compiled := s.compiledFor(flowParam)
	if compiled == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown flow "+flowParam)
		return
	}

	nodes, edges := compiled.Structure()
	writeJSON(w, http.StatusOK, map[string]any{
		"flow":  compiled.Name(),
		"nodes": nodes,
		"edges": edges,
	})
}

// handleGraphState returns the current state projection for a thread,
// shaped per its flow.
func (s *Server) handleGraphState(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "query parameter \"thread_id\" is required")
		return
	}

	t, err := s.opts.Threads.Get(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	compiled := s.opts.ReportGraph
	if t.Flow != nil {
		if c := s.compiledFor(*t.Flow); c != nil {
			compiled = c
		}
	}
	cp, err := compiled.GetState(r.Context(), graph.RunConfig{ThreadID: threadID, Checkpoints: s.opts.Checkpoints})
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var state any
	if t.Flow != nil && strings.HasSuffix(*t.Flow, ".chat") {
		state = map[string]any{"messages": flows.Messages(cp.Values)}
	} else {
		state = emitter.ProjectReportState(cp.Values, 0)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":     threadID,
		"checkpoint_id": cp.CheckpointID,
		"next":          cp.NextNodes,
		"state":         state,
	})
}

// handleListThreads returns the principal's threads, most recently
// accessed first, optionally narrowed to one flow.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var flowFilter *string
	if f := r.URL.Query().Get("flow"); f != "" {
		tag := f
		if f == "chat" || f == "report" {
			tag = s.flowTag(f)
		}
		flowFilter = &tag
	}

	threads, err := s.opts.Threads.ListUserThreads(r.Context(), principal, flowFilter)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}
