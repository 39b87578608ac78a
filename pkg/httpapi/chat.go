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
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/streamevent"
	"github.com/kadirpekel/flowcore/pkg/thread"
)

// maxChatFormMemory bounds how much of a multipart chat request is
// held in memory before spooling to disk.
const maxChatFormMemory = 10 << 20

// handleChat starts (or continues) a chat thread and streams its run.
// Multipart form fields: message (required), thread_id (optional),
// plus any file attachments (accepted and noted, content handling is a
// domain-tool concern outside this surface).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChatFormMemory); err != nil {
		// Plain form fallback for clients that don't send multipart.
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "unparsable request body")
			return
		}
	}

	message := r.FormValue("message")
	if message == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "field \"message\" is required")
		return
	}

	threadID := r.FormValue("thread_id")
	newThread := threadID == ""
	if newThread {
		threadID = uuid.NewString()
	}

	principal := principalFrom(r)
	flowTag := s.flowTag("chat")
	var title *string
	if newThread {
		t := thread.DeriveTitle(message)
		title = &t
	}
	if _, err := s.opts.Threads.UpsertThread(r.Context(), threadID, principal, title, &flowTag); err != nil {
		writeErrorFor(w, err)
		return
	}

	s.opts.Cancel.Clear(threadID)
	if s.opts.Metrics != nil {
		s.opts.Metrics.InitExecution(threadID)
	}

	human := llms.Message{Role: llms.RoleUser, Content: message}

	runCfg := graph.RunConfig{
		ThreadID:    threadID,
		Checkpoints: s.opts.Checkpoints,
		Cancel:      s.opts.Cancel,
	}

	var initial graph.State
	_, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	switch {
	case err == nil:
		// Continue the conversation: fold the new user message into the
		// checkpointed state as a fresh leaf and resume from it; a
		// quiescent checkpoint re-enters at the agent.
		updated, uerr := s.opts.ChatGraph.UpdateState(r.Context(), runCfg, map[string]any{
			flows.KeyMessages: flows.MessagesDelta(human),
		})
		if uerr != nil {
			writeError(w, http.StatusInternalServerError, "persistence", uerr.Error())
			return
		}
		updated.NextNodes = nil
		updated.Tasks = nil
		runCfg.Resume = &updated
	case errors.Is(err, checkpoint.ErrNotFound):
		initial = graph.State{flows.KeyMessages: flows.MessagesDelta(human)}
	default:
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}

	writer := startSSE(w, threadID, streamevent.FlowChat)
	s.runStream(r, writer, streamevent.FlowChat, s.opts.ChatGraph, threadID, initial, runCfg)
}
