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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/streamevent"
)

// Execution modes for POST /report/start.
const (
	ExecModeLocal           = "local"
	ExecModeCloudRunService = "cloud_run_service"
	ExecModeCloudRunJob     = "cloud_run_job"
)

type reportStartRequest struct {
	ThreadID      string `json:"thread_id,omitempty"`
	ExecutionMode string `json:"execution_mode,omitempty"`
	Model         string `json:"model,omitempty"`
}

// handleReportStart launches a report run. local and cloud_run_service
// stream SSE on this connection; cloud_run_job detaches the run and
// returns a job reference immediately.
func (s *Server) handleReportStart(w http.ResponseWriter, r *http.Request) {
	var req reportStartRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_input", "unparsable JSON body")
			return
		}
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = ExecModeLocal
	}
	switch req.ExecutionMode {
	case ExecModeLocal, ExecModeCloudRunService, ExecModeCloudRunJob:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown execution_mode "+req.ExecutionMode)
		return
	}

	compiled := s.opts.ReportGraph
	if req.Model != "" {
		if s.opts.BuildReportGraph == nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "model override is not supported by this deployment")
			return
		}
		var err error
		compiled, err = s.opts.BuildReportGraph(req.Model)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	principal := principalFrom(r)
	flowTag := s.flowTag("report")
	if _, err := s.opts.Threads.UpsertThread(r.Context(), threadID, principal, nil, &flowTag); err != nil {
		writeErrorFor(w, err)
		return
	}

	s.opts.Cancel.Clear(threadID)
	if s.opts.Metrics != nil {
		s.opts.Metrics.InitExecution(threadID)
	}

	initial := graph.State{flows.KeyRawProcedures: s.procedureRecords()}
	runCfg := graph.RunConfig{
		ThreadID:    threadID,
		Checkpoints: s.opts.Checkpoints,
		Cancel:      s.opts.Cancel,
	}

	if req.ExecutionMode == ExecModeCloudRunJob {
		go func() {
			if _, err := compiled.Invoke(context.Background(), initial, runCfg); err != nil {
				s.log.Error("detached report run failed", "thread_id", threadID, "error", err)
			}
			if s.opts.Metrics != nil {
				s.opts.Metrics.Finalize(threadID)
			}
		}()
		writeJSON(w, http.StatusOK, map[string]string{"job_id": threadID, "status": "submitted"})
		return
	}

	writer := startSSE(w, threadID, streamevent.FlowReport)
	s.runStream(r, writer, streamevent.FlowReport, compiled, threadID, initial, runCfg)
}

// procedureRecords snapshots the procedure table as the splitter's
// raw_procedures input, in stable ID order.
func (s *Server) procedureRecords() []flows.ProcedureRecord {
	if s.opts.Procedures == nil {
		return nil
	}
	records := s.opts.Procedures.All()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// handleReportStop flags the thread cancelled and returns immediately;
// the running analyst finishes, no new nodes schedule.
func (s *Server) handleReportStop(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if ok, err := s.opts.Threads.ThreadExists(r.Context(), threadID); err != nil {
		writeErrorFor(w, err)
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown thread "+threadID)
		return
	}

	s.opts.Cancel.Cancel(threadID)
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID, "status": "stopping"})
}

// handleReportResume continues an interrupted run from its latest
// checkpoint in the background; the client follows progress via /load.
func (s *Server) handleReportResume(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cp, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	if err := s.opts.Threads.UpdateLastAccessed(r.Context(), threadID); err != nil {
		writeErrorFor(w, err)
		return
	}

	s.opts.Cancel.Clear(threadID)
	if s.opts.Metrics != nil {
		s.opts.Metrics.InitExecution(threadID)
	}

	runCfg := graph.RunConfig{
		ThreadID:    threadID,
		Checkpoints: s.opts.Checkpoints,
		Cancel:      s.opts.Cancel,
		Resume:      &cp,
	}
	go func() {
		if _, err := s.opts.ReportGraph.Invoke(context.Background(), nil, runCfg); err != nil {
			s.log.Error("resumed report run failed", "thread_id", threadID, "error", err)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.Finalize(threadID)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID, "status": "resumed"})
}

// handleReportLoad returns the latest checkpoint projected to the
// client state shape, chapters untruncated.
func (s *Server) handleReportLoad(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cp, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":     threadID,
		"checkpoint_id": cp.CheckpointID,
		"next":          cp.NextNodes,
		"state":         emitter.ProjectReportState(cp.Values, 0),
	})
}

// handleReportStatus returns cluster/chapter counts and the last 20
// log lines.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cp, err := s.opts.Checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var total, completed, failed int
	statuses := flows.ClusterStatuses(cp.Values)
	total = len(statuses)
	for _, st := range statuses {
		switch st.Status {
		case flows.StatusCompleted:
			completed++
		case flows.StatusFailed:
			failed++
		}
	}

	chapters := 0
	if c, ok := cp.Values[flows.KeyChapters].([]any); ok {
		chapters = len(c)
	} else {
		chapters = len(flows.ChaptersByFileID(cp.Values))
	}

	var logs []string
	if raw, ok := cp.Values[flows.KeyLogs].([]any); ok {
		start := len(raw) - 20
		if start < 0 {
			start = 0
		}
		for _, line := range raw[start:] {
			if s, ok := line.(string); ok {
				logs = append(logs, s)
			}
		}
	}

	pending := len(flows.PendingClusters(cp.Values))

	_, hasFinal := cp.Values[flows.KeyFinalReport].(string)

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":          threadID,
		"total_clusters":     total,
		"completed_clusters": completed,
		"failed_clusters":    failed,
		"pending_clusters":   pending,
		"chapters":           chapters,
		"final_report_ready": hasFinal,
		"logs":               logs,
	})
}

type snapshotInfo struct {
	SnapshotID         string   `json:"snapshot_id"`
	ParentCheckpointID string   `json:"parent_checkpoint_id,omitempty"`
	CreatedAt          int64    `json:"created_at"`
	Next               []string `json:"next"`
}

// handleReportSnapshots lists the thread's checkpoint ancestry, root
// first.
func (s *Server) handleReportSnapshots(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	cps, err := s.opts.ReportGraph.GetStateHistory(r.Context(), graph.RunConfig{ThreadID: threadID, Checkpoints: s.opts.Checkpoints})
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	out := make([]snapshotInfo, 0, len(cps))
	for _, cp := range cps {
		out = append(out, snapshotInfo{
			SnapshotID:         cp.CheckpointID,
			ParentCheckpointID: cp.ParentCheckpointID,
			CreatedAt:          cp.CreatedAt.UnixMilli(),
			Next:               cp.NextNodes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "snapshots": out})
}

type restoreRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

// handleReportRestore resumes execution from a specific checkpoint,
// branching the thread's checkpoint tree at that point.
func (s *Server) handleReportRestore(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "field \"snapshot_id\" is required")
		return
	}

	cp, err := s.opts.Checkpoints.Get(r.Context(), threadID, req.SnapshotID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	s.opts.Cancel.Clear(threadID)
	if s.opts.Metrics != nil {
		s.opts.Metrics.InitExecution(threadID)
	}

	runCfg := graph.RunConfig{
		ThreadID:    threadID,
		Checkpoints: s.opts.Checkpoints,
		Cancel:      s.opts.Cancel,
		Resume:      &cp,
	}
	go func() {
		if _, err := s.opts.ReportGraph.Invoke(context.Background(), nil, runCfg); err != nil {
			s.log.Error("restored report run failed", "thread_id", threadID, "error", err)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.Finalize(threadID)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"thread_id": threadID, "snapshot_id": req.SnapshotID, "status": "resumed",
	})
}
