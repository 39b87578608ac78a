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

// Package emitter implements the Event Emitter (component F): it drains
// a compiled graph's raw event Stream plus the checkpoint store and
// turns them into the SSE envelope sequence pkg/streamevent.Writer
// serializes to the client. Its dependency runs one way; emitter
// depends on graph and checkpoint, never the reverse; so the runtime
// never needs to know the wire protocol exists.
package emitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/flowcore/pkg/cancelbus"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/execmetrics"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/streamevent"
)

// Config tunes the throttled-snapshot and preview-truncation behavior.
type Config struct {
	SnapshotThrottle        time.Duration
	LongRunningThreshold    time.Duration
	ReportKeepalive         time.Duration
	PreviewLength           int
	ChapterPreviewLength    int
	ToolResultPreviewLength int

	// KnownLostNodes are nodes whose start/end pair the stream always
	// carries: finalization synthesizes both events for any of these
	// not otherwise seen during the run (for example, a run that ends
	// or is cancelled before reaching them).
	KnownLostNodes []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotThrottle:        12 * time.Second,
		LongRunningThreshold:    20 * time.Second,
		ReportKeepalive:         30 * time.Second,
		PreviewLength:           150,
		ChapterPreviewLength:    200,
		ToolResultPreviewLength: 500,
		KnownLostNodes:          []string{"splitter_node", "batch_processor_node"},
	}
}

// task is one entry of active_tasks: a node or tool instance in flight.
type task struct {
	runID        string
	node         string
	startedAt    time.Time
	inputPreview string
}

// Emitter drains one graph run and writes its SSE envelope sequence.
type Emitter struct {
	cfg         Config
	flow        streamevent.Flow
	writer      *streamevent.Writer
	checkpoints checkpoint.Store
	cancel      *cancelbus.Bus
	metrics     *execmetrics.Registry
	threadID    string

	activeTasks      map[string]*task
	taskHistory      []streamevent.TaskRecord
	visitedNodes     []string
	activeClusterIDs map[string]bool
	accumulated      map[string]string // callID -> accumulated content

	// finalContent retains the last completed LLM call's full text so
	// graph_end carries the real assistant reply, untruncated, rather
	// than a node_end preview.
	finalContent string

	lastSnapshotAt time.Time
}

// New constructs an Emitter for one stream. metrics may be nil (no
// execution_metrics attached to llm_end).
func New(cfg Config, flow streamevent.Flow, writer *streamevent.Writer, checkpoints checkpoint.Store, cancel *cancelbus.Bus, metrics *execmetrics.Registry, threadID string) *Emitter {
	return &Emitter{
		cfg:              cfg,
		flow:             flow,
		writer:           writer,
		checkpoints:      checkpoints,
		cancel:           cancel,
		metrics:          metrics,
		threadID:         threadID,
		activeTasks:      make(map[string]*task),
		activeClusterIDs: make(map[string]bool),
		accumulated:      make(map[string]string),
	}
}

// Run drives compiled's Stream to completion against initial/runCfg,
// translating every RawEvent into envelopes. It returns the graph's
// final error, if any (the stream itself always reaches Finalize).
func (e *Emitter) Run(ctx context.Context, compiled *graph.Compiled, initial graph.State, runCfg graph.RunConfig) error {
	_ = e.writer.Emit(streamevent.TypeGraphStart, "", struct{}{})

	if e.flow == streamevent.FlowReport {
		e.emitInitialReportSnapshot(initial)

		// Comment keep-alives run on their own ticker: the event loop
		// can sit blocked on a long analyst call for minutes, and an
		// idle connection would be dropped by intermediate proxies.
		if e.cfg.ReportKeepalive > 0 {
			stop := make(chan struct{})
			defer close(stop)
			go func() {
				ticker := time.NewTicker(e.cfg.ReportKeepalive)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						_ = e.writer.Comment("keepalive")
					case <-stop:
						return
					}
				}
			}()
		}
	}

	var runErr error
	for ev, err := range compiled.Stream(ctx, initial, runCfg) {
		if err != nil {
			runErr = err
			break
		}
		if e.handle(ctx, ev) == errStop {
			break
		}
		e.maybeThrottledSnapshot(ctx)
	}

	e.finalize(ctx, runErr)
	return runErr
}

type loopSignal int

const (
	errContinue loopSignal = iota
	errStop
)

func (e *Emitter) emitInitialReportSnapshot(initial graph.State) {
	reportState := map[string]any{}
	if v, ok := initial[flows.KeyRawProcedures]; ok {
		reportState["raw_procedures"] = v
	}
	if v, ok := initial[flows.KeyPendingClusters]; ok {
		reportState["pending_clusters"] = v
	}
	if v, ok := initial[flows.KeyClustersAll]; ok {
		reportState["clusters_all"] = v
	}

	_ = e.writer.Emit(streamevent.TypeStateSnapshot, "", streamevent.StateSnapshotPayload{
		SnapshotID:    "init",
		Next:          nil,
		VisitedNodes:  nil,
		ReportState:   reportState,
		ClusterStatus: &streamevent.ClusterStatus{ActiveClusterIDs: []string{}, CompletedClusterIDs: []string{}},
		TaskHistory:   nil,
	})
}

// runID computes the `{node_name}_{event.run.id}` identifier, falling
// back to the bare node name when either half is missing.
func runID(ev graph.RawEvent) string {
	if ev.Name != "" && ev.Run.ID != "" {
		return ev.Name + "_" + ev.Run.ID
	}
	if ev.Name != "" {
		return ev.Name
	}
	return ev.Run.ID
}

func (e *Emitter) handle(ctx context.Context, ev graph.RawEvent) loopSignal {
	switch ev.Type {
	case graph.RawChainStart:
		if e.flow == streamevent.FlowReport && e.cancel != nil && e.cancel.IsCancelled(e.threadID) {
			return errStop
		}
		e.onChainStart(ctx, ev)
	case graph.RawChainEnd:
		e.onChainEnd(ctx, ev)
	case graph.RawChatModelStart:
		e.onLLMStart(ev)
	case graph.RawChatModelStream:
		e.onLLMStream(ev)
	case graph.RawChatModelEnd:
		e.onLLMEnd(ev)
	case graph.RawToolStart:
		e.onToolStart(ev)
	case graph.RawToolEnd:
		e.onToolEnd(ev)
	}
	return errContinue
}

func (e *Emitter) onChainStart(ctx context.Context, ev graph.RawEvent) {
	rid := runID(ev)
	t := &task{runID: rid, node: ev.Name, startedAt: time.Now(), inputPreview: preview(ev.Input, e.cfg.PreviewLength)}
	e.activeTasks[rid] = t
	e.visitedNodes = append(e.visitedNodes, ev.Name)

	_ = e.writer.Emit(streamevent.TypeNodeStart, rid, streamevent.NodeStartPayload{Node: ev.Name, InputPreview: t.inputPreview})

	if e.flow == streamevent.FlowReport && ev.Name == "analyst_node" {
		if cluster, ok := ev.Input.(flows.Cluster); ok && cluster.FileID != "" {
			e.activeClusterIDs[cluster.FileID] = true
		}
		e.emitSnapshot(ctx, "")
	}
}

func (e *Emitter) onChainEnd(ctx context.Context, ev graph.RawEvent) {
	rid := runID(ev)
	t, ok := e.activeTasks[rid]
	if !ok {
		// try without the node-name prefix, then fall back to the most
		// recently started unended task with the same name.
		if alt, altOK := e.activeTasks[ev.Run.ID]; altOK {
			rid, t, ok = ev.Run.ID, alt, true
		} else {
			for k, v := range e.activeTasks {
				if v.node == ev.Name && (t == nil || v.startedAt.After(t.startedAt)) {
					rid, t, ok = k, v, true
				}
			}
		}
	}

	outPreview := preview(ev.Output, e.cfg.PreviewLength)

	if ok {
		delete(e.activeTasks, rid)
		ended := time.Now().UnixMilli()
		e.taskHistory = append(e.taskHistory, streamevent.TaskRecord{
			RunID: rid, Node: t.node, StartedAt: t.startedAt.UnixMilli(), EndedAt: &ended,
			InputPreview: t.inputPreview, OutputPreview: &outPreview,
		})
	}

	_ = e.writer.Emit(streamevent.TypeNodeEnd, rid, streamevent.NodeEndPayload{Node: ev.Name, OutputPreview: outPreview})

	if e.flow == streamevent.FlowReport && ev.Name == "analyst_node" {
		if cluster, okc := ev.Input.(flows.Cluster); okc {
			delete(e.activeClusterIDs, cluster.FileID)
		}
	}

	e.emitSnapshot(ctx, "")
}

func (e *Emitter) onLLMStart(ev graph.RawEvent) {
	_ = e.writer.Emit(streamevent.TypeLLMStart, runID(ev), streamevent.LLMStartPayload{
		Model:        ev.Name,
		InputPreview: preview(ev.Input, e.cfg.PreviewLength),
		CallID:       ev.CallID,
	})
}

func (e *Emitter) onLLMStream(ev graph.RawEvent) {
	if ev.Chunk == "" {
		return
	}
	e.accumulated[ev.CallID] += ev.Chunk
	_ = e.writer.Emit(streamevent.TypeContentChunk, runID(ev), streamevent.ContentChunkPayload{
		Delta:       ev.Chunk,
		Accumulated: e.accumulated[ev.CallID],
	})
}

func (e *Emitter) onLLMEnd(ev graph.RawEvent) {
	payload := streamevent.LLMEndPayload{
		Model:         ev.Name,
		InputPreview:  preview(ev.Input, e.cfg.PreviewLength),
		OutputPreview: preview(ev.Output, e.cfg.PreviewLength),
	}

	if usage, ok := ev.ResponseMetadata["usage"].(llms.Usage); ok {
		tu := streamevent.TokenUsage{
			InputTokens:    usage.InputTokens,
			OutputTokens:   usage.OutputTokens,
			DurationMillis: usage.DurationMillis,
		}
		if usage.ThinkingTokens > 0 {
			tt := usage.ThinkingTokens
			tu.ThinkingTokens = &tt
		}
		if usage.TTFTMillis > 0 {
			ttft := usage.TTFTMillis
			tu.TTFTMillis = &ttft
		}
		payload.TokenUsage = &tu
	}

	if e.metrics != nil {
		snap := e.metrics.Snapshot(e.threadID)
		em := streamevent.ExecutionMetrics{TotalLLMCalls: len(snap.Calls)}
		for _, c := range snap.Calls {
			em.TotalInputTokens += c.Usage.InputTokens
			em.TotalOutputTokens += c.Usage.OutputTokens
		}
		payload.ExecutionMetrics = &em
	}

	if acc := e.accumulated[ev.CallID]; acc != "" {
		e.finalContent = acc
	} else if s, ok := ev.Output.(string); ok && s != "" {
		e.finalContent = s
	}
	delete(e.accumulated, ev.CallID)
	_ = e.writer.Emit(streamevent.TypeLLMEnd, runID(ev), payload)
}

func (e *Emitter) onToolStart(ev graph.RawEvent) {
	rid := runID(ev) + ":tool:" + ev.Name
	argsPreview := preview(ev.Input, e.cfg.PreviewLength)
	e.activeTasks[rid] = &task{runID: rid, node: ev.Name, startedAt: time.Now(), inputPreview: argsPreview}

	_ = e.writer.Emit(streamevent.TypeNodeStart, rid, streamevent.NodeStartPayload{Node: ev.Name, InputPreview: argsPreview})
	_ = e.writer.Emit(streamevent.TypeToolStart, rid, streamevent.ToolStartPayload{ToolName: ev.Name, ArgsPreview: argsPreview})
}

func (e *Emitter) onToolEnd(ev graph.RawEvent) {
	rid := runID(ev) + ":tool:" + ev.Name
	resultPreview := preview(ev.Output, e.cfg.ToolResultPreviewLength)

	argsPreview := ""
	if t, ok := e.activeTasks[rid]; ok {
		argsPreview = t.inputPreview
		ended := time.Now().UnixMilli()
		e.taskHistory = append(e.taskHistory, streamevent.TaskRecord{
			RunID: rid, Node: t.node, StartedAt: t.startedAt.UnixMilli(), EndedAt: &ended,
			InputPreview: argsPreview, OutputPreview: &resultPreview,
		})
		delete(e.activeTasks, rid)
	}

	_ = e.writer.Emit(streamevent.TypeToolEnd, rid, streamevent.ToolEndPayload{
		ToolName: ev.Name, ArgsPreview: argsPreview, ResultPreview: resultPreview,
	})
	_ = e.writer.Emit(streamevent.TypeNodeEnd, rid, streamevent.NodeEndPayload{Node: ev.Name, OutputPreview: resultPreview})
}

// maybeThrottledSnapshot emits a state_snapshot at most once per
// SnapshotThrottle interval while a task has been running longer than
// LongRunningThreshold, plus an unconditional report-flow keep-alive
// every ReportKeepalive.
func (e *Emitter) maybeThrottledSnapshot(ctx context.Context) {
	now := time.Now()
	if now.Sub(e.lastSnapshotAt) < e.cfg.SnapshotThrottle {
		return
	}

	longRunning := false
	for _, t := range e.activeTasks {
		if now.Sub(t.startedAt) > e.cfg.LongRunningThreshold {
			longRunning = true
			break
		}
	}

	keepalive := e.flow == streamevent.FlowReport && now.Sub(e.lastSnapshotAt) >= e.cfg.ReportKeepalive
	if longRunning || keepalive {
		e.emitSnapshot(ctx, "")
	}
}

// emitSnapshot writes one state_snapshot, sourcing report_state from
// the checkpoint store when available (the authoritative view clients
// rebuild from after every node_end) and falling back to the emitter's
// own in-memory bookkeeping otherwise.
func (e *Emitter) emitSnapshot(ctx context.Context, snapshotID string) {
	e.lastSnapshotAt = time.Now()

	next := make([]string, 0, len(e.activeTasks))
	for _, t := range e.activeTasks {
		next = append(next, t.node)
	}

	var reportState any
	var clusterStatus *streamevent.ClusterStatus

	if e.flow == streamevent.FlowReport {
		completed := []string{}
		if e.checkpoints != nil {
			if cp, err := e.checkpoints.GetLatest(ctx, e.threadID); err == nil {
				reportState = e.projectReportState(cp.Values)
				if snapshotID == "" {
					snapshotID = cp.CheckpointID
				}
				for id, st := range flows.ClusterStatuses(cp.Values) {
					if st.Status == flows.StatusCompleted {
						completed = append(completed, id)
					}
				}
			}
		}
		active := make([]string, 0, len(e.activeClusterIDs))
		for id := range e.activeClusterIDs {
			active = append(active, id)
		}
		clusterStatus = &streamevent.ClusterStatus{ActiveClusterIDs: active, CompletedClusterIDs: completed}
	}

	if snapshotID == "" {
		snapshotID = fmt.Sprintf("snap_%d", time.Now().UnixNano())
	}

	_ = e.writer.Emit(streamevent.TypeStateSnapshot, "", streamevent.StateSnapshotPayload{
		SnapshotID:    snapshotID,
		Next:          next,
		VisitedNodes:  append([]string(nil), e.visitedNodes...),
		ReportState:   reportState,
		ClusterStatus: clusterStatus,
		TaskHistory:   append([]streamevent.TaskRecord(nil), e.taskHistory...),
	})
}

func (e *Emitter) projectReportState(values map[string]any) map[string]any {
	return ProjectReportState(values, e.cfg.ChapterPreviewLength)
}

// ProjectReportState narrows a checkpoint's full state map to the
// client-facing fields a report snapshot exposes, truncating chapter
// bodies to chapterPreviewLen; sending full chapter text on every
// throttled snapshot would make the stream unreadably heavy. A
// chapterPreviewLen <= 0 keeps chapters untruncated (the /load
// projection, where the client wants the real text).
func ProjectReportState(values map[string]any, chapterPreviewLen int) map[string]any {
	out := map[string]any{}
	for _, k := range []string{
		flows.KeyRawProcedures, flows.KeyClustersAll, flows.KeyPendingClusters,
		flows.KeyFailedChapterIDs, flows.KeyFinalReport, flows.KeyLogs,
		flows.KeyClusterStatus,
	} {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	if chapters := flows.ChaptersByFileID(values); len(chapters) > 0 {
		previewed := make(map[string]string, len(chapters))
		for fileID, text := range chapters {
			previewed[fileID] = preview(text, chapterPreviewLen)
		}
		out[flows.KeyChaptersByFileID] = previewed
	}
	if chapters, ok := values[flows.KeyChapters].([]any); ok {
		previewed := make([]any, len(chapters))
		for i, c := range chapters {
			previewed[i] = preview(c, chapterPreviewLen)
		}
		out[flows.KeyChapters] = previewed
	}
	return out
}

// finalize synthesizes node_end for any task still active, synthesizes
// start+end pairs for known-lost nodes never observed at all, emits the
// final checkpoint-authoritative snapshot with next=[], and then ends
// the stream with an error event (on error), with no further event
// (when the thread was cancelled), or with graph_end.
func (e *Emitter) finalize(ctx context.Context, runErr error) {
	for rid, t := range e.activeTasks {
		ended := time.Now().UnixMilli()
		e.taskHistory = append(e.taskHistory, streamevent.TaskRecord{
			RunID: rid, Node: t.node, StartedAt: t.startedAt.UnixMilli(), EndedAt: &ended, InputPreview: t.inputPreview,
		})
		_ = e.writer.Emit(streamevent.TypeNodeEnd, rid, streamevent.NodeEndPayload{Node: t.node})
	}
	e.activeTasks = map[string]*task{}

	seenNode := make(map[string]bool, len(e.visitedNodes))
	for _, n := range e.visitedNodes {
		seenNode[n] = true
	}
	var lostNodes []string
	if e.flow == streamevent.FlowReport {
		lostNodes = e.cfg.KnownLostNodes
	}
	for _, n := range lostNodes {
		if seenNode[n] {
			continue
		}
		rid := n + "_synthetic"
		started := time.Now().UnixMilli()
		_ = e.writer.Emit(streamevent.TypeNodeStart, rid, streamevent.NodeStartPayload{Node: n})
		_ = e.writer.Emit(streamevent.TypeNodeEnd, rid, streamevent.NodeEndPayload{Node: n})
		ended := started
		e.taskHistory = append(e.taskHistory, streamevent.TaskRecord{RunID: rid, Node: n, StartedAt: started, EndedAt: &ended})
	}

	next := []string{}
	var reportState any
	response := e.finalContent
	snapshotID := "final"
	if e.checkpoints != nil {
		if cp, err := e.checkpoints.GetLatest(ctx, e.threadID); err == nil {
			reportState = e.projectReportState(cp.Values)
			snapshotID = cp.CheckpointID
			// The report's response is the editor's full markdown, read
			// back from the authoritative checkpoint rather than from
			// whichever LLM call happened to finish last.
			if final, ok := cp.Values[flows.KeyFinalReport].(string); ok && final != "" {
				response = final
			}
		}
	}

	var clusterStatus *streamevent.ClusterStatus
	if e.flow == streamevent.FlowReport {
		clusterStatus = &streamevent.ClusterStatus{ActiveClusterIDs: []string{}, CompletedClusterIDs: []string{}}
	}

	_ = e.writer.Emit(streamevent.TypeStateSnapshot, "", streamevent.StateSnapshotPayload{
		SnapshotID:    snapshotID,
		Next:          next,
		VisitedNodes:  append([]string(nil), e.visitedNodes...),
		ReportState:   reportState,
		ClusterStatus: clusterStatus,
		TaskHistory:   append([]streamevent.TaskRecord(nil), e.taskHistory...),
	})

	if runErr != nil {
		_ = e.writer.Emit(streamevent.TypeError, "", streamevent.ErrorPayload{Error: runErr.Error(), ErrorType: fmt.Sprintf("%T", runErr)})
		return
	}
	// A stopped run ends on the final snapshot: graph_end announces a
	// completed response, which a cancelled thread never produced.
	if e.cancel != nil && e.cancel.IsCancelled(e.threadID) {
		return
	}
	_ = e.writer.Emit(streamevent.TypeGraphEnd, "", streamevent.GraphEndPayload{Response: response})
}

// preview renders v as a string truncated to maxLen, appending "..." if
// it was cut.
func preview(v any, maxLen int) string {
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	s = strings.TrimSpace(s)
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
