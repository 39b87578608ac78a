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

package flows

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
)

const analystSystemPrompt = `You write one report chapter for a single department/topic cluster of
procedures. Use the consult_general_knowledge, get_procedure, and get_regelgeving tools when the
cluster's procedures reference something you need more context on. When you have enough
information, answer with the finished chapter text and nothing else.`

const editorSystemPrompt = `You are the final editor of a multi-chapter report. Combine the
chapters below into one coherent report with a short introduction. Preserve each chapter's
content; do not summarize it away. Note any chapters that are missing because they failed.`

// BuildReportGraph compiles the splitter -> analyst* -> batch_processor
// -> editor graph: splitter_node fans the procedure set out into
// clusters, analyst_node writes one chapter per cluster (attempted up
// to Config.AnalystMaxRetries times in total), batch_processor_node
// drains the work queue until every cluster has a final status, and
// editor_node assembles the finished chapters into one report.
func BuildReportGraph(deps *Deps) (*graph.Compiled, error) {
	if deps.AnalystTools == nil {
		deps.AnalystTools = NewToolRegistry()
	}
	deps.Config.SetDefaults()

	g := graph.New("report", ReportSchema())
	g.AddNode("splitter_node", deps.splitterNode)
	g.AddNode("analyst_node", deps.analystNode)
	g.AddNode("batch_processor_node", deps.batchProcessorNode)
	g.AddNode("batch_processor_noop_node", noopNode)
	g.AddNode("editor_node", deps.editorNode)

	g.SetEntryPoint("splitter_node")
	g.AddConditionalEdge("splitter_node", dispatchOrEnd, "analyst_node")
	g.AddEdge("analyst_node", "batch_processor_node")
	g.AddConditionalEdge("batch_processor_node", batchProcessorRoute,
		"analyst_node", "editor_node", "batch_processor_noop_node")
	g.AddEdge("batch_processor_noop_node", graph.END)
	g.AddEdge("editor_node", graph.END)

	// A report run spends two super-steps per analyst batch, so the
	// report graph carries a much higher cap than the chat loop's
	// default unless the deployment configured its own.
	limit := 200
	if deps.Config.RecursionLimit > 0 {
		limit = deps.Config.RecursionLimit
	}
	return g.Compile(graph.WithRecursionLimit(limit))
}

// noopNode exists for topology fidelity with the architecture this
// graph is modeled on: a named sink a fan-out branch could route to
// when its reducer join isn't ready to advance yet. This runtime's
// same-superstep target de-duplication (see pkg/graph's runLoop)
// already joins every analyst_node sibling into a single
// batch_processor_node instance, so nothing ever actually dispatches
// here; it is reachable in the compiled graph's structure, not at
// runtime.
func noopNode(_ *graph.RunContext, _ graph.State, _ any) (graph.NodeResult, error) {
	return graph.Update(nil), nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

func getProcedures(state graph.State) []ProcedureRecord {
	v, _ := decodeAs[[]ProcedureRecord](state[KeyRawProcedures])
	return v
}

func getClustersAll(state graph.State) map[string]Cluster {
	v, _ := decodeAs[map[string]Cluster](state[KeyClustersAll])
	return v
}

func getPendingClusters(state graph.State) []string {
	v, _ := decodeAs[[]string](state[KeyPendingClusters])
	return v
}

func getClusterStatus(state graph.State) map[string]ClusterStatus {
	v, _ := decodeAs[map[string]ClusterStatus](state[KeyClusterStatus])
	return v
}

// ClustersAll reads the cluster table out of a state or checkpoint
// values map, tolerating a store's JSON round-trip.
func ClustersAll(values map[string]any) map[string]Cluster {
	return getClustersAll(graph.State(values))
}

// ClusterStatuses reads the per-cluster status map out of a state or
// checkpoint values map.
func ClusterStatuses(values map[string]any) map[string]ClusterStatus {
	return getClusterStatus(graph.State(values))
}

// ChaptersByFileID reads the file_id -> chapter-text map out of a
// state or checkpoint values map.
func ChaptersByFileID(values map[string]any) map[string]string {
	v, _ := decodeAs[map[string]string](values[KeyChaptersByFileID])
	return v
}

// PendingClusters reads the parked cluster queue out of a state or
// checkpoint values map.
func PendingClusters(values map[string]any) []string {
	return getPendingClusters(graph.State(values))
}

func appendLogs(lines ...string) []any {
	out := make([]any, len(lines))
	for i, l := range lines {
		out[i] = l
	}
	return out
}

// splitterNode groups raw_procedures into clusters keyed by their
// ID-prefix classification (clusterMetaFor), records every cluster as
// pending, and dispatches the first batch to analyst_node. Records
// without any ID are skipped, never silently bucketed.
func (d *Deps) splitterNode(rc *graph.RunContext, state graph.State, _ any) (graph.NodeResult, error) {
	procedures := getProcedures(state)

	grouped := make(map[string]*Cluster)
	var order []string
	skipped := 0
	for _, p := range procedures {
		if strings.TrimSpace(p.ID) == "" {
			skipped++
			continue
		}
		meta := clusterMetaFor(p)
		cl, ok := grouped[meta.safeKey]
		if !ok {
			cl = &Cluster{FileID: meta.safeKey, Department: meta.dept, Topic: meta.topic}
			grouped[meta.safeKey] = cl
			order = append(order, meta.safeKey)
		}
		cl.Procedures = append(cl.Procedures, p)
	}
	sort.Strings(order)

	clustersAll := make(map[string]Cluster, len(grouped))
	status := make(map[string]ClusterStatus, len(grouped))
	for _, id := range order {
		clustersAll[id] = *grouped[id]
		status[id] = ClusterStatus{Status: StatusPending}
	}

	batchSize := d.Config.MaxParallelWorkers
	var firstBatch, pending []string
	if len(order) <= batchSize {
		firstBatch = order
	} else {
		firstBatch = order[:batchSize]
		pending = append(pending, order[batchSize:]...)
	}

	dispatches := make([]graph.DispatchMessage, 0, len(firstBatch))
	for _, id := range firstBatch {
		status[id] = ClusterStatus{Status: StatusRunning}
		dispatches = append(dispatches, graph.DispatchMessage{TargetNode: "analyst_node", Payload: clustersAll[id]})
	}

	logs := []string{fmt.Sprintf("split %d procedures into %d clusters", len(procedures), len(order))}
	if skipped > 0 {
		logs = append(logs, fmt.Sprintf("skipped %d procedure(s) without an id", skipped))
	}

	return graph.Mixed(map[string]any{
		KeyClustersAll:     clustersAll,
		KeyPendingClusters: pending,
		KeyClusterStatus:   status,
		KeyLogs:            appendLogs(logs...),
	}, dispatches...), nil
}

// analystNode writes one chapter via a bounded ReAct tool loop. A
// failure never propagates as a node error; it is recorded as a
// failed chapter so the run can finish and retry it later.
func (d *Deps) analystNode(rc *graph.RunContext, state graph.State, payload any) (graph.NodeResult, error) {
	// A live dispatch carries the Cluster value directly; a resumed
	// task's payload comes back from the checkpoint store's encoding.
	cluster, ok := decodeAs[Cluster](payload)
	if !ok || cluster.FileID == "" {
		return graph.NodeResult{}, fmt.Errorf("flows: analyst_node: unexpected payload %T", payload)
	}

	arc := rc
	if d.Config.AnalystTimeout > 0 {
		ctx, cancel := context.WithTimeout(rc.Context(), d.Config.AnalystTimeout)
		defer cancel()
		arc = rc.WithContext(ctx)
	}

	chapter, err := d.runAnalyst(arc, cluster)
	if err != nil {
		attempts := getClusterStatus(state)[cluster.FileID].Retries + 1
		return graph.Update(map[string]any{
			KeyClusterStatus:    map[string]ClusterStatus{cluster.FileID: {Status: StatusFailed, Retries: attempts}},
			KeyFailedChapterIDs: FailedChapterDelta{Add: []string{cluster.FileID}},
			KeyLogs:             appendLogs(fmt.Sprintf("analyst failed for %s: %v", cluster.FileID, err)),
		}), nil
	}

	// Clearing the failure record on success keeps failed_chapter_ids
	// equal to the currently-failed set: a cluster that completes on
	// retry counts as a chapter, not as both.
	return graph.Update(map[string]any{
		KeyChapters:         []any{chapter},
		KeyChaptersByFileID: map[string]string{cluster.FileID: chapter},
		KeyClusterStatus:    map[string]ClusterStatus{cluster.FileID: {Status: StatusCompleted, Retries: getClusterStatus(state)[cluster.FileID].Retries}},
		KeyFailedChapterIDs: FailedChapterDelta{Remove: []string{cluster.FileID}},
		KeyLogs:             appendLogs(fmt.Sprintf("chapter completed for %s", cluster.FileID)),
	}), nil
}

func (d *Deps) runAnalyst(rc *graph.RunContext, cluster Cluster) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster: %s / %s\n\n", cluster.Department, cluster.Topic)
	for _, p := range cluster.Procedures {
		fmt.Fprintf(&b, "Procedure %s:\n%s\n\n", p.ID, p.Text)
	}

	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: analystSystemPrompt},
		{Role: llms.RoleUser, Content: b.String()},
	}

	maxSteps := d.Config.MaxReactSteps
	for step := 0; step < maxSteps; step++ {
		req := llms.Request{
			Model:    d.Config.AnalystModel,
			Messages: messages,
			Tools:    d.AnalystTools.Definitions(),
		}
		resp, err := llmCall(rc, d.Gateway, gateway.PoolAnalyst, d.Config.AnalystModel, req)
		if err != nil {
			return "", err
		}

		messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		for _, call := range resp.ToolCalls {
			out := d.callTool(rc, d.AnalystTools, call)
			messages = append(messages, llms.Message{Role: llms.RoleTool, Content: out, ToolCallID: call.ID, Name: call.Name})
		}
	}

	return "", fmt.Errorf("analyst exceeded %d tool-use steps without a final answer", maxSteps)
}

// dispatchOrEnd forwards whatever dispatch messages the node produced,
// ending the run when it produced none; splitter_node with an empty
// procedure set has nothing to fan out.
func dispatchOrEnd(result graph.NodeResult, _ graph.State) graph.Route {
	if len(result.Dispatches) > 0 {
		return graph.ToDispatches(result.Dispatches...)
	}
	return graph.ToNode(graph.END)
}

// batchProcessorRoute decides what runs after every analyst_node
// sibling of a super-step has joined here: drain the pending queue,
// retry clusters that failed and still have budget, or hand off to
// the editor once nothing is left to do.
func batchProcessorRoute(result graph.NodeResult, state graph.State) graph.Route {
	if len(result.Dispatches) > 0 {
		return graph.ToDispatches(result.Dispatches...)
	}
	return graph.ToNode("editor_node")
}

func (d *Deps) batchProcessorNode(rc *graph.RunContext, state graph.State, _ any) (graph.NodeResult, error) {
	pending := getPendingClusters(state)
	clustersAll := getClustersAll(state)
	status := getClusterStatus(state)

	batchSize := d.Config.MaxParallelWorkers

	if len(pending) > 0 {
		var next []string
		var rest []string
		if len(pending) <= batchSize {
			next = pending
		} else {
			next = pending[:batchSize]
			rest = pending[batchSize:]
		}

		statusDelta := make(map[string]ClusterStatus, len(next))
		dispatches := make([]graph.DispatchMessage, 0, len(next))
		for _, id := range next {
			statusDelta[id] = ClusterStatus{Status: StatusRunning, Retries: status[id].Retries}
			dispatches = append(dispatches, graph.DispatchMessage{TargetNode: "analyst_node", Payload: clustersAll[id]})
		}

		return graph.Mixed(map[string]any{
			KeyPendingClusters: rest,
			KeyClusterStatus:   statusDelta,
		}, dispatches...), nil
	}

	// Nothing queued: look for failed clusters with retry budget left.
	var retryIDs []string
	for id, st := range status {
		if st.Status == StatusFailed && st.Retries < d.Config.AnalystMaxRetries {
			retryIDs = append(retryIDs, id)
		}
	}
	if len(retryIDs) > 0 {
		sort.Strings(retryIDs)
		var batch []string
		var rest []string
		if len(retryIDs) <= batchSize {
			batch = retryIDs
		} else {
			batch = retryIDs[:batchSize]
			rest = retryIDs[batchSize:]
		}

		statusDelta := make(map[string]ClusterStatus, len(batch))
		dispatches := make([]graph.DispatchMessage, 0, len(batch))
		for _, id := range batch {
			// Retries counts failed attempts; the analyst bumps it on
			// the next failure, so a re-dispatch carries it unchanged.
			statusDelta[id] = ClusterStatus{Status: StatusRunning, Retries: status[id].Retries}
			dispatches = append(dispatches, graph.DispatchMessage{TargetNode: "analyst_node", Payload: clustersAll[id]})
		}

		return graph.Mixed(map[string]any{
			KeyPendingClusters: rest,
			KeyClusterStatus:   statusDelta,
			KeyLogs:            appendLogs(fmt.Sprintf("retrying %d failed cluster(s)", len(batch))),
		}, dispatches...), nil
	}

	return graph.Update(map[string]any{
		KeyLogs: appendLogs("all clusters resolved, handing off to editor"),
	}), nil
}

// editorNode assembles every completed chapter, in cluster order, and
// asks the model to produce the final report.
func (d *Deps) editorNode(rc *graph.RunContext, state graph.State, _ any) (graph.NodeResult, error) {
	clustersAll := getClustersAll(state)
	chapters := ChaptersByFileID(state)
	status := getClusterStatus(state)

	var order []string
	for id := range clustersAll {
		order = append(order, id)
	}
	sort.Strings(order)

	var b strings.Builder
	var missing []string
	for _, id := range order {
		chapter, ok := chapters[id]
		if !ok || status[id].Status != StatusCompleted {
			missing = append(missing, id)
			continue
		}
		cl := clustersAll[id]
		fmt.Fprintf(&b, "## %s / %s\n\n%s\n\n", cl.Department, cl.Topic, chapter)
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "## Missing chapters\n\nThe following clusters could not be completed: %s\n", strings.Join(missing, ", "))
	}

	req := llms.Request{
		Model: d.Config.EditorModel,
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: editorSystemPrompt},
			{Role: llms.RoleUser, Content: b.String()},
		},
	}
	resp, err := llmCall(rc, d.Gateway, gateway.PoolConsult, d.Config.EditorModel, req)
	if err != nil {
		return graph.NodeResult{}, fmt.Errorf("flows: editor_node: %w", err)
	}

	return graph.Update(map[string]any{
		KeyFinalReport: resp.Content,
		KeyLogs:        appendLogs("final report assembled"),
	}), nil
}

// BuildConsultFunc returns a ConsultFunc that answers
// consult_general_knowledge by invoking the chat graph as a sub-call:
// one ephemeral conversation per query, no thread or checkpoint
// bookkeeping. The chat graph's agent node routes every model call
// through the gateway's agent pool, so the sub-call competes with other
// chat traffic there; it does not acquire the consult pool.
func BuildConsultFunc(chat *graph.Compiled) ConsultFunc {
	return func(ctx context.Context, query string) (string, error) {
		initial := graph.State{
			KeyMessages: appendMessages(llms.Message{Role: llms.RoleUser, Content: query}),
		}
		final, err := chat.Invoke(ctx, initial, graph.RunConfig{ThreadID: "consult-" + uuid.NewString()})
		if err != nil {
			return "", fmt.Errorf("flows: consult sub-call: %w", err)
		}
		msgs := getMessages(final)
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == llms.RoleAssistant && msgs[i].Content != "" {
				return msgs[i].Content, nil
			}
		}
		return "", fmt.Errorf("flows: consult sub-call produced no answer")
	}
}
