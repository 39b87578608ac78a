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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
)

// scriptedProvider replays a fixed sequence of responses, one per
// call. Calls past the end of the script fail as invalid input so a
// test that loops unexpectedly surfaces immediately.
type scriptedProvider struct {
	model string

	mu        sync.Mutex
	responses []llms.Response
	errs      []error
	calls     int
}

func (p *scriptedProvider) ModelName() string { return p.model }

func (p *scriptedProvider) next() (llms.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return llms.Response{}, p.errs[i]
	}
	if i >= len(p.responses) {
		return llms.Response{}, &llms.Error{Kind: llms.KindInvalidInput, Message: "script exhausted"}
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) Invoke(_ context.Context, _ llms.Request) (llms.Response, error) {
	return p.next()
}

func (p *scriptedProvider) Stream(_ context.Context, _ llms.Request) (<-chan llms.StreamChunk, error) {
	resp, err := p.next()
	if err != nil {
		return nil, err
	}

	out := make(chan llms.StreamChunk, len(resp.ToolCalls)+3)
	if resp.Content != "" {
		out <- llms.StreamChunk{Delta: resp.Content}
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		out <- llms.StreamChunk{ToolCall: &tc}
	}
	usage := resp.Usage
	out <- llms.StreamChunk{Done: true, Usage: &usage}
	close(out)
	return out, nil
}

func newTestGateway(providers map[string]llms.Provider) *gateway.Gateway {
	cfgs := make(map[string]*config.LLMConfig, len(providers))
	for name := range providers {
		cfgs[name] = &config.LLMConfig{}
	}
	return gateway.New(providers, cfgs, nil, gateway.RetryConfig{MaxAttempts: 1}, nil)
}

func testProcedures() []ProcedureRecord {
	return []ProcedureRecord{
		{ID: "PR-AV-01", Department: "Algemene Voorzieningen", Topic: "Privacy", Text: "Omgaan met persoonsgegevens."},
		{ID: "PR-AV-02", Department: "Algemene Voorzieningen", Topic: "Privacy", Text: "Bewaartermijnen."},
		{ID: "PR-HR-01", Department: "HR", Topic: "Verlof", Text: "Verlofaanvragen."},
		{ID: "PR-IT-01", Department: "IT", Topic: "Toegang", Text: "Accountbeheer."},
	}
}

func TestChatGraph_NoTools(t *testing.T) {
	chat := &scriptedProvider{model: "chat", responses: []llms.Response{
		{Content: "Hello! How can I help?"},
	}}
	deps := &Deps{
		Gateway:   newTestGateway(map[string]llms.Provider{"chat": chat}),
		Config:    Config{ChatModel: "chat"},
		ChatTools: NewToolRegistry(),
	}

	compiled, err := BuildChatGraph(deps)
	require.NoError(t, err)

	initial := graph.State{KeyMessages: MessagesDelta(llms.Message{Role: llms.RoleUser, Content: "Hello"})}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-chat"})
	require.NoError(t, err)

	msgs := Messages(final)
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello! How can I help?", msgs[1].Content)
}

func TestChatGraph_ToolCallAnsweredBeforeNextTurn(t *testing.T) {
	chat := &scriptedProvider{model: "chat", responses: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "call_1", Name: "get_procedure", Arguments: map[string]any{"id": "PR-AV-02"}}}},
		{Content: "PR-AV-02 covers retention periods."},
	}}

	table := NewProcedureTable()
	for _, p := range testProcedures() {
		table.Put(p)
	}
	tools := NewToolRegistry()
	tools.MustRegister(NewProcedureTool(table))

	deps := &Deps{
		Gateway:   newTestGateway(map[string]llms.Provider{"chat": chat}),
		Config:    Config{ChatModel: "chat"},
		ChatTools: tools,
	}

	compiled, err := BuildChatGraph(deps)
	require.NoError(t, err)

	initial := graph.State{KeyMessages: MessagesDelta(llms.Message{Role: llms.RoleUser, Content: "look up PR-AV-02"})}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-tool"})
	require.NoError(t, err)

	msgs := Messages(final)
	require.Len(t, msgs, 4)

	// Every ai message carrying tool calls is answered by one tool
	// message per call_id before the next ai message.
	assert.Equal(t, llms.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, llms.RoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Contains(t, msgs[2].Content, "Bewaartermijnen")
	assert.Equal(t, llms.RoleAssistant, msgs[3].Role)
	assert.Empty(t, msgs[3].ToolCalls)
}

func TestChatGraph_FailedToolCallAnswersTheModel(t *testing.T) {
	chat := &scriptedProvider{model: "chat", responses: []llms.Response{
		{ToolCalls: []llms.ToolCall{{ID: "call_1", Name: "get_procedure", Arguments: map[string]any{}}}},
		{Content: "I could not find that procedure."},
	}}

	tools := NewToolRegistry()
	tools.MustRegister(NewProcedureTool(NewProcedureTable()))

	deps := &Deps{
		Gateway:   newTestGateway(map[string]llms.Provider{"chat": chat}),
		Config:    Config{ChatModel: "chat"},
		ChatTools: tools,
	}

	compiled, err := BuildChatGraph(deps)
	require.NoError(t, err)

	initial := graph.State{KeyMessages: MessagesDelta(llms.Message{Role: llms.RoleUser, Content: "look up nothing"})}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-toolfail"})
	require.NoError(t, err)

	msgs := Messages(final)
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "error:")
}

func reportDeps(t *testing.T, analyst, editor *scriptedProvider, workers int) *Deps {
	t.Helper()
	return &Deps{
		Gateway: newTestGateway(map[string]llms.Provider{
			analyst.model: analyst,
			editor.model:  editor,
		}),
		Config: Config{
			AnalystModel:       analyst.model,
			EditorModel:        editor.model,
			MaxParallelWorkers: workers,
		},
		AnalystTools: NewToolRegistry(),
	}
}

func TestReportGraph_ThreeClustersOneWorker(t *testing.T) {
	analyst := &scriptedProvider{model: "analyst", responses: []llms.Response{
		{Content: "chapter one"},
		{Content: "chapter two"},
		{Content: "chapter three"},
	}}
	editor := &scriptedProvider{model: "editor", responses: []llms.Response{
		{Content: "# Final Report\n\nassembled"},
	}}

	compiled, err := BuildReportGraph(reportDeps(t, analyst, editor, 1))
	require.NoError(t, err)

	initial := graph.State{KeyRawProcedures: testProcedures()}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-report"})
	require.NoError(t, err)

	clustersAll := final[KeyClustersAll].(map[string]Cluster)
	require.Len(t, clustersAll, 3)

	chapters := final[KeyChaptersByFileID].(map[string]string)
	assert.Len(t, chapters, 3)

	chapterList, _ := final[KeyChapters].([]any)
	assert.Len(t, chapterList, 3)

	statuses := final[KeyClusterStatus].(map[string]ClusterStatus)
	for id, st := range statuses {
		assert.Equal(t, StatusCompleted, st.Status, "cluster %s", id)
	}

	assert.Equal(t, "# Final Report\n\nassembled", final[KeyFinalReport])
	assert.Empty(t, final[KeyFailedChapterIDs])
}

func TestReportGraph_FailedClusterRetriedThenCompleted(t *testing.T) {
	analyst := &scriptedProvider{
		model: "analyst",
		errs:  []error{&llms.Error{Kind: llms.KindInvalidInput, Message: "scripted analyst failure"}},
		responses: []llms.Response{
			{}, // consumed by the scripted failure slot
			{Content: "chapter two"},
			{Content: "chapter three"},
			{Content: "chapter one, retried"},
		},
	}
	editor := &scriptedProvider{model: "editor", responses: []llms.Response{
		{Content: "final"},
	}}

	compiled, err := BuildReportGraph(reportDeps(t, analyst, editor, 1))
	require.NoError(t, err)

	initial := graph.State{KeyRawProcedures: testProcedures()}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-retry"})
	require.NoError(t, err)

	clustersAll := final[KeyClustersAll].(map[string]Cluster)
	chapters := final[KeyChaptersByFileID].(map[string]string)
	failed, _ := final[KeyFailedChapterIDs].([]string)

	// A failed analyst never aborts the run; at completion every
	// cluster is accounted for either as a chapter or a failure.
	assert.Len(t, chapters, len(clustersAll))
	assert.Equal(t, "final", final[KeyFinalReport])

	statuses := final[KeyClusterStatus].(map[string]ClusterStatus)
	completed := 0
	for _, st := range statuses {
		if st.Status == StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, len(clustersAll), completed)
	// The retry completed the chapter, so its failure record is gone:
	// chapters and failed_chapter_ids partition the cluster set.
	assert.Empty(t, failed)
	assert.Equal(t, len(clustersAll), len(chapters)+len(failed))
}

func TestReportGraph_ExhaustedRetriesSurfaceAsMissingChapter(t *testing.T) {
	failure := &llms.Error{Kind: llms.KindInvalidInput, Message: "always failing"}
	analyst := &scriptedProvider{
		model: "analyst",
		// Clusters resolve alphabetically with one worker: the first
		// cluster fails on its initial attempt and again on its one
		// retry; the other two succeed.
		errs: []error{failure, nil, nil, failure},
		responses: []llms.Response{
			{},
			{Content: "chapter two"},
			{Content: "chapter three"},
			{},
		},
	}

	editor := &scriptedProvider{model: "editor", responses: []llms.Response{
		{Content: "final with gaps"},
	}}

	deps := reportDeps(t, analyst, editor, 1)
	deps.Config.AnalystMaxRetries = 2

	compiled, err := BuildReportGraph(deps)
	require.NoError(t, err)

	initial := graph.State{KeyRawProcedures: testProcedures()}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-exhaust"})
	require.NoError(t, err)

	clustersAll := final[KeyClustersAll].(map[string]Cluster)
	chapters, _ := final[KeyChaptersByFileID].(map[string]string)
	failed, _ := final[KeyFailedChapterIDs].([]string)

	// Every cluster is exactly one of: a finished chapter, or a
	// permanently failed id.
	assert.Equal(t, len(clustersAll), len(chapters)+len(failed))

	// The append-only chapters channel holds exactly the successful
	// chapters: one per cluster that ever completed.
	chapterList, _ := final[KeyChapters].([]any)
	assert.Len(t, chapterList, len(chapters))
	assert.Equal(t, "final with gaps", final[KeyFinalReport])
	assert.NotEmpty(t, failed)
}

// stuckProvider never answers: it blocks until its context is done,
// standing in for an upstream call that hangs past the analyst budget.
type stuckProvider struct{ model string }

func (p *stuckProvider) ModelName() string { return p.model }

func (p *stuckProvider) Invoke(ctx context.Context, _ llms.Request) (llms.Response, error) {
	<-ctx.Done()
	return llms.Response{}, &llms.Error{Kind: llms.KindTimeout, Message: ctx.Err().Error()}
}

func (p *stuckProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	_, err := p.Invoke(ctx, req)
	return nil, err
}

func TestReportGraph_AnalystTimeoutRecordsFailure(t *testing.T) {
	analyst := &stuckProvider{model: "analyst"}
	editor := &scriptedProvider{model: "editor", responses: []llms.Response{
		{Content: "final, every chapter missing"},
	}}

	deps := &Deps{
		Gateway: newTestGateway(map[string]llms.Provider{
			"analyst": analyst,
			"editor":  editor,
		}),
		Config: Config{
			AnalystModel:       "analyst",
			EditorModel:        "editor",
			MaxParallelWorkers: 3,
			AnalystMaxRetries:  1,
			AnalystTimeout:     20 * time.Millisecond,
		},
		AnalystTools: NewToolRegistry(),
	}

	compiled, err := BuildReportGraph(deps)
	require.NoError(t, err)

	initial := graph.State{KeyRawProcedures: testProcedures()}
	final, err := compiled.Invoke(context.Background(), initial, graph.RunConfig{ThreadID: "t-timeout"})
	require.NoError(t, err)

	clustersAll := final[KeyClustersAll].(map[string]Cluster)
	failed, _ := final[KeyFailedChapterIDs].([]string)
	assert.Len(t, failed, len(clustersAll))

	statuses := final[KeyClusterStatus].(map[string]ClusterStatus)
	for id, st := range statuses {
		assert.Equal(t, StatusFailed, st.Status, "cluster %s", id)
	}

	// The editor still runs and notes the gaps.
	assert.Equal(t, "final, every chapter missing", final[KeyFinalReport])
}

func TestClusterMetaFor_PrefixTableWinsOverColumns(t *testing.T) {
	meta := clusterMetaFor(ProcedureRecord{ID: "pr-av-014", Department: "ignored", Topic: "ignored"})
	assert.Equal(t, "PGJO_Aanbodsvormen", meta.safeKey)
	assert.Equal(t, "Preventieve Gezinsondersteuning (PGJO)", meta.dept)
	assert.Equal(t, "Aanbodsvormen", meta.topic)

	meta = clusterMetaFor(ProcedureRecord{ID: "PR-VE-03"})
	assert.Equal(t, "Kinderopvang_Vergunnen", meta.safeKey)
}

func TestClusterMetaFor_FallsBackToColumnsThenDefault(t *testing.T) {
	meta := clusterMetaFor(ProcedureRecord{ID: "PR-XX-01", Department: "HR", Topic: "Verlof"})
	assert.Equal(t, "hr-verlof", meta.safeKey)
	assert.Equal(t, "HR", meta.dept)

	meta = clusterMetaFor(ProcedureRecord{ID: "PR-XX-02", Department: "HR"})
	assert.Equal(t, "Algemeen", meta.topic)

	meta = clusterMetaFor(ProcedureRecord{ID: "WEIRD-99"})
	assert.Equal(t, "Overige_Procedures", meta.safeKey)
	assert.Equal(t, "Overige Procedures", meta.dept)
}

func TestSplitter_SkipsRecordsWithoutID(t *testing.T) {
	deps := &Deps{Config: Config{MaxParallelWorkers: 4}}
	deps.Config.SetDefaults()

	state := graph.State{KeyRawProcedures: []ProcedureRecord{
		{ID: "PR-AV-01", Text: "a"},
		{ID: "", Department: "HR", Topic: "Verlof", Text: "no id"},
	}}
	rc := &graph.RunContext{Ctx: context.Background(), ThreadID: "t", RunID: "r", NodeName: "splitter_node"}

	res, err := deps.splitterNode(rc, state, nil)
	require.NoError(t, err)

	clustersAll := res.Delta[KeyClustersAll].(map[string]Cluster)
	require.Len(t, clustersAll, 1)
	_, ok := clustersAll["PGJO_Aanbodsvormen"]
	assert.True(t, ok)
}

func TestSplitter_BatchesAndParksRemainder(t *testing.T) {
	deps := &Deps{Config: Config{MaxParallelWorkers: 2}}
	deps.Config.SetDefaults()
	deps.Config.MaxParallelWorkers = 2

	state := graph.State{KeyRawProcedures: testProcedures()}
	rc := &graph.RunContext{Ctx: context.Background(), ThreadID: "t", RunID: "r", NodeName: "splitter_node"}

	res, err := deps.splitterNode(rc, state, nil)
	require.NoError(t, err)

	assert.Len(t, res.Dispatches, 2)
	pending := res.Delta[KeyPendingClusters].([]string)
	assert.Len(t, pending, 1)
	clustersAll := res.Delta[KeyClustersAll].(map[string]Cluster)
	assert.Len(t, clustersAll, 3)
}

func TestBuildConsultFunc_AnswersViaChatGraph(t *testing.T) {
	chat := &scriptedProvider{model: "chat", responses: []llms.Response{
		{Content: "the answer is 42"},
	}}
	deps := &Deps{
		Gateway:   newTestGateway(map[string]llms.Provider{"chat": chat}),
		Config:    Config{ChatModel: "chat"},
		ChatTools: NewToolRegistry(),
	}
	compiled, err := BuildChatGraph(deps)
	require.NoError(t, err)

	consult := BuildConsultFunc(compiled)
	answer, err := consult(context.Background(), "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", answer)
}

func TestMergeFailedChapterIDs_AddRemoveRoundTrip(t *testing.T) {
	state := mergeFailedChapterIDs(nil, FailedChapterDelta{Add: []string{"a", "b"}})
	assert.Equal(t, []string{"a", "b"}, state)

	// A duplicate addition keeps first-failure order.
	state = mergeFailedChapterIDs(state, FailedChapterDelta{Add: []string{"b", "c"}})
	assert.Equal(t, []string{"a", "b", "c"}, state)

	// A successful retry clears its record.
	state = mergeFailedChapterIDs(state, FailedChapterDelta{Remove: []string{"b"}})
	assert.Equal(t, []string{"a", "c"}, state)

	// Removing an id that never failed is a no-op.
	state = mergeFailedChapterIDs(state, FailedChapterDelta{Remove: []string{"zz"}})
	assert.Equal(t, []string{"a", "c"}, state)

	// A checkpoint-restored old value ([]any of strings) still merges.
	restored := mergeFailedChapterIDs([]any{"x", "y"}, FailedChapterDelta{Remove: []string{"x"}})
	assert.Equal(t, []string{"y"}, restored)
}

func TestHashEmbedder_DeterministicAndNormalized(t *testing.T) {
	embed := HashEmbedder(64)

	a, err := embed(context.Background(), "privacy retention policy")
	require.NoError(t, err)
	b, err := embed(context.Background(), "privacy retention policy")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
