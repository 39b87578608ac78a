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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/auth"
	"github.com/kadirpekel/flowcore/pkg/cancelbus"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/execmetrics"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/thread"
)

// scriptedProvider replays responses in call order. A non-nil gate
// blocks every call until the gate is fed or closed, so tests can hold
// an analyst mid-flight while they hit control endpoints.
type scriptedProvider struct {
	model string
	gate  chan struct{}

	mu        sync.Mutex
	responses []llms.Response
	calls     int
}

func (p *scriptedProvider) ModelName() string { return p.model }

func (p *scriptedProvider) next() (llms.Response, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
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

type testEnv struct {
	server  *httptest.Server
	chat    *scriptedProvider
	analyst *scriptedProvider
	editor  *scriptedProvider
	cancel  *cancelbus.Bus
	threads thread.Registry
}

func newTestEnv(t *testing.T, configure func(*testEnv)) *testEnv {
	t.Helper()

	env := &testEnv{
		chat:    &scriptedProvider{model: "chat-model"},
		analyst: &scriptedProvider{model: "analyst-model"},
		editor:  &scriptedProvider{model: "editor-model"},
		cancel:  cancelbus.New(),
		threads: thread.NewInMemory(),
	}
	if configure != nil {
		configure(env)
	}

	providers := map[string]llms.Provider{
		env.chat.model:    env.chat,
		env.analyst.model: env.analyst,
		env.editor.model:  env.editor,
	}
	llmCfgs := map[string]*config.LLMConfig{}
	for name := range providers {
		llmCfgs[name] = &config.LLMConfig{}
	}
	gw := gateway.New(providers, llmCfgs, nil, gateway.RetryConfig{MaxAttempts: 1}, execmetrics.New())

	procedures := flows.NewProcedureTable()
	for _, p := range []flows.ProcedureRecord{
		{ID: "PR-AV-01", Department: "Algemene Voorzieningen", Topic: "Privacy", Text: "Persoonsgegevens."},
		{ID: "PR-AV-02", Department: "Algemene Voorzieningen", Topic: "Privacy", Text: "Bewaartermijnen."},
		{ID: "PR-HR-01", Department: "HR", Topic: "Verlof", Text: "Verlofaanvragen."},
		{ID: "PR-IT-01", Department: "IT", Topic: "Toegang", Text: "Accountbeheer."},
	} {
		procedures.Put(p)
	}

	chatTools := flows.NewToolRegistry()
	chatTools.MustRegister(flows.NewProcedureTool(procedures))

	flowCfg := flows.Config{
		ChatModel:          env.chat.model,
		AnalystModel:       env.analyst.model,
		EditorModel:        env.editor.model,
		MaxParallelWorkers: 1,
	}

	chatGraph, err := flows.BuildChatGraph(&flows.Deps{Gateway: gw, Config: flowCfg, ChatTools: chatTools})
	require.NoError(t, err)
	reportGraph, err := flows.BuildReportGraph(&flows.Deps{Gateway: gw, Config: flowCfg, AnalystTools: flows.NewToolRegistry()})
	require.NoError(t, err)

	serverCfg := config.ServerConfig{}
	serverCfg.SetDefaults()
	authCfg := config.AuthConfig{}
	authCfg.SetDefaults()

	emitterCfg := emitter.DefaultConfig()

	srv, err := New(Options{
		Server:      serverCfg,
		Auth:        authCfg,
		ChatGraph:   chatGraph,
		ReportGraph: reportGraph,
		Checkpoints: checkpoint.NewInMemory(),
		Threads:     env.threads,
		Cancel:      env.cancel,
		Metrics:     execmetrics.New(),
		EmitterCfg:  emitterCfg,
		Procedures:  procedures,
	})
	require.NoError(t, err)

	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

type sseEvent struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Flow     string          `json:"flow"`
	Seq      uint64          `json:"seq"`
	RunID    string          `json:"run_id"`
	Payload  json.RawMessage `json:"payload"`
}

func parseSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []sseEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func assertMonotonicSeq(t *testing.T, events []sseEvent) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d (%s)", i, ev.Type)
	}
}

func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "missing %v in %v", want[i:], got)
}

func postForm(t *testing.T, env *testEnv, path string, form url.Values) []sseEvent {
	t.Helper()
	resp, err := http.PostForm(env.server.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return parseSSE(t, resp.Body)
}

func TestChat_NoTools(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.chat.responses = []llms.Response{{Content: "Hi! How can I help?"}}
	})

	events := postForm(t, env, "/chat", url.Values{"message": {"Hello"}})
	assertMonotonicSeq(t, events)
	assertSubsequence(t, eventTypes(events), []string{
		"graph_start", "node_start", "llm_start", "content_chunk",
		"llm_end", "node_end", "state_snapshot", "graph_end",
	})

	last := events[len(events)-1]
	require.Equal(t, "graph_end", last.Type)
	var p struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	assert.Equal(t, "Hi! How can I help?", p.Response)
}

func TestChat_OneToolRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.chat.responses = []llms.Response{
			{ToolCalls: []llms.ToolCall{{ID: "call_1", Name: "get_procedure", Arguments: map[string]any{"id": "PR-AV-02"}}}},
			{Content: "PR-AV-02 regelt bewaartermijnen."},
		}
	})

	events := postForm(t, env, "/chat", url.Values{"message": {"look up PR-AV-02"}})
	assertMonotonicSeq(t, events)
	assertSubsequence(t, eventTypes(events), []string{
		"graph_start", "node_start", "llm_start", "llm_end",
		"tool_start", "tool_end",
		"llm_start", "content_chunk", "llm_end",
		"graph_end",
	})
}

func TestChat_RegistersThreadWithDerivedTitle(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.chat.responses = []llms.Response{{Content: "hello"}}
	})

	events := postForm(t, env, "/chat", url.Values{"message": {"Hello there, assistant"}})
	threadID := events[0].ThreadID
	require.NotEmpty(t, threadID)

	th, err := env.threads.Get(context.Background(), threadID)
	require.NoError(t, err)
	require.NotNil(t, th.Title)
	assert.Equal(t, "Hello there, assistant", *th.Title)
	require.NotNil(t, th.Flow)
	assert.Equal(t, "default.default.chat", *th.Flow)
}

func TestChat_SecondTurnContinuesThread(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.chat.responses = []llms.Response{
			{Content: "first answer"},
			{Content: "second answer"},
		}
	})

	events := postForm(t, env, "/chat", url.Values{"message": {"turn one"}})
	threadID := events[0].ThreadID

	events = postForm(t, env, "/chat", url.Values{"message": {"turn two"}, "thread_id": {threadID}})
	assertMonotonicSeq(t, events)

	// The state projection shows all four messages accumulated.
	resp, err := http.Get(env.server.URL + "/graph/state?thread_id=" + threadID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loaded struct {
		State struct {
			Messages []llms.Message `json:"messages"`
		} `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
	require.Len(t, loaded.State.Messages, 4)
	assert.Equal(t, "turn one", loaded.State.Messages[0].Content)
	assert.Equal(t, "second answer", loaded.State.Messages[3].Content)
}

func TestChat_MissingMessageIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.PostForm(env.server.URL+"/chat", url.Values{})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func startReport(t *testing.T, env *testEnv, body map[string]any) (*http.Response, error) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return http.Post(env.server.URL+"/report/start", "application/json", bytes.NewReader(payload))
}

func TestReport_ThreeClustersOneWorker(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.analyst.responses = []llms.Response{
			{Content: "chapter one"},
			{Content: "chapter two"},
			{Content: "chapter three"},
		}
		e.editor.responses = []llms.Response{{Content: "# Final\n\nreport"}}
	})

	resp, err := startReport(t, env, map[string]any{})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := parseSSE(t, resp.Body)
	assertMonotonicSeq(t, events)

	// Three analyst instances with distinct run_ids, each paired.
	analystStarts := map[string]bool{}
	for _, ev := range events {
		if ev.Type != "node_start" {
			continue
		}
		var p struct {
			Node string `json:"node"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Node == "analyst_node" {
			analystStarts[ev.RunID] = true
		}
	}
	assert.Len(t, analystStarts, 3)

	types := eventTypes(events)
	assertSubsequence(t, types, []string{"graph_start", "state_snapshot", "graph_end"})
	assert.Contains(t, types, "llm_start")

	// graph_end carries the editor's full markdown.
	final := events[len(events)-1]
	require.Equal(t, "graph_end", final.Type)
	var end struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(final.Payload, &end))
	assert.Equal(t, "# Final\n\nreport", end.Response)

	// The final snapshot is quiescent: nothing scheduled next.
	var lastSnapshot sseEvent
	for _, ev := range events {
		if ev.Type == "state_snapshot" {
			lastSnapshot = ev
		}
	}
	var snap struct {
		Next         []string `json:"next"`
		VisitedNodes []string `json:"visited_nodes"`
	}
	require.NoError(t, json.Unmarshal(lastSnapshot.Payload, &snap))
	assert.Empty(t, snap.Next)
	assert.Contains(t, snap.VisitedNodes, "splitter_node")
	assert.Contains(t, snap.VisitedNodes, "editor_node")
}

func TestReport_CloudRunJobReturnsJobReference(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.analyst.responses = []llms.Response{
			{Content: "one"}, {Content: "two"}, {Content: "three"},
		}
		e.editor.responses = []llms.Response{{Content: "final"}}
	})

	resp, err := startReport(t, env, map[string]any{"execution_mode": "cloud_run_job"})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "submitted", out["status"])
	require.NotEmpty(t, out["job_id"])

	waitForFinalReport(t, env, out["job_id"])
}

func waitForFinalReport(t *testing.T, env *testEnv, threadID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(env.server.URL + "/report/" + threadID + "/load")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			var loaded struct {
				State map[string]any `json:"state"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
			resp.Body.Close()
			if final, ok := loaded.State["final_report"].(string); ok && final != "" {
				return loaded.State
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("thread %s never produced a final report", threadID)
	return nil
}

func TestReport_StopMidRunThenResume(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, func(e *testEnv) {
		e.analyst.gate = gate
		e.analyst.responses = []llms.Response{
			{Content: "chapter one"},
			{Content: "chapter two"},
			{Content: "chapter three"},
		}
		e.editor.responses = []llms.Response{{Content: "resumed final"}}
	})

	resp, err := startReport(t, env, map[string]any{})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Drain the stream concurrently, watching for the first analyst
	// start while the provider is held at the gate.
	var (
		mu     sync.Mutex
		events []sseEvent
	)
	analystStarted := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sseEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				continue
			}
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()

			if ev.Type == "node_start" {
				var p struct {
					Node string `json:"node"`
				}
				_ = json.Unmarshal(ev.Payload, &p)
				if p.Node == "analyst_node" {
					select {
					case analystStarted <- ev.ThreadID:
					default:
					}
				}
			}
		}
	}()

	var threadID string
	select {
	case threadID = <-analystStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("analyst never started")
	}

	// Stop while the analyst is still held at the gate, then let it
	// finish: the run must complete the in-flight node and schedule
	// nothing further.
	stopResp, err := http.Post(env.server.URL+"/report/"+threadID+"/stop", "application/json", nil)
	require.NoError(t, err)
	stopResp.Body.Close()
	require.Equal(t, http.StatusOK, stopResp.StatusCode)

	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after stop")
	}

	mu.Lock()
	streamed := append([]sseEvent(nil), events...)
	mu.Unlock()

	analystStarts, analystEnds := 0, 0
	for _, ev := range streamed {
		var p struct {
			Node string `json:"node"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		switch {
		case ev.Type == "node_start" && p.Node == "analyst_node":
			analystStarts++
		case ev.Type == "node_end" && p.Node == "analyst_node":
			analystEnds++
		}
	}
	assert.Equal(t, 1, analystStarts, "no new analyst after stop")
	assert.Equal(t, analystStarts, analystEnds, "running analyst completed")
	require.NotEmpty(t, streamed)
	assert.Equal(t, "state_snapshot", streamed[len(streamed)-1].Type, "stream ends with a final snapshot")

	// Resume continues from the checkpoint: the two parked clusters
	// and the editor still run.
	resumeResp, err := http.Post(env.server.URL+"/report/"+threadID+"/resume", "application/json", nil)
	require.NoError(t, err)
	resumeResp.Body.Close()
	require.Equal(t, http.StatusOK, resumeResp.StatusCode)

	state := waitForFinalReport(t, env, threadID)
	assert.Equal(t, "resumed final", state["final_report"])

	chapters, ok := state["chapters_by_file_id"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, chapters, 3)
}

func TestReport_StatusAndSnapshots(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.analyst.responses = []llms.Response{
			{Content: "one"}, {Content: "two"}, {Content: "three"},
		}
		e.editor.responses = []llms.Response{{Content: "final"}}
	})

	resp, err := startReport(t, env, map[string]any{})
	require.NoError(t, err)
	events := parseSSE(t, resp.Body)
	resp.Body.Close()
	threadID := events[0].ThreadID

	statusResp, err := http.Get(env.server.URL + "/report/" + threadID + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status struct {
		TotalClusters     int      `json:"total_clusters"`
		CompletedClusters int      `json:"completed_clusters"`
		Chapters          int      `json:"chapters"`
		FinalReportReady  bool     `json:"final_report_ready"`
		Logs              []string `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, 3, status.TotalClusters)
	assert.Equal(t, 3, status.CompletedClusters)
	assert.Equal(t, 3, status.Chapters)
	assert.True(t, status.FinalReportReady)
	assert.NotEmpty(t, status.Logs)
	assert.LessOrEqual(t, len(status.Logs), 20)

	snapResp, err := http.Get(env.server.URL + "/report/" + threadID + "/snapshots")
	require.NoError(t, err)
	defer snapResp.Body.Close()

	var snaps struct {
		Snapshots []struct {
			SnapshotID string `json:"snapshot_id"`
		} `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(snapResp.Body).Decode(&snaps))
	assert.NotEmpty(t, snaps.Snapshots)
}

func TestReport_Downloads(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.analyst.responses = []llms.Response{
			{Content: "one"}, {Content: "two"}, {Content: "three"},
		}
		e.editor.responses = []llms.Response{{Content: "# Final report\n\ndone"}}
	})

	resp, err := startReport(t, env, map[string]any{})
	require.NoError(t, err)
	events := parseSSE(t, resp.Body)
	resp.Body.Close()
	threadID := events[0].ThreadID

	for _, path := range []string{"/chapters/download", "/final-report/download"} {
		dl, err := http.Get(env.server.URL + "/report/" + threadID + path)
		require.NoError(t, err)
		body, err := io.ReadAll(dl.Body)
		dl.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, dl.StatusCode, path)
		assert.Equal(t, docxContentType, dl.Header.Get("Content-Type"), path)
		assert.Contains(t, dl.Header.Get("Content-Disposition"), "attachment", path)
		// DOCX packages are zip archives.
		require.GreaterOrEqual(t, len(body), 4, path)
		assert.Equal(t, []byte{'P', 'K'}, body[:2], path)
	}
}

func TestReport_UnknownThreadIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, probe := range []struct{ method, path string }{
		{http.MethodGet, "/report/nope/load"},
		{http.MethodGet, "/report/nope/status"},
		{http.MethodPost, "/report/nope/stop"},
		{http.MethodPost, "/report/nope/resume"},
	} {
		req, err := http.NewRequest(probe.method, env.server.URL+probe.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, probe.path)
	}
}

func TestGraphStructure(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/graph/structure?flow=report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Flow  string `json:"flow"`
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
		Edges []struct {
			Source      string `json:"source"`
			Target      string `json:"target"`
			Conditional bool   `json:"conditional"`
		} `json:"edges"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "report", out.Flow)

	names := map[string]bool{}
	for _, n := range out.Nodes {
		names[n.Name] = true
	}
	for _, want := range []string{"splitter_node", "analyst_node", "batch_processor_node", "batch_processor_noop_node", "editor_node"} {
		assert.True(t, names[want], want)
	}

	foundDispatch := false
	for _, e := range out.Edges {
		if e.Source == "splitter_node" && e.Target == "analyst_node" && e.Conditional {
			foundDispatch = true
		}
	}
	assert.True(t, foundDispatch, "synthesized dispatch edge present")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// stubValidator admits one fixed token.
type stubValidator struct {
	token  string
	claims *auth.Claims
}

func (v *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	if token != v.token {
		return nil, fmt.Errorf("bad token")
	}
	return v.claims, nil
}

func newAuthedEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		chat:    &scriptedProvider{model: "chat-model", responses: []llms.Response{{Content: "hi"}}},
		analyst: &scriptedProvider{model: "analyst-model"},
		editor:  &scriptedProvider{model: "editor-model"},
		cancel:  cancelbus.New(),
		threads: thread.NewInMemory(),
	}

	providers := map[string]llms.Provider{
		env.chat.model:    env.chat,
		env.analyst.model: env.analyst,
		env.editor.model:  env.editor,
	}
	llmCfgs := map[string]*config.LLMConfig{}
	for name := range providers {
		llmCfgs[name] = &config.LLMConfig{}
	}
	gw := gateway.New(providers, llmCfgs, nil, gateway.RetryConfig{MaxAttempts: 1}, nil)

	flowCfg := flows.Config{ChatModel: env.chat.model, AnalystModel: env.analyst.model, EditorModel: env.editor.model}
	chatGraph, err := flows.BuildChatGraph(&flows.Deps{Gateway: gw, Config: flowCfg, ChatTools: flows.NewToolRegistry()})
	require.NoError(t, err)
	reportGraph, err := flows.BuildReportGraph(&flows.Deps{Gateway: gw, Config: flowCfg, AnalystTools: flows.NewToolRegistry()})
	require.NoError(t, err)

	serverCfg := config.ServerConfig{}
	serverCfg.SetDefaults()
	authCfg := config.AuthConfig{Enabled: true, Org: "opgroeien", Project: "poc"}
	authCfg.SetDefaults()

	authorizer := auth.NewAuthorizer(auth.GrantsDocument{Grants: map[string]auth.Grant{
		"alice@example.com": {
			Account: "alice",
			Projects: map[string]map[string][]string{
				"opgroeien": {"poc": {"chat"}},
			},
		},
	}})

	srv, err := New(Options{
		Server:      serverCfg,
		Auth:        authCfg,
		ChatGraph:   chatGraph,
		ReportGraph: reportGraph,
		Checkpoints: checkpoint.NewInMemory(),
		Threads:     env.threads,
		Cancel:      env.cancel,
		EmitterCfg:  emitter.DefaultConfig(),
		Validator:   &stubValidator{token: "good-token", claims: &auth.Claims{Email: "alice@example.com", Subject: "u1"}},
		Authorizer:  authorizer,
	})
	require.NoError(t, err)

	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func TestAuth_MissingTokenIs401(t *testing.T) {
	env := newAuthedEnv(t)
	resp, err := http.PostForm(env.server.URL+"/chat", url.Values{"message": {"hi"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_BadTokenIs401(t *testing.T) {
	env := newAuthedEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/chat", strings.NewReader("message=hi"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_GrantedFlowStreams(t *testing.T) {
	env := newAuthedEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/chat", strings.NewReader("message=hi"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer good-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestAuth_UngrantedFlowIs403(t *testing.T) {
	env := newAuthedEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/report/start", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListThreads(t *testing.T) {
	env := newTestEnv(t, func(e *testEnv) {
		e.chat.responses = []llms.Response{{Content: "a"}, {Content: "b"}}
	})

	postForm(t, env, "/chat", url.Values{"message": {"first thread"}})
	postForm(t, env, "/chat", url.Values{"message": {"second thread"}})

	resp, err := http.Get(env.server.URL + "/threads?flow=chat")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Threads []struct {
			Title string `json:"title"`
		} `json:"threads"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Threads, 2)
	assert.Equal(t, "second thread", out.Threads[0].Title)
}
