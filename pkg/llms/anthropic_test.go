package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
)

func newTestAnthropicConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:  config.LLMProviderAnthropic,
		Model:     "claude-sonnet-4",
		APIKey:    "test-key",
		BaseURL:   baseURL,
		MaxTokens: 1024,
	}
}

func TestAnthropicProvider_InvokeParsesTextAndToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.False(t, req.Stream)

		resp := anthropicResponse{
			Content: []anthropicContent{
				{Type: "text", Text: "the weather is sunny"},
				{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "ghent"}},
			},
			Usage: anthropicUsage{InputTokens: 10, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(newTestAnthropicConfig(srv.URL))
	require.NoError(t, err)

	resp, err := p.Invoke(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "what's the weather?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the weather is sunny", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestAnthropicProvider_InvokeClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"rate_limit_error"}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(newTestAnthropicConfig(srv.URL))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, KindRateLimit, ClassifyErr(err))
}

func TestAnthropicProvider_StreamAssemblesDeltasAndToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_1","name":"lookup"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(newTestAnthropicConfig(srv.URL))
	require.NoError(t, err)

	chunks, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var sawToolCall bool
	var sawDone bool
	for c := range chunks {
		text += c.Delta
		if c.ToolCall != nil {
			sawToolCall = true
			assert.Equal(t, "lookup", c.ToolCall.Name)
			assert.Equal(t, "x", c.ToolCall.Arguments["q"])
		}
		if c.Done {
			sawDone = true
			require.NotNil(t, c.Usage)
			assert.Equal(t, 7, c.Usage.OutputTokens)
		}
	}

	assert.Equal(t, "hello", text)
	assert.True(t, sawToolCall)
	assert.True(t, sawDone)
}

func TestAnthropicProvider_BuildRequestSeparatesSystemPrompt(t *testing.T) {
	p, err := NewAnthropicProvider(newTestAnthropicConfig("http://example.invalid"))
	require.NoError(t, err)

	req := p.buildRequest(Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "hi"},
		},
	}, false)

	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}
