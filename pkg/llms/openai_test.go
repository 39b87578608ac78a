package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
)

func newTestOpenAIConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:  config.LLMProviderOpenAI,
		Model:     "gpt-4o",
		APIKey:    "test-key",
		BaseURL:   baseURL,
		MaxTokens: 1024,
	}
}

func TestOpenAIProvider_InvokeParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		resp := openAIResponse{
			Choices: []openAIChoice{{
				Message: openAIMessage{
					Role: "assistant",
					ToolCalls: []openAIToolCall{{
						ID:       "call_1",
						Function: openAIFunctionCall{Name: "get_weather", Arguments: `{"city":"ghent"}`},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: openAIUsage{PromptTokens: 12, CompletionTokens: 3},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(newTestOpenAIConfig(srv.URL))
	require.NoError(t, err)

	resp, err := p.Invoke(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "weather?"}}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.Equal(t, "ghent", resp.ToolCalls[0].Arguments["city"])
	assert.Equal(t, 12, resp.Usage.InputTokens)
}

func TestOpenAIProvider_InvokeClassifiesUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(newTestOpenAIConfig(srv.URL))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, ClassifyErr(err))
}

func TestOpenAIProvider_StreamAccumulatesToolCallArgumentsAcrossChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"choices":[{"delta":{"content":"hi"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ghent\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte("data: " + l + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(newTestOpenAIConfig(srv.URL))
	require.NoError(t, err)

	chunks, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var toolCall *ToolCall
	var done bool
	for c := range chunks {
		text += c.Delta
		if c.ToolCall != nil {
			toolCall = c.ToolCall
		}
		if c.Done {
			done = true
		}
	}

	assert.Equal(t, "hi", text)
	require.NotNil(t, toolCall)
	assert.Equal(t, "get_weather", toolCall.Name)
	assert.Equal(t, "ghent", toolCall.Arguments["city"])
	assert.True(t, done)
}
