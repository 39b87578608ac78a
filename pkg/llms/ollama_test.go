package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
)

func TestOllamaProvider_InvokeParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi there"},"done":true,"eval_count":4,"prompt_eval_count":9}`))
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(&config.LLMConfig{Provider: config.LLMProviderOllama, Model: "llama3", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.Invoke(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 9, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
}

func TestOllamaProvider_StreamReadsNDJSONUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		lines := []string{
			`{"message":{"role":"assistant","content":"he"},"done":false}`,
			`{"message":{"role":"assistant","content":"llo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"eval_count":2,"prompt_eval_count":5}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(&config.LLMConfig{Provider: config.LLMProviderOllama, Model: "llama3", BaseURL: srv.URL})
	require.NoError(t, err)

	chunks, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var text string
	var done bool
	for c := range chunks {
		text += c.Delta
		if c.Done {
			done = true
			require.NotNil(t, c.Usage)
			assert.Equal(t, 2, c.Usage.OutputTokens)
		}
	}

	assert.Equal(t, "hello", text)
	assert.True(t, done)
}

func TestOllamaProvider_DefaultsBaseURL(t *testing.T) {
	p, err := NewOllamaProvider(&config.LLMConfig{Provider: config.LLMProviderOllama, Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", p.baseURL)
}
