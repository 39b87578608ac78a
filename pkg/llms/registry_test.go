package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
)

func TestNewRegistry_BuildsOneProviderPerEntry(t *testing.T) {
	cfgs := map[string]*config.LLMConfig{
		"fast": {Provider: config.LLMProviderOllama, Model: "llama3"},
		"pro":  {Provider: config.LLMProviderAnthropic, Model: "claude-sonnet-4", APIKey: "k"},
	}

	reg, err := NewRegistry(context.Background(), cfgs)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	fast, ok := reg.Get("fast")
	require.True(t, ok)
	assert.Equal(t, "llama3", fast.ModelName())

	pro, ok := reg.Get("pro")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", pro.ModelName())
}

func TestNewRegistry_RejectsUnknownProvider(t *testing.T) {
	cfgs := map[string]*config.LLMConfig{
		"bad": {Provider: "not-a-provider", Model: "x"},
	}
	_, err := NewRegistry(context.Background(), cfgs)
	assert.Error(t, err)
}

func TestNewProvider_AnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(context.Background(), &config.LLMConfig{Provider: config.LLMProviderAnthropic, Model: "x"})
	assert.Error(t, err)
}
