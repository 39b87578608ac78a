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

package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimatePromptTokens_EmptyRequestIsJustThePrimer(t *testing.T) {
	assert.Equal(t, replyPrimerTokens, EstimatePromptTokens("gpt-4o", nil))
}

func TestEstimatePromptTokens_GrowsWithContent(t *testing.T) {
	short := EstimatePromptTokens("gpt-4o", []PromptMessage{
		{Role: "user", Content: "hi"},
	})
	long := EstimatePromptTokens("gpt-4o", []PromptMessage{
		{Role: "user", Content: strings.Repeat("procedure text ", 200)},
	})

	assert.Greater(t, short, replyPrimerTokens)
	assert.Greater(t, long, short+100)
}

func TestEstimatePromptTokens_CountsEveryMessage(t *testing.T) {
	one := EstimatePromptTokens("gpt-4o", []PromptMessage{
		{Role: "user", Content: "hello"},
	})
	two := EstimatePromptTokens("gpt-4o", []PromptMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hello"},
	})
	assert.Greater(t, two, one)
}

func TestEstimatePromptTokens_UnknownModelStillEstimates(t *testing.T) {
	msgs := []PromptMessage{{Role: "user", Content: "tell me about retention periods"}}

	got := EstimatePromptTokens("gemini-2.5-pro", msgs)
	assert.Greater(t, got, replyPrimerTokens)

	// Identical inputs estimate identically, cache hit or miss.
	assert.Equal(t, got, EstimatePromptTokens("gemini-2.5-pro", msgs))
}

func TestEstimateTextTokens_TracksLength(t *testing.T) {
	small := EstimateTextTokens("gpt-4o", "word")
	big := EstimateTextTokens("gpt-4o", strings.Repeat("word ", 500))
	assert.Greater(t, big, small)
}

func TestApproximateTokens_RoundsUp(t *testing.T) {
	assert.Equal(t, 0, approximateTokens(""))
	assert.Equal(t, 1, approximateTokens("abc"))
	assert.Equal(t, 1, approximateTokens("abcd"))
	assert.Equal(t, 2, approximateTokens("abcde"))
}
