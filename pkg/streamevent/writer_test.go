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

package streamevent

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_SeqStartsAtOneAndIncrements(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, "thread-1", FlowChat)

	require.NoError(t, w.Emit(TypeGraphStart, "", struct{}{}))
	require.NoError(t, w.Emit(TypeNodeStart, "agent_run_1", NodeStartPayload{Node: "agent"}))
	require.NoError(t, w.Emit(TypeGraphEnd, "", GraphEndPayload{Response: "done"}))

	frames := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	require.Len(t, frames, 3)

	for i, frame := range frames {
		require.True(t, strings.HasPrefix(frame, "data: "))
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &env))
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, "thread-1", env.ThreadID)
		assert.Equal(t, FlowChat, env.Flow)
		assert.NotZero(t, env.TS)
	}
	assert.Equal(t, uint64(3), w.Seq())
}

func TestWriter_RunIDOmittedWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, "t", FlowReport)
	require.NoError(t, w.Emit(TypeGraphStart, "", struct{}{}))

	assert.NotContains(t, buf.String(), "run_id")
}

func TestWriter_CommentDoesNotAdvanceSeq(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil, "t", FlowReport)

	require.NoError(t, w.Comment("keepalive"))
	require.NoError(t, w.Emit(TypeGraphStart, "", struct{}{}))

	assert.True(t, strings.HasPrefix(buf.String(), ": keepalive\n\n"))
	assert.Equal(t, uint64(1), w.Seq())
}

func TestEnvelope_MarshalShape(t *testing.T) {
	env := Envelope{
		Type:     TypeLLMEnd,
		ThreadID: "t",
		Flow:     FlowChat,
		Seq:      7,
		TS:       1234,
		RunID:    "agent_run_3",
		Payload: LLMEndPayload{
			Model:         "m",
			OutputPreview: "hi",
			TokenUsage:    &TokenUsage{InputTokens: 10, OutputTokens: 2, DurationMillis: 50},
		},
	}

	data, err := env.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "llm_end", raw["type"])
	assert.Equal(t, float64(7), raw["seq"])

	payload := raw["payload"].(map[string]any)
	usage := payload["token_usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["input_tokens"])
	_, hasThinking := usage["thinking_tokens"]
	assert.False(t, hasThinking, "omitted when nil")
}
