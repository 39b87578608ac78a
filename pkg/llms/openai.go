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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/flowcore/pkg/config"
)

// OpenAIProvider implements Provider for OpenAI's chat completions API
// (and any OpenAI-compatible endpoint reachable via BaseURL).
type OpenAIProvider struct {
	cfg        *config.LLMConfig
	httpClient *http.Client
	baseURL    string
}

// NewOpenAIProvider builds a provider from an LLMConfig entry.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAIProvider{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for i, tc := range m.ToolCalls {
			args := tc.RawArgs
			if args == "" {
				b, _ := json.Marshal(tc.Arguments)
				args = string(b)
			}
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				Index: i,
				ID:    tc.ID,
				Type:  "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		messages = append(messages, om)
	}

	tools := make([]openAITool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type:     "function",
			Function: openAIFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	return openAIRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Config.Temperature,
		Stream:      stream,
		Tools:       tools,
	}
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body openAIRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return httpReq, nil
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return Response{}, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPError(resp.StatusCode, body)
	}

	var or openAIResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return Response{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if or.Error != nil {
		return Response{}, fmt.Errorf("openai: %s: %s", or.Error.Type, or.Error.Message)
	}
	if len(or.Choices) == 0 {
		return Response{}, fmt.Errorf("openai: empty choices")
	}

	msg := or.Choices[0].Message
	var calls []ToolCall
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args, RawArgs: tc.Function.Arguments})
	}

	return Response{
		Content:   msg.Content,
		ToolCalls: calls,
		Usage: Usage{
			InputTokens:  or.Usage.PromptTokens,
			OutputTokens: or.Usage.CompletionTokens,
		},
	}, nil
}

type openAIStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

// Stream parses OpenAI's `data: {...}` / `data: [DONE]` SSE framing,
// accumulating streamed tool-call argument fragments by index until the
// call is finished, matching how the API splits one function call's
// arguments across many chunks.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPError(resp.StatusCode, body)
	}

	out := make(chan StreamChunk, 32)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		type pendingCall struct {
			id, name string
			args     strings.Builder
		}
		pending := map[int]*pendingCall{}
		var usage Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		flushPending := func() {
			for idx, pc := range pending {
				var args map[string]any
				raw := pc.args.String()
				if raw != "" {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				select {
				case out <- StreamChunk{ToolCall: &ToolCall{ID: pc.id, Name: pc.name, Arguments: args, RawArgs: raw}}:
				case <-ctx.Done():
					return
				}
				delete(pending, idx)
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				flushPending()
				select {
				case out <- StreamChunk{Done: true, Usage: &usage}:
				case <-ctx.Done():
				}
				return
			}

			var sr openAIStreamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				continue
			}
			if sr.Usage != nil {
				usage = Usage{InputTokens: sr.Usage.PromptTokens, OutputTokens: sr.Usage.CompletionTokens}
			}
			if len(sr.Choices) == 0 {
				continue
			}
			choice := sr.Choices[0]

			if choice.Delta.Content != "" {
				select {
				case out <- StreamChunk{Delta: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := pending[tc.Index]
				if !ok {
					pc = &pendingCall{}
					pending[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != nil {
				flushPending()
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: fmt.Errorf("openai: stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
