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
	"time"

	"github.com/kadirpekel/flowcore/pkg/config"
)

// OllamaProvider implements Provider against a local Ollama daemon's
// native /api/chat endpoint. No API key: BaseURL defaults to the
// standard local port.
type OllamaProvider struct {
	cfg        *config.LLMConfig
	httpClient *http.Client
	baseURL    string
}

// NewOllamaProvider builds a provider from an LLMConfig entry.
func NewOllamaProvider(cfg *config.LLMConfig) (*OllamaProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaProvider{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (p *OllamaProvider) ModelName() string { return p.cfg.Model }

type ollamaMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ollamaToolUse `json:"tool_calls,omitempty"`
}

type ollamaToolUse struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	EvalCount       int           `json:"eval_count"`
	PromptEvalCount int           `json:"prompt_eval_count"`
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) ollamaRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var tu ollamaToolUse
			tu.Function.Name = tc.Name
			tu.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, tu)
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

	options := map[string]any{}
	if req.Config.Temperature != nil {
		options["temperature"] = *req.Config.Temperature
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}

	return ollamaRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
		Tools:    tools,
	}
}

func (p *OllamaProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return Response{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPError(resp.StatusCode, body)
	}

	var or ollamaResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return Response{}, fmt.Errorf("ollama: decode response: %w", err)
	}

	var calls []ToolCall
	for _, tc := range or.Message.ToolCalls {
		calls = append(calls, ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return Response{
		Content:   or.Message.Content,
		ToolCalls: calls,
		Usage: Usage{
			InputTokens:  or.PromptEvalCount,
			OutputTokens: or.EvalCount,
		},
	}, nil
}

// Stream reads Ollama's newline-delimited JSON streaming format (one
// JSON object per line, no `data: ` SSE prefix, terminated by a record
// with done == true).
func (p *OllamaProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var or ollamaResponse
			if err := json.Unmarshal(line, &or); err != nil {
				continue
			}

			if or.Message.Content != "" {
				select {
				case out <- StreamChunk{Delta: or.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range or.Message.ToolCalls {
				select {
				case out <- StreamChunk{ToolCall: &ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}}:
				case <-ctx.Done():
					return
				}
			}

			if or.Done {
				select {
				case out <- StreamChunk{Done: true, Usage: &Usage{InputTokens: or.PromptEvalCount, OutputTokens: or.EvalCount}}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: fmt.Errorf("ollama: stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
