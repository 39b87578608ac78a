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
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/kadirpekel/flowcore/pkg/config"
)

// GeminiProvider implements Provider over the official genai SDK.
type GeminiProvider struct {
	client *genai.Client
	cfg    *config.LLMConfig
}

// NewGeminiProvider builds a provider from an LLMConfig entry.
func NewGeminiProvider(ctx context.Context, cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api_key is required")
	}
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey}
	if cfg.Location != "" {
		clientCfg.Location = cfg.Location
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

func (p *GeminiProvider) ModelName() string { return p.cfg.Model }

// buildRequest splits the universal Message slice into genai contents
// plus a separate system instruction, matching Gemini's wire shape.
func (p *GeminiProvider) buildRequest(req Request) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	var contents []*genai.Content

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			}
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		}
	}

	return contents, systemInstruction
}

func (p *GeminiProvider) buildConfig(req Request, systemInstruction *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}

	if req.Config.Temperature != nil {
		t := float32(*req.Config.Temperature)
		cfg.Temperature = &t
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	// thinking_level maps onto a thinking-token budget; the tiers are
	// coarse on purpose, exact budgets are a model-tuning concern.
	if budget := thinkingBudget(p.cfg.ThinkingLevel); budget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	for _, t := range req.Tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaFromMap(t.Parameters),
			}},
		})
	}

	return cfg
}

func thinkingBudget(level string) int32 {
	switch level {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 24576
	default:
		return 0
	}
}

// schemaFromMap adapts our plain map[string]any JSON-schema parameter
// shape to genai's typed Schema. Only the subset function-calling
// tools actually use (object/string/number/integer/boolean/array) is
// handled; anything else degrades to an untyped object schema.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		}
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if sub, ok := v.(map[string]any); ok {
				s.Properties[k] = schemaFromMap(sub)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	return s
}

func (p *GeminiProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	contents, systemInstruction := p.buildRequest(req)
	genResp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, p.buildConfig(req, systemInstruction))
	if err != nil {
		return Response{}, classifyGeminiError(err)
	}
	return p.parseResponse(genResp), nil
}

func (p *GeminiProvider) parseResponse(genResp *genai.GenerateContentResponse) Response {
	var resp Response
	if genResp.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(genResp.Candidates) == 0 || genResp.Candidates[0].Content == nil {
		return resp
	}
	for _, part := range genResp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			resp.Content += part.Text
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        part.FunctionCall.ID,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	return resp
}

// Stream performs a streaming call over genai's iter.Seq2-shaped
// GenerateContentStream, fanning each chunk's parts out onto our own
// channel-based StreamChunk protocol.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	contents, systemInstruction := p.buildRequest(req)
	genConfig := p.buildConfig(req, systemInstruction)

	out := make(chan StreamChunk, 32)
	go func() {
		defer close(out)

		var usage Usage
		emittedCalls := map[string]bool{}

		for genResp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, genConfig) {
			if err != nil {
				select {
				case out <- StreamChunk{Err: classifyGeminiError(err)}:
				case <-ctx.Done():
				}
				return
			}
			if genResp.UsageMetadata != nil {
				usage = Usage{
					InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(genResp.Candidates) == 0 || genResp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range genResp.Candidates[0].Content.Parts {
				if part.Text != "" && !part.Thought {
					select {
					case out <- StreamChunk{Delta: part.Text}:
					case <-ctx.Done():
						return
					}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = fmt.Sprintf("%s-%d", part.FunctionCall.Name, len(emittedCalls))
					}
					if emittedCalls[id] {
						continue
					}
					emittedCalls[id] = true
					select {
					case out <- StreamChunk{ToolCall: &ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args}}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		select {
		case out <- StreamChunk{Done: true, Usage: &usage}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func classifyGeminiError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstreamUnavailable, Message: err.Error()}
}
