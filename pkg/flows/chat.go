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

package flows

import (
	"fmt"

	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/llms"
)

const chatSystemPrompt = `You are a general-purpose assistant. Use the available tools when a
question needs a procedure or regulation lookup you don't already know; otherwise answer
directly. Keep answers concise.`

// BuildChatGraph compiles the two-node agent/tools loop: agent calls
// the model, routes to tools when the model asked for one, tools
// answers every pending call and routes back to agent.
func BuildChatGraph(deps *Deps) (*graph.Compiled, error) {
	if deps.ChatTools == nil {
		deps.ChatTools = NewToolRegistry()
	}

	g := graph.New("chat", ChatSchema())
	g.AddNode("agent", deps.agentNode)
	g.AddNode("tools", deps.chatToolsNode)
	g.SetEntryPoint("agent")
	g.AddConditionalEdge("agent", chatRoute, "tools")
	g.AddEdge("tools", "agent")

	var opts []graph.CompileOption
	if deps.Config.RecursionLimit > 0 {
		opts = append(opts, graph.WithRecursionLimit(deps.Config.RecursionLimit))
	}
	return g.Compile(opts...)
}

// getMessages reads the messages channel back out of state. graph.Append
// (the reducer KeyMessages uses) folds every delta into a []any, one
// element per message, so this unwraps that rather than asserting a
// concrete []llms.Message.
func getMessages(state graph.State) []llms.Message {
	v, ok := state[KeyMessages]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]llms.Message, 0, len(items))
	for _, item := range items {
		// Live state holds llms.Message values; a checkpoint round-trip
		// hands back their JSON shape.
		if m, ok := decodeAs[llms.Message](item); ok {
			out = append(out, m)
		}
	}
	return out
}

// appendMessages wraps msgs as the []any delta graph.Append expects.
func appendMessages(msgs ...llms.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

// MessagesDelta wraps msgs as the delta the messages reducer expects,
// for callers outside this package (the HTTP surface appending a new
// user turn) that need to seed or extend chat state.
func MessagesDelta(msgs ...llms.Message) []any {
	return appendMessages(msgs...)
}

// Messages reads the accumulated message list out of a state or
// checkpoint values map.
func Messages(values map[string]any) []llms.Message {
	return getMessages(graph.State(values))
}

// chatRoute sends control to "tools" whenever the agent's latest
// message requested one, otherwise ends the run.
func chatRoute(_ graph.NodeResult, state graph.State) graph.Route {
	msgs := getMessages(state)
	if len(msgs) == 0 {
		return graph.ToNode(graph.END)
	}
	last := msgs[len(msgs)-1]
	if len(last.ToolCalls) > 0 {
		return graph.ToNode("tools")
	}
	return graph.ToNode(graph.END)
}

func (d *Deps) agentNode(rc *graph.RunContext, state graph.State, _ any) (graph.NodeResult, error) {
	reqMsgs := append([]llms.Message{{Role: llms.RoleSystem, Content: chatSystemPrompt}}, getMessages(state)...)

	req := llms.Request{
		Model:    d.Config.ChatModel,
		Messages: reqMsgs,
		Tools:    d.ChatTools.Definitions(),
	}

	resp, err := llmCall(rc, d.Gateway, gateway.PoolAgent, d.Config.ChatModel, req)
	if err != nil {
		return graph.NodeResult{}, fmt.Errorf("flows: chat agent: %w", err)
	}

	aiMsg := llms.Message{Role: llms.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
	return graph.Update(map[string]any{KeyMessages: appendMessages(aiMsg)}), nil
}

func (d *Deps) chatToolsNode(rc *graph.RunContext, state graph.State, _ any) (graph.NodeResult, error) {
	msgs := getMessages(state)
	if len(msgs) == 0 {
		return graph.Update(nil), nil
	}
	last := msgs[len(msgs)-1]

	results := make([]llms.Message, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		out := d.callTool(rc, d.ChatTools, call)
		results = append(results, llms.Message{Role: llms.RoleTool, Content: out, ToolCallID: call.ID, Name: call.Name})
	}

	return graph.Update(map[string]any{KeyMessages: appendMessages(results...)}), nil
}
