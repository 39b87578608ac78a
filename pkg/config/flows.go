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

package config

import "fmt"

// FlowsConfig binds the compiled flows to their models and data
// sources: which configured LLM each role uses, where the procedure
// table comes from, and which knowledge-base collection the search
// tool queries.
type FlowsConfig struct {
	// ChatModel, AnalystModel, and EditorModel reference entries of
	// Config.LLMs by name. Empty fields fall back to Defaults.LLM.
	ChatModel    string `yaml:"chat_model,omitempty"`
	AnalystModel string `yaml:"analyst_model,omitempty"`
	EditorModel  string `yaml:"editor_model,omitempty"`

	// ProceduresFile is the .xlsx procedure table the report flow's
	// splitter reads and get_procedure answers from.
	ProceduresFile string `yaml:"procedures_file,omitempty"`

	// KnowledgeBase is the vector collection search_knowledge_base
	// queries.
	KnowledgeBase string `yaml:"knowledge_base,omitempty"`

	// DocxTemplate, if set, is the .docx template the download
	// endpoints fill; absent, a minimal document is generated.
	DocxTemplate string `yaml:"docx_template,omitempty"`
}

// SetDefaults applies default values, resolving empty model references
// to defaultLLM.
func (c *FlowsConfig) SetDefaults(defaultLLM string) {
	if c.ChatModel == "" {
		c.ChatModel = defaultLLM
	}
	if c.AnalystModel == "" {
		c.AnalystModel = defaultLLM
	}
	if c.EditorModel == "" {
		c.EditorModel = defaultLLM
	}
	if c.KnowledgeBase == "" {
		c.KnowledgeBase = "general_knowledge"
	}
}

// Validate checks that every referenced model exists in llms.
func (c *FlowsConfig) Validate(llms map[string]*LLMConfig) error {
	for _, ref := range []struct{ field, name string }{
		{"flows.chat_model", c.ChatModel},
		{"flows.analyst_model", c.AnalystModel},
		{"flows.editor_model", c.EditorModel},
	} {
		if ref.name == "" {
			return fmt.Errorf("%s is not set and no defaults.llm is configured", ref.field)
		}
		if _, ok := llms[ref.name]; !ok {
			return fmt.Errorf("%s references unknown llm %q", ref.field, ref.name)
		}
	}
	return nil
}
