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

// Package utils holds prompt token estimation, the one helper shared
// across otherwise unrelated packages.
package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// PromptMessage is the role/content pair token estimation sees; a
// deliberately narrow mirror of the LLM layer's message type so this
// package depends on nothing.
type PromptMessage struct {
	Role    string
	Content string
}

// Chat-format overhead, after OpenAI's published accounting: a few
// structural tokens wrap every message, and the reply is primed with
// an assistant header before the first content token.
const (
	perMessageOverhead = 3
	replyPrimerTokens  = 3
)

// fallbackEncoding approximates models tiktoken has no table for;
// close enough for the dynamic-timeout formula this feeds, where only
// the order of magnitude matters.
const fallbackEncoding = "cl100k_base"

// encoders caches one BPE per model name. tiktoken initialization
// walks its embedded tables, so it is paid once per model, not per
// request.
var encoders sync.Map // model -> *tiktoken.Tiktoken (nil when unavailable)

func encoderFor(model string) *tiktoken.Tiktoken {
	if cached, ok := encoders.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	encoders.Store(model, enc)
	return enc
}

// approximateTokens is the last resort when no encoding loads at all:
// the ~4-characters-per-token rule of thumb, rounded up.
func approximateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimatePromptTokens approximates the prompt size of one chat
// request against model, message framing included. Exact for models
// tiktoken knows, approximated via the fallback encoding otherwise;
// callers use it to scale timeouts, never for billing.
func EstimatePromptTokens(model string, msgs []PromptMessage) int {
	enc := encoderFor(model)

	total := replyPrimerTokens
	for _, m := range msgs {
		total += perMessageOverhead
		if enc == nil {
			total += approximateTokens(m.Role) + approximateTokens(m.Content)
			continue
		}
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total
}

// EstimateTextTokens approximates a bare string, for callers sizing a
// single document rather than a chat request.
func EstimateTextTokens(model, text string) int {
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approximateTokens(text)
}
