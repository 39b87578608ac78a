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
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure the way the Model Gateway needs
// to decide whether to retry it.
type Kind string

const (
	KindRateLimit           Kind = "rate_limit"
	KindTimeout             Kind = "timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidInput        Kind = "invalid_input"
	KindCancelled           Kind = "cancelled"
	KindUnknown             Kind = "unknown"
)

// Error is a provider failure tagged with the Kind the gateway's retry
// policy switches on.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llms: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// ClassifyErr recovers the Kind from any error a Provider returned,
// defaulting to KindUnknown for plain errors the providers didn't tag.
func ClassifyErr(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classifyHTTPError maps a vendor HTTP error response to a typed Error.
// Shared across providers since 429/5xx/4xx semantics are near-identical
// across the Anthropic, OpenAI, and Ollama HTTP APIs.
func classifyHTTPError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}

	var kind Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUpstreamUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = KindInvalidInput
	default:
		kind = KindUnknown
	}

	return &Error{Kind: kind, StatusCode: status, Message: msg}
}
