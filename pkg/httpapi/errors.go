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

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kadirpekel/flowcore/pkg/auth"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/thread"
)

// errorBody is the JSON error envelope every non-SSE failure returns.
type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errorType, msg string) {
	writeJSON(w, status, errorBody{Error: msg, ErrorType: errorType})
}

// writeErrorFor maps a handler error to its status code and error
// kind: 403 for denied grants, 404 for unknown threads/checkpoints,
// 500 for persistence and everything else.
func writeErrorFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "auth_denied", err.Error())
	case errors.Is(err, thread.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
