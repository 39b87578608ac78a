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

package ratelimit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Middleware denies requests once the resolved principal is out of
// quota, with a Retry-After header telling the client when the window
// reopens. principalOf runs after the auth middleware, so it reads the
// authenticated identity, never a client-supplied header. A store
// failure admits the request: quota enforcement degrading is better
// than taking the API down with it.
func Middleware(l *Limiter, principalOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := l.AllowRequest(r.Context(), principalOf(r))

			var quotaErr *QuotaError
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.As(err, &quotaErr):
				retry := int64(quotaErr.RetryAfter/time.Second) + 1
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":      quotaErr.Error(),
					"error_type": "rate_limit",
				})
			default:
				slog.Warn("ratelimit: store unavailable, admitting request", "error", err)
				next.ServeHTTP(w, r)
			}
		})
	}
}
