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
	"context"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "principal"

// anonymousPrincipal is the identity every request runs as when auth is
// disabled.
const anonymousPrincipal = "anonymous"

// principalFrom returns the authenticated principal stored by
// authMiddleware.
func principalFrom(r *http.Request) string {
	if p, ok := r.Context().Value(principalContextKey).(string); ok {
		return p
	}
	return anonymousPrincipal
}

// authMiddleware validates the bearer token and stores the resolved
// principal (the token's email claim, falling back to its subject) in
// the request context. With no validator configured every request is
// anonymous.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Validator == nil {
			ctx := context.WithValue(r.Context(), principalContextKey, anonymousPrincipal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "auth_denied", "missing Authorization header")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			writeError(w, http.StatusUnauthorized, "auth_denied", "invalid Authorization format, expected: Bearer <token>")
			return
		}

		claims, err := s.opts.Validator.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_denied", "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, claims.Principal())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireFlow authorizes the request's principal for (org, project,
// flow) before the handler runs. A nil Authorizer admits everyone -
// the same local-development posture as a nil Validator.
func (s *Server) requireFlow(flow string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.opts.Authorizer != nil {
				principal := principalFrom(r)
				if err := s.opts.Authorizer.Authorize(principal, s.opts.Auth.Org, s.opts.Auth.Project, flow); err != nil {
					writeError(w, http.StatusForbidden, "auth_denied", err.Error())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware reflects the configured allow-origins. SSE responses
// must be readable cross-origin for browser clients fronted elsewhere.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.opts.Server.CORSAllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
