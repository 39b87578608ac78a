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

// Package httpapi is the HTTP/SSE surface: per-flow routes over the
// compiled graphs, bearer-token authentication, per-request
// authorization, and the SSE plumbing that streams the Event Emitter's
// envelopes back to clients.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/flowcore/pkg/auth"
	"github.com/kadirpekel/flowcore/pkg/cancelbus"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/execmetrics"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/observability"
	"github.com/kadirpekel/flowcore/pkg/ratelimit"
	"github.com/kadirpekel/flowcore/pkg/thread"
)

// TokenValidator validates a bearer token and returns its claims.
// Satisfied by auth.JWTValidator; tests substitute a stub.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Claims, error)
}

// Options bundles everything the server needs, constructed once at
// boot and dependency-injected; none of these are ambient singletons.
type Options struct {
	Server config.ServerConfig
	Auth   config.AuthConfig

	ChatGraph   *graph.Compiled
	ReportGraph *graph.Compiled

	// BuildReportGraph, if set, compiles a report graph for a request's
	// model override. Requests without an override use ReportGraph.
	BuildReportGraph func(model string) (*graph.Compiled, error)

	Checkpoints checkpoint.Store
	Threads     thread.Registry
	Cancel      *cancelbus.Bus
	Metrics     *execmetrics.Registry
	EmitterCfg  emitter.Config

	// Validator and Authorizer are nil when auth is disabled; every
	// request then runs as the anonymous principal.
	Validator  TokenValidator
	Authorizer *auth.Authorizer

	// Procedures seeds the report flow's raw_procedures at start.
	Procedures *flows.ProcedureTable

	// DocxTemplate, if non-empty, is the template the download
	// endpoints fill; otherwise a minimal document is generated.
	DocxTemplate string

	// MetricsHandler, if non-nil, is mounted unauthenticated at
	// /metrics (the process-wide Prometheus exporter).
	MetricsHandler http.Handler

	// RateLimiter, if non-nil, gates every authenticated route by the
	// resolved principal's request/token quotas before the flow
	// handlers run; token spend is fed back after each stream.
	RateLimiter *ratelimit.Limiter

	// Tracer and HTTPMetrics feed the ambient observability stack for
	// every request; either may be nil.
	Tracer      *observability.Tracer
	HTTPMetrics *observability.Metrics

	Logger *slog.Logger
}

// Server is the HTTP/SSE surface (component H).
type Server struct {
	opts   Options
	log    *slog.Logger
	router chi.Router
	http   *http.Server
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	if opts.ChatGraph == nil || opts.ReportGraph == nil {
		return nil, fmt.Errorf("httpapi: both flow graphs are required")
	}
	if opts.Checkpoints == nil || opts.Threads == nil || opts.Cancel == nil {
		return nil, fmt.Errorf("httpapi: checkpoint store, thread registry, and cancel bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{opts: opts, log: opts.Logger}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	if s.opts.Tracer != nil || s.opts.HTTPMetrics != nil {
		r.Use(observability.HTTPMiddleware(s.opts.Tracer, s.opts.HTTPMetrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.opts.RateLimiter != nil {
			r.Use(ratelimit.Middleware(s.opts.RateLimiter, principalFrom))
		}

		r.With(s.requireFlow("chat")).Post("/chat", s.handleChat)

		r.Route("/report", func(r chi.Router) {
			r.Use(s.requireFlow("report"))
			r.Post("/start", s.handleReportStart)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Post("/stop", s.handleReportStop)
				r.Post("/resume", s.handleReportResume)
				r.Get("/load", s.handleReportLoad)
				r.Get("/status", s.handleReportStatus)
				r.Get("/snapshots", s.handleReportSnapshots)
				r.Post("/restore", s.handleReportRestore)
				r.Get("/chapters/download", s.handleChaptersDownload)
				r.Get("/final-report/download", s.handleFinalReportDownload)
			})
		})

		r.Get("/graph/structure", s.handleGraphStructure)
		r.Get("/graph/state", s.handleGraphState)
		r.Get("/threads", s.handleListThreads)
	})

	return r
}

// Handler exposes the route table, primarily for httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address until ctx is cancelled, then
// drains in-flight streams within the shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.opts.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: time.Duration(s.opts.Server.ReadTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.opts.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// flowTag renders the fully-qualified flow identity recorded on
// threads, e.g. "opgroeien.poc.chat".
func (s *Server) flowTag(flow string) string {
	return fmt.Sprintf("%s.%s.%s", s.opts.Auth.Org, s.opts.Auth.Project, flow)
}
