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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OTel TracerProvider with the span helpers the rest
// of the execution core calls, plus the optional in-memory debug
// exporter the web UI reads.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// TracerOption configures a Tracer at construction time.
type TracerOption func(*Tracer)

// WithDebugExporter attaches the in-memory span exporter.
func WithDebugExporter(e *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debugExporter = e }
}

// WithCapturePayloads enables recording full LLM/tool payloads on
// spans. Off by default; payloads may contain end-user content.
func WithCapturePayloads(enabled bool) TracerOption {
	return func(t *Tracer) { t.capturePayloads = enabled }
}

// NewTracer builds a Tracer from TracingConfig.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	}

	switch cfg.Exporter {
	case "", "otlp":
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure == nil || *cfg.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create OTLP exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	case "none":
		// Spans only reach the debug exporter, if any.
	default:
		return nil, fmt.Errorf("observability: unsupported trace exporter %q", cfg.Exporter)
	}

	if t.debugExporter != nil {
		// Synchronous so the web UI sees spans without waiting for a
		// batch flush.
		providerOpts = append(providerOpts, sdktrace.WithSyncer(t.debugExporter))
	}

	t.provider = sdktrace.NewTracerProvider(providerOpts...)
	t.tracer = t.provider.Tracer(DefaultServiceName)
	otel.SetTracerProvider(t.provider)
	return t, nil
}

// Start opens a span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun opens a span for one node/flow run.
func (t *Tracer) StartAgentRun(ctx context.Context, agentName, model, org, project, threadID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanAgentRun, trace.WithAttributes(
		attribute.String(AttrAgentName, agentName),
		attribute.String(AttrAgentLLM, model),
		attribute.String("org", org),
		attribute.String("project", project),
		attribute.String("thread_id", threadID),
	))
}

// StartLLMCall opens a span for one model invocation.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, inputTokens int, temperature, topP float64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanLLMCall, trace.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Float64("llm.temperature", temperature),
		attribute.Float64("llm.top_p", topP),
	))
}

// StartToolExecution opens a span for one tool call.
func (t *Tracer) StartToolExecution(ctx context.Context, tool, callID, threadID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanToolExecution, trace.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.String("tool.call_id", callID),
		attribute.String("thread_id", threadID),
	))
}

// StartMemorySearch opens a span for one knowledge-base search.
func (t *Tracer) StartMemorySearch(ctx context.Context, query string, topK int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanMemorySearch, trace.WithAttributes(
		attribute.Int("search.top_k", topK),
	))
}

// AddLLMUsage records token usage on an LLM span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
	)
}

// AddLLMFinishReason records why the model stopped.
func (t *Tracer) AddLLMFinishReason(span trace.Span, reason string) {
	span.SetAttributes(attribute.String("llm.finish_reason", reason))
}

// AddPayload records a request/response payload on a span, only when
// payload capture is enabled.
func (t *Tracer) AddPayload(span trace.Span, key, value string) {
	if !t.capturePayloads {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

// AddToolPayload records a tool's input or output, only when payload
// capture is enabled.
func (t *Tracer) AddToolPayload(span trace.Span, direction, payload string) {
	if !t.capturePayloads {
		return
	}
	span.SetAttributes(attribute.String("tool.payload."+direction, payload))
}

// RecordError marks a span failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, fmt.Sprintf("%T", err)))
}

// DebugExporter returns the attached in-memory exporter, or nil.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
