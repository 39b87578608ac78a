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
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// defaultDebugSpanCap bounds the ring so a long-lived process with
// tracing on cannot grow without limit.
const defaultDebugSpanCap = 512

// SpanRecord is the flattened form of one finished span, small enough
// to hold hundreds of in memory for ad-hoc debugging.
type SpanRecord struct {
	TraceID    string
	SpanID     string
	Name       string
	StartUnix  int64
	EndUnix    int64
	Attributes map[string]string
	Err        string
}

// DebugExporter is an in-memory ring of recently finished spans,
// attached to the tracer as a synchronous exporter so a span is
// visible the moment it ends. It exists for poking at a running
// process; the OTLP pipeline is the real export path.
type DebugExporter struct {
	mu    sync.Mutex
	ring  []SpanRecord
	next  int
	total int
}

// NewDebugExporter builds a ring holding up to capacity spans; 0 means
// the default.
func NewDebugExporter(capacity int) *DebugExporter {
	if capacity <= 0 {
		capacity = defaultDebugSpanCap
	}
	return &DebugExporter{ring: make([]SpanRecord, 0, capacity)}
}

// ExportSpans implements sdktrace.SpanExporter, overwriting the oldest
// records once the ring is full.
func (e *DebugExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		rec := SpanRecord{
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Name:       span.Name(),
			StartUnix:  span.StartTime().UnixMilli(),
			EndUnix:    span.EndTime().UnixMilli(),
			Attributes: make(map[string]string, len(span.Attributes())),
		}
		for _, kv := range span.Attributes() {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
		if len(span.Events()) > 0 {
			for _, ev := range span.Events() {
				if ev.Name == "exception" {
					for _, kv := range ev.Attributes {
						if kv.Key == "exception.message" {
							rec.Err = kv.Value.Emit()
						}
					}
				}
			}
		}

		if len(e.ring) < cap(e.ring) {
			e.ring = append(e.ring, rec)
		} else {
			e.ring[e.next] = rec
			e.next = (e.next + 1) % cap(e.ring)
		}
		e.total++
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *DebugExporter) Shutdown(context.Context) error { return nil }

// Spans returns the retained records, oldest first.
func (e *DebugExporter) Spans() []SpanRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SpanRecord, 0, len(e.ring))
	out = append(out, e.ring[e.next:]...)
	out = append(out, e.ring[:e.next]...)
	return out
}

// SpansNamed returns the retained records with the given span name,
// oldest first.
func (e *DebugExporter) SpansNamed(name string) []SpanRecord {
	var out []SpanRecord
	for _, rec := range e.Spans() {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

// Total counts every span ever exported, including overwritten ones.
func (e *DebugExporter) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Clear empties the ring.
func (e *DebugExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring = e.ring[:0]
	e.next = 0
}

var _ sdktrace.SpanExporter = (*DebugExporter)(nil)
