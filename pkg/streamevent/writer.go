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

package streamevent

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Writer serializes envelopes to an SSE connection, assigning strictly
// monotonic seq numbers starting at 1. One Writer is owned by exactly one
// stream; a keep-alive ticker may Comment concurrently with the event
// loop's Emit, so every frame is written under the mutex.
//
// Framing is `data: {json}\n\n`, matching the envelope's own `type` field
// rather than a separate `event:` line; clients dispatch on payload.type.
type Writer struct {
	w        io.Writer
	flusher  http.Flusher
	threadID string
	flow     Flow

	mu  sync.Mutex
	seq uint64
}

// NewWriter wraps w (normally the http.ResponseWriter of an SSE handler).
// w must not be pre-wrapped in anything that hides http.Flusher; the
// surface that builds the handler is responsible for that, since wrapping
// the ResponseWriter body would silently break streaming.
func NewWriter(w io.Writer, flusher http.Flusher, threadID string, flow Flow) *Writer {
	return &Writer{w: w, flusher: flusher, threadID: threadID, flow: flow}
}

// Emit writes one envelope with the next seq number and flushes it to the
// client immediately.
func (w *Writer) Emit(typ Type, runID string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	env := Envelope{
		Type:     typ,
		ThreadID: w.threadID,
		Flow:     w.flow,
		Seq:      w.seq,
		TS:       time.Now().UnixMilli(),
		RunID:    runID,
		Payload:  payload,
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Comment writes an SSE comment line (`: ...\n\n`), used for keep-alives
// that must not advance seq or be parsed as an event by the client.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Seq returns the last seq number written.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
