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

// Package thread implements the Thread & Flow Registry: persistent
// bookkeeping of conversation/report identity so clients can list and
// resume runs across connections.
package thread

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Thread is the identity of one conversation or report run. It owns the
// checkpoint lineage stored under the same thread_id in the checkpoint
// store and is the unit clients list and resume.
type Thread struct {
	ID             string    `json:"thread_id"`
	UserID         string    `json:"user_id"`
	Title          *string   `json:"title,omitempty"`
	Flow           *string   `json:"flow,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// ErrNotFound is returned when a thread_id is unknown to the registry.
var ErrNotFound = errors.New("thread: not found")

// Registry is the Thread & Flow Registry contract (component G).
//
// UpsertThread is the only mutating entry point besides creation: on
// conflict it always bumps last_accessed_at but only ever sets title or
// flow when the stored value is currently nil, so a later call can never
// clobber a thread's first-derived title.
type Registry interface {
	// ThreadExists reports whether id has ever been registered.
	ThreadExists(ctx context.Context, id string) (bool, error)

	// UpsertThread creates the thread if absent, else touches
	// last_accessed_at and fills title/flow only if they are still nil.
	UpsertThread(ctx context.Context, id, userID string, title, flow *string) (*Thread, error)

	// UpdateLastAccessed bumps last_accessed_at for an existing thread.
	UpdateLastAccessed(ctx context.Context, id string) error

	// Get returns one thread by id.
	Get(ctx context.Context, id string) (*Thread, error)

	// ListUserThreads returns a user's threads, optionally filtered by
	// flow, ordered by last_accessed_at descending.
	ListUserThreads(ctx context.Context, userID string, flow *string) ([]*Thread, error)

	// Delete removes a thread's registry entry. Maintenance only -
	// request paths never delete threads.
	Delete(ctx context.Context, id string) error
}

// memoryRegistry is an in-process Registry. Production deployments
// back the same interface with the relational thread-tracking table
// (sql.go); this implementation is the one exercised by tests and by
// single-process deployments.
type memoryRegistry struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewInMemory returns a process-local Registry.
func NewInMemory() Registry {
	return &memoryRegistry{threads: make(map[string]*Thread)}
}

func (r *memoryRegistry) ThreadExists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.threads[id]
	return ok, nil
}

func (r *memoryRegistry) UpsertThread(_ context.Context, id, userID string, title, flow *string) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	t, ok := r.threads[id]
	if !ok {
		t = &Thread{
			ID:             id,
			UserID:         userID,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		if title != nil {
			t.Title = title
		}
		if flow != nil {
			t.Flow = flow
		}
		r.threads[id] = t
		return cloneThread(t), nil
	}

	t.LastAccessedAt = now
	if t.Title == nil && title != nil {
		t.Title = title
	}
	if t.Flow == nil && flow != nil {
		t.Flow = flow
	}
	return cloneThread(t), nil
}

func (r *memoryRegistry) UpdateLastAccessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.LastAccessedAt = time.Now()
	return nil
}

func (r *memoryRegistry) Get(_ context.Context, id string) (*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

func (r *memoryRegistry) ListUserThreads(_ context.Context, userID string, flow *string) ([]*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Thread
	for _, t := range r.threads {
		if t.UserID != userID {
			continue
		}
		if flow != nil && (t.Flow == nil || *t.Flow != *flow) {
			continue
		}
		out = append(out, cloneThread(t))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})

	return out, nil
}

func (r *memoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, id)
	return nil
}

func cloneThread(t *Thread) *Thread {
	cp := *t
	return &cp
}

const (
	titleMaxChars = 70
	titleEllipsis = "..."
)

// DeriveTitle produces a thread title from the first user message: trim
// whitespace, truncate at the last word boundary inside titleMaxChars,
// and append an ellipsis if it was cut. Deriving a title from an
// already-derived title is a no-op (idempotent), since a title that fits
// within the limit is returned unchanged and one that doesn't already end
// in the ellipsis.
func DeriveTitle(message string) string {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) <= titleMaxChars {
		return trimmed
	}
	if strings.HasSuffix(trimmed, titleEllipsis) && len(trimmed) <= titleMaxChars+len(titleEllipsis) {
		return trimmed
	}

	cut := trimmed[:titleMaxChars]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ") + titleEllipsis
}

var (
	_ Registry = (*memoryRegistry)(nil)
)
