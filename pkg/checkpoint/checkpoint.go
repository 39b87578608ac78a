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

// Package checkpoint implements the Checkpoint Store: pluggable
// persistence of graph state per thread, forming a tree rooted at the
// initial state whose leaf (no child) is always the resume point.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task is an in-flight dispatch record tracked on a checkpoint: one
// instance of a node scheduled by a (possibly fanned-out) dispatch
// message.
type Task struct {
	Name  string `json:"name"`
	Input any    `json:"input"`
	RunID string `json:"run_id"`
}

// Checkpoint is one node of the per-thread checkpoint tree.
type Checkpoint struct {
	ThreadID           string         `json:"thread_id"`
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	Values             map[string]any `json:"values"`
	NextNodes          []string       `json:"next_nodes"`
	Tasks              []Task         `json:"tasks"`
	CreatedAt          time.Time      `json:"created_at"`
}

// New builds a Checkpoint ready to Put, deriving a fresh checkpoint_id
// and stamping CreatedAt.
func New(threadID, parentCheckpointID string, values map[string]any, nextNodes []string, tasks []Task) Checkpoint {
	return Checkpoint{
		ThreadID:           threadID,
		CheckpointID:       uuid.NewString(),
		ParentCheckpointID: parentCheckpointID,
		Values:             values,
		NextNodes:          nextNodes,
		Tasks:              tasks,
		CreatedAt:          time.Now(),
	}
}

// ErrNotFound is returned when a (thread_id, checkpoint_id) pair, or a
// thread with no checkpoints at all, is requested.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is the Checkpoint Store contract (component C).
//
// Implementations must support concurrent readers and a single writer
// per thread_id; Put must be atomic with respect to the underlying
// medium's equivalent of the checkpoints/checkpoint_writes/
// checkpoint_blobs tables.
type Store interface {
	// Put appends c as a new leaf of thread_id's checkpoint tree.
	Put(ctx context.Context, c Checkpoint) error

	// GetLatest returns the unique leaf checkpoint for thread_id; the
	// one with no descendant; or ErrNotFound if the thread has none.
	GetLatest(ctx context.Context, threadID string) (Checkpoint, error)

	// Get returns one specific checkpoint by id.
	Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)

	// ListAncestry returns every checkpoint for thread_id, root first,
	// each preceding its children in the list (insertion order, which a
	// single-writer-per-thread store guarantees is also lineage order).
	ListAncestry(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Delete removes every checkpoint for thread_id. Maintenance only.
	Delete(ctx context.Context, threadID string) error
}
