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

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// sqlStore is the relational Store backing production deployments. It
// spreads one checkpoint across three tables:
//
//   - checkpoints       ; one row per (thread_id, checkpoint_id): the
//     lineage pointer, next_nodes, tasks, and small values inline.
//   - checkpoint_writes ; intermediate per-task writes within the
//     super-step that produced the checkpoint, kept for audit/replay.
//   - checkpoint_blobs  ; large value payloads extracted by reference
//     so checkpoints stays narrow; a value entry whose encoding exceeds
//     blobInlineThreshold is stored here and referenced by channel+version.
//
// All three tables are updated in one transaction per Put.
type sqlStore struct {
	db                  *sql.DB
	disablePreparedStmt bool
}

const blobInlineThreshold = 8 * 1024 // bytes

// SQLOption configures NewSQL.
type SQLOption func(*sqlStore)

// WithPreparedStatementsDisabled turns off prepared-statement reuse, for
// connection poolers (e.g. pgbouncer in transaction mode) that forbid
// them.
func WithPreparedStatementsDisabled() SQLOption {
	return func(s *sqlStore) { s.disablePreparedStmt = true }
}

// NewSQL wraps an already-open *sql.DB (postgres wire protocol via
// lib/pq) as a Store. Callers are responsible for running the schema in
// EnsureSchema before first use.
func NewSQL(db *sql.DB, opts ...SQLOption) Store {
	s := &sqlStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the three checkpoint tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			values_json JSONB NOT NULL,
			next_nodes JSONB NOT NULL,
			tasks JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
			ON checkpoints (thread_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INT NOT NULL,
			channel TEXT NOT NULL,
			value_json JSONB,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			thread_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			version TEXT NOT NULL,
			type TEXT NOT NULL,
			value BYTEA,
			PRIMARY KEY (thread_id, channel, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Put(ctx context.Context, c Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	inline, blobs, err := splitValues(c.ThreadID, c.Values)
	if err != nil {
		return fmt.Errorf("checkpoint: encode values: %w", err)
	}

	valuesJSON, err := json.Marshal(inline)
	if err != nil {
		return err
	}
	nextNodesJSON, err := json.Marshal(c.NextNodes)
	if err != nil {
		return err
	}
	tasksJSON, err := json.Marshal(c.Tasks)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, values_json, next_nodes, tasks, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, c.ThreadID, c.CheckpointID, c.ParentCheckpointID, valuesJSON, nextNodesJSON, tasksJSON, c.CreatedAt); err != nil {
		return fmt.Errorf("checkpoint: insert checkpoints: %w", err)
	}

	for idx, t := range c.Tasks {
		inputJSON, err := json.Marshal(t.Input)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_writes (thread_id, checkpoint_id, task_id, idx, channel, value_json)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ThreadID, c.CheckpointID, t.RunID, idx, t.Name, inputJSON); err != nil {
			return fmt.Errorf("checkpoint: insert checkpoint_writes: %w", err)
		}
	}

	for _, b := range blobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_blobs (thread_id, channel, version, type, value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (thread_id, channel, version) DO NOTHING
		`, c.ThreadID, b.channel, b.version, b.typ, b.data); err != nil {
			return fmt.Errorf("checkpoint: insert checkpoint_blobs: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqlStore) GetLatest(ctx context.Context, threadID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.thread_id, c.checkpoint_id, c.parent_checkpoint_id, c.values_json, c.next_nodes, c.tasks, c.created_at
		FROM checkpoints c
		WHERE c.thread_id = $1
		AND NOT EXISTS (
			SELECT 1 FROM checkpoints child WHERE child.thread_id = c.thread_id AND child.parent_checkpoint_id = c.checkpoint_id
		)
		ORDER BY c.created_at DESC
		LIMIT 1
	`, threadID)
	return scanCheckpoint(ctx, s, row)
}

func (s *sqlStore) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, values_json, next_nodes, tasks, created_at
		FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2
	`, threadID, checkpointID)
	return scanCheckpoint(ctx, s, row)
}

func (s *sqlStore) ListAncestry(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, values_json, next_nodes, tasks, created_at
		FROM checkpoints WHERE thread_id = $1 ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list ancestry: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpointRow(ctx, s, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, table), threadID); err != nil {
			return fmt.Errorf("checkpoint: delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(ctx context.Context, s *sqlStore, row rowScanner) (Checkpoint, error) {
	return scanCheckpointRow(ctx, s, row)
}

func scanCheckpointRow(ctx context.Context, s *sqlStore, row rowScanner) (Checkpoint, error) {
	var (
		c                  Checkpoint
		parentCheckpointID sql.NullString
		valuesJSON         []byte
		nextNodesJSON      []byte
		tasksJSON          []byte
	)

	if err := row.Scan(&c.ThreadID, &c.CheckpointID, &parentCheckpointID, &valuesJSON, &nextNodesJSON, &tasksJSON, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: scan: %w", err)
	}
	c.ParentCheckpointID = parentCheckpointID.String

	var inline map[string]inlineValue
	if err := json.Unmarshal(valuesJSON, &inline); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode values: %w", err)
	}
	values, err := joinValues(ctx, s, c.ThreadID, inline)
	if err != nil {
		return Checkpoint{}, err
	}
	c.Values = values

	if err := json.Unmarshal(nextNodesJSON, &c.NextNodes); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode next_nodes: %w", err)
	}
	if err := json.Unmarshal(tasksJSON, &c.Tasks); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode tasks: %w", err)
	}

	return c, nil
}

// inlineValue is either an inline-encoded value or a pointer to a blob.
type inlineValue struct {
	Inline   json.RawMessage `json:"inline,omitempty"`
	BlobRef  string          `json:"blob_ref,omitempty"` // version
	BlobType string          `json:"blob_type,omitempty"`
}

type blobWrite struct {
	channel string
	version string
	typ     string
	data    []byte
}

// splitValues separates state entries into those small enough to stay
// inline in the checkpoints row and those extracted into
// checkpoint_blobs by reference. Values are stored as plain JSON; only
// a blob reference records its value's Go type name, and decoding does
// not use it, so values come back as generic JSON types.
func splitValues(threadID string, values map[string]any) (map[string]inlineValue, []blobWrite, error) {
	inline := make(map[string]inlineValue, len(values))
	var blobs []blobWrite

	for channel, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("channel %q: %w", channel, err)
		}

		if len(data) <= blobInlineThreshold {
			inline[channel] = inlineValue{Inline: data}
			continue
		}

		version := fmt.Sprintf("%x", hashBytes(data))
		inline[channel] = inlineValue{BlobRef: version, BlobType: fmt.Sprintf("%T", v)}
		blobs = append(blobs, blobWrite{channel: channel, version: version, typ: fmt.Sprintf("%T", v), data: data})
	}

	return inline, blobs, nil
}

func joinValues(ctx context.Context, s *sqlStore, threadID string, inline map[string]inlineValue) (map[string]any, error) {
	out := make(map[string]any, len(inline))
	for channel, iv := range inline {
		if iv.BlobRef == "" {
			var v any
			if err := json.Unmarshal(iv.Inline, &v); err != nil {
				return nil, fmt.Errorf("channel %q: %w", channel, err)
			}
			out[channel] = v
			continue
		}

		var data []byte
		row := s.db.QueryRowContext(ctx, `
			SELECT value FROM checkpoint_blobs WHERE thread_id = $1 AND channel = $2 AND version = $3
		`, threadID, channel, iv.BlobRef)
		if err := row.Scan(&data); err != nil {
			return nil, fmt.Errorf("channel %q: blob %s: %w", channel, iv.BlobRef, err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("channel %q: %w", channel, err)
		}
		out[channel] = v
	}
	return out, nil
}

var _ Store = (*sqlStore)(nil)
