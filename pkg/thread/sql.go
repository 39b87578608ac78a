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

package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqlRegistry is the relational Registry backing production
// deployments: one row per thread in the thread-tracking table, shared
// with the checkpoint store's database so a thread and its lineage
// live in one place.
type sqlRegistry struct {
	db *sql.DB
}

// NewSQL wraps an already-open *sql.DB as a Registry. Callers run
// EnsureSchema before first use.
func NewSQL(db *sql.DB) Registry {
	return &sqlRegistry{db: db}
}

// EnsureSchema creates the thread-tracking table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			flow TEXT,
			created_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user_accessed
			ON threads (user_id, last_accessed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("thread: ensure schema: %w", err)
		}
	}
	return nil
}

func (r *sqlRegistry) ThreadExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE thread_id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("thread: exists: %w", err)
	}
	return true, nil
}

func (r *sqlRegistry) UpsertThread(ctx context.Context, id, userID string, title, flow *string) (*Thread, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	// COALESCE keeps the stored title/flow once set: an upsert only
	// ever fills a NULL, never overwrites.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, user_id, title, flow, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (thread_id) DO UPDATE SET
			last_accessed_at = $5,
			title = COALESCE(threads.title, $3),
			flow = COALESCE(threads.flow, $4)`,
		id, userID, title, flow, now)
	if err != nil {
		return nil, fmt.Errorf("thread: upsert %s: %w", id, err)
	}
	return r.Get(ctx, id)
}

func (r *sqlRegistry) UpdateLastAccessed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE threads SET last_accessed_at = $1 WHERE thread_id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("thread: touch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqlRegistry) Get(ctx context.Context, id string) (*Thread, error) {
	t := &Thread{}
	err := r.db.QueryRowContext(ctx, `
		SELECT thread_id, user_id, title, flow, created_at, last_accessed_at
		FROM threads WHERE thread_id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.Title, &t.Flow, &t.CreatedAt, &t.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: get %s: %w", id, err)
	}
	return t, nil
}

func (r *sqlRegistry) ListUserThreads(ctx context.Context, userID string, flow *string) ([]*Thread, error) {
	query := `
		SELECT thread_id, user_id, title, flow, created_at, last_accessed_at
		FROM threads WHERE user_id = $1`
	args := []any{userID}
	if flow != nil {
		query += ` AND flow = $2`
		args = append(args, *flow)
	}
	query += ` ORDER BY last_accessed_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("thread: list for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t := &Thread{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Flow, &t.CreatedAt, &t.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("thread: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqlRegistry) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("thread: delete %s: %w", id, err)
	}
	return nil
}

var _ Registry = (*sqlRegistry)(nil)
