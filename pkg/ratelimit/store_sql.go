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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlStore keeps one row per (principal, window) in quota_usage, so a
// quota set shared by several server instances converges on the same
// counters. Each Bump runs in a transaction: read the row, roll the
// window over if it lapsed, write the new counters.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLStore wraps an already-open *sql.DB as a Store, creating the
// quota_usage table if needed. dialect selects the placeholder style
// ("postgres" uses $n, everything else ?).
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (Store, error) {
	s := &sqlStore{db: db, postgres: strings.EqualFold(dialect, "postgres")}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_usage (
			principal TEXT NOT NULL,
			win TEXT NOT NULL,
			window_end TIMESTAMP NOT NULL,
			requests BIGINT NOT NULL,
			tokens BIGINT NOT NULL,
			PRIMARY KEY (principal, win)
		)`); err != nil {
		return nil, fmt.Errorf("ratelimit: ensure schema: %w", err)
	}
	return s, nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Bump(ctx context.Context, principal string, w Window, now time.Time, requests, tokens int64) (Counters, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("ratelimit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var c Counters
	var exists bool
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT window_end, requests, tokens FROM quota_usage WHERE principal = ? AND win = ?`),
		principal, string(w)).Scan(&c.WindowEnd, &c.Requests, &c.Tokens)
	switch {
	case err == nil:
		exists = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return Counters{}, fmt.Errorf("ratelimit: read counters: %w", err)
	}

	if !exists || !c.WindowEnd.After(now) {
		c = Counters{WindowEnd: windowEnd(w, now)}
	}
	c.Requests += requests
	c.Tokens += tokens

	if exists {
		_, err = tx.ExecContext(ctx,
			s.q(`UPDATE quota_usage SET window_end = ?, requests = ?, tokens = ? WHERE principal = ? AND win = ?`),
			c.WindowEnd, c.Requests, c.Tokens, principal, string(w))
	} else {
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO quota_usage (principal, win, window_end, requests, tokens) VALUES (?, ?, ?, ?, ?)`),
			principal, string(w), c.WindowEnd, c.Requests, c.Tokens)
	}
	if err != nil {
		return Counters{}, fmt.Errorf("ratelimit: write counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Counters{}, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return c, nil
}

func (s *sqlStore) Peek(ctx context.Context, principal string, w Window, now time.Time) (Counters, error) {
	var c Counters
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT window_end, requests, tokens FROM quota_usage WHERE principal = ? AND win = ?`),
		principal, string(w)).Scan(&c.WindowEnd, &c.Requests, &c.Tokens)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Counters{WindowEnd: windowEnd(w, now)}, nil
	case err != nil:
		return Counters{}, fmt.Errorf("ratelimit: read counters: %w", err)
	}
	if !c.WindowEnd.After(now) {
		return Counters{WindowEnd: windowEnd(w, now)}, nil
	}
	return c, nil
}

func (s *sqlStore) Forget(ctx context.Context, principal string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM quota_usage WHERE principal = ?`), principal)
	if err != nil {
		return fmt.Errorf("ratelimit: forget %s: %w", principal, err)
	}
	return nil
}

func (s *sqlStore) Sweep(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM quota_usage WHERE window_end <= ?`), cutoff)
	if err != nil {
		return fmt.Errorf("ratelimit: sweep: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB belongs to the shared pool, not this
// store.
func (s *sqlStore) Close() error { return nil }

var _ Store = (*sqlStore)(nil)
