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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozenLimiter pins the limiter's clock so window rollover is driven
// by the test, not the wall clock.
func frozenLimiter(quotas ...Quota) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 10, 0, 30, 0, time.UTC)
	l := New(NewMemoryStore(), quotas...)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowRequest_DeniesPastRequestQuota(t *testing.T) {
	l, _ := frozenLimiter(Quota{Window: WindowMinute, Requests: 2})
	ctx := context.Background()

	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))

	err := l.AllowRequest(ctx, "alice@example.com")
	require.ErrorIs(t, err, ErrQuotaExhausted)

	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "requests", quotaErr.Dimension)
	assert.Equal(t, int64(3), quotaErr.Used)
	assert.Greater(t, quotaErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, quotaErr.RetryAfter, time.Minute)

	// Another principal is unaffected.
	assert.NoError(t, l.AllowRequest(ctx, "bob@example.com"))
}

func TestAllowRequest_WindowRollsOver(t *testing.T) {
	l, now := frozenLimiter(Quota{Window: WindowMinute, Requests: 1})
	ctx := context.Background()

	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
	require.Error(t, l.AllowRequest(ctx, "alice@example.com"))

	*now = now.Add(time.Minute)
	assert.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
}

func TestSpendTokens_CountsTowardDenial(t *testing.T) {
	l, _ := frozenLimiter(Quota{Window: WindowDay, Tokens: 1000})
	ctx := context.Background()

	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
	require.NoError(t, l.SpendTokens(ctx, "alice@example.com", 1500))

	err := l.AllowRequest(ctx, "alice@example.com")
	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "tokens", quotaErr.Dimension)
	assert.Equal(t, int64(1500), quotaErr.Used)
}

func TestUsage_ReportsLiveCounters(t *testing.T) {
	l, _ := frozenLimiter(
		Quota{Window: WindowMinute, Requests: 10},
		Quota{Window: WindowDay, Tokens: 1000},
	)
	ctx := context.Background()

	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
	require.NoError(t, l.SpendTokens(ctx, "alice@example.com", 250))

	usage, err := l.Usage(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, int64(1), usage[0].Counters.Requests)
	assert.Equal(t, int64(250), usage[1].Counters.Tokens)
}

func TestNew_LaterQuotaReplacesSameWindow(t *testing.T) {
	l, _ := frozenLimiter(
		Quota{Window: WindowMinute, Requests: 100},
		Quota{Window: WindowMinute, Requests: 1},
	)
	ctx := context.Background()

	require.NoError(t, l.AllowRequest(ctx, "alice@example.com"))
	// A duplicate window must not double-count the first request.
	assert.Error(t, l.AllowRequest(ctx, "alice@example.com"))
}

func TestMemoryStore_SweepDropsLapsedWindows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 30, 0, time.UTC)

	_, err := store.Bump(ctx, "alice@example.com", WindowMinute, now, 1, 0)
	require.NoError(t, err)

	require.NoError(t, store.Sweep(ctx, now.Add(2*time.Minute)))

	c, err := store.Peek(ctx, "alice@example.com", WindowMinute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, c.Requests)
}

func TestMiddleware_DeniesWith429AndRetryAfter(t *testing.T) {
	l, _ := frozenLimiter(Quota{Window: WindowMinute, Requests: 1})
	handler := Middleware(l, func(*http.Request) string { return "alice@example.com" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/chat", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit")
}

// brokenStore fails every operation, standing in for an unreachable
// database behind the sql backend.
type brokenStore struct{}

func (brokenStore) Bump(context.Context, string, Window, time.Time, int64, int64) (Counters, error) {
	return Counters{}, errors.New("boom")
}
func (brokenStore) Peek(context.Context, string, Window, time.Time) (Counters, error) {
	return Counters{}, errors.New("boom")
}
func (brokenStore) Forget(context.Context, string) error     { return errors.New("boom") }
func (brokenStore) Sweep(context.Context, time.Time) error   { return errors.New("boom") }
func (brokenStore) Close() error                             { return nil }

func TestMiddleware_AdmitsWhenStoreFails(t *testing.T) {
	l := New(brokenStore{}, Quota{Window: WindowMinute, Requests: 1})
	handler := Middleware(l, func(*http.Request) string { return "alice@example.com" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseWindow_RejectsUnknown(t *testing.T) {
	for _, valid := range []string{"minute", "hour", "day"} {
		_, err := ParseWindow(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseWindow("fortnight")
	assert.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "fortnight")
}
