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

// Package gateway wraps pkg/llms providers with the concurrency
// semaphore, per-model rate gate, dynamic timeout, and retry envelope
// every LLM call in the execution core goes through.
//
// The guarded-shared-resource shape (mutex-protected map keyed by
// scope, checked-then-recorded under lock) mirrors pkg/ratelimit's
// fixed-window limiter; here the "window" is a single
// minimum-inter-request interval per strict model instead of a
// token/request quota.
package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/llms"
)

// Pool names the logical semaphore a call competes for.
type Pool string

const (
	PoolAnalyst Pool = "analyst"
	PoolConsult Pool = "consult"
	PoolAgent   Pool = "agent"
)

// RetryConfig controls the gateway's exponential-backoff-with-jitter
// retry envelope.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is base 2s, cap 120s, 3 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 120 * time.Second}
}

// UsageRecorder receives LLM call accounting. Satisfied by
// pkg/execmetrics.Registry; nil is a valid no-op recorder for tests.
type UsageRecorder interface {
	RecordLLMStart(threadID, runID, callID, model string)
	RecordFirstToken(threadID, callID string)
	RecordLLMUsage(threadID, callID string, usage llms.Usage) error
}

// Gateway is the single entry point every flow node uses to call a
// model instead of talking to pkg/llms directly.
type Gateway struct {
	providers map[string]llms.Provider
	llmConfig map[string]*config.LLMConfig

	poolMu sync.Mutex
	pools  map[Pool]chan struct{}
	retry  RetryConfig

	strictMu   sync.Mutex
	strictLast map[string]time.Time

	metrics UsageRecorder
}

// New builds a Gateway. poolSizes gives the semaphore capacity for
// each named pool; a pool absent from the map is unbounded (a nil
// channel, which every send/receive on it blocks forever on, would be
// wrong; unbounded pools simply skip acquiring a semaphore).
func New(providers map[string]llms.Provider, llmConfigs map[string]*config.LLMConfig, poolSizes map[Pool]int, retry RetryConfig, metrics UsageRecorder) *Gateway {
	pools := make(map[Pool]chan struct{}, len(poolSizes))
	for pool, size := range poolSizes {
		if size > 0 {
			pools[pool] = make(chan struct{}, size)
		}
	}

	return &Gateway{
		providers:  providers,
		llmConfig:  llmConfigs,
		pools:      pools,
		retry:      retry,
		strictLast: make(map[string]time.Time),
		metrics:    metrics,
	}
}

func (g *Gateway) acquire(ctx context.Context, pool Pool) (release func(), err error) {
	sem, ok := g.pools[pool]
	if !ok {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, &llms.Error{Kind: llms.KindCancelled, Message: ctx.Err().Error()}
	}
}

// waitStrictInterval blocks, if model is flagged strict, until at
// least StrictIntervalSeconds has passed since the last call to it -
// the 12s-between-requests gate Pro-tier quotas demand.
func (g *Gateway) waitStrictInterval(ctx context.Context, model string) error {
	cfg, ok := g.llmConfig[model]
	if !ok || !cfg.Strict {
		return nil
	}

	interval := time.Duration(cfg.StrictIntervalSeconds * float64(time.Second))

	for {
		g.strictMu.Lock()
		last, seen := g.strictLast[model]
		wait := time.Duration(0)
		if seen {
			elapsed := time.Since(last)
			if elapsed < interval {
				wait = interval - elapsed
			}
		}
		if wait == 0 {
			g.strictLast[model] = time.Now()
		}
		g.strictMu.Unlock()

		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return &llms.Error{Kind: llms.KindCancelled, Message: ctx.Err().Error()}
		}
	}
}

// dynamicTimeout computes the per-call deadline from input size:
//
//	clamp(120s, 2 × (60 + 0.002·in + 0.015·(0.2·in) + 60 + 12), 1800s)
//
// in seconds, falling back to 600s when input_tokens is unknown.
func dynamicTimeout(inputTokens int) time.Duration {
	if inputTokens <= 0 {
		return 600 * time.Second
	}
	in := float64(inputTokens)
	seconds := 2 * (60 + 0.002*in + 0.015*(0.2*in) + 60 + 12)
	seconds = math.Max(120, math.Min(seconds, 1800))
	return time.Duration(seconds * float64(time.Second))
}

func isRetryable(kind llms.Kind) bool {
	switch kind {
	case llms.KindRateLimit, llms.KindTimeout, llms.KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}

func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay/2 + jitter
}

// Invoke runs a non-streaming call through the full gateway envelope:
// pool semaphore, strict-model interval gate, dynamic timeout, and
// retries on retryable failure kinds.
func (g *Gateway) Invoke(ctx context.Context, pool Pool, model string, req llms.Request) (llms.Response, error) {
	provider, ok := g.providers[model]
	if !ok {
		return llms.Response{}, &llms.Error{Kind: llms.KindInvalidInput, Message: fmt.Sprintf("gateway: unknown model %q", model)}
	}

	release, err := g.acquire(ctx, pool)
	if err != nil {
		return llms.Response{}, err
	}
	defer release()

	if err := g.waitStrictInterval(ctx, model); err != nil {
		return llms.Response{}, err
	}

	timeout := dynamicTimeout(req.Context.InputTokens)
	maxAttempts := g.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if g.metrics != nil && req.Context.CallID != "" {
		g.metrics.RecordLLMStart(req.Context.ThreadID, req.Context.RunID, req.Context.CallID, model)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := provider.Invoke(callCtx, req)
		cancel()

		if err == nil {
			if g.metrics != nil && req.Context.CallID != "" {
				resp.Usage.DurationMillis = int(time.Since(start).Milliseconds())
				_ = g.metrics.RecordLLMUsage(req.Context.ThreadID, req.Context.CallID, resp.Usage)
			}
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return llms.Response{}, &llms.Error{Kind: llms.KindCancelled, Message: ctx.Err().Error()}
		}

		kind := llms.ClassifyErr(err)
		if callCtx.Err() != nil && kind == llms.KindUnknown {
			kind = llms.KindTimeout
		}
		if !isRetryable(kind) || attempt == maxAttempts-1 {
			return llms.Response{}, err
		}

		delay := backoffDelay(attempt, g.retry)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return llms.Response{}, &llms.Error{Kind: llms.KindCancelled, Message: ctx.Err().Error()}
		}
	}

	return llms.Response{}, lastErr
}

// Stream runs a streaming call through the same semaphore/interval/
// timeout envelope as Invoke. Streaming calls are never retried
// mid-stream; a failure after the first chunk has already been
// delivered to the client cannot be silently replayed; so this only
// retries failures to *establish* the stream.
func (g *Gateway) Stream(ctx context.Context, pool Pool, model string, req llms.Request) (<-chan llms.StreamChunk, error) {
	provider, ok := g.providers[model]
	if !ok {
		return nil, &llms.Error{Kind: llms.KindInvalidInput, Message: fmt.Sprintf("gateway: unknown model %q", model)}
	}

	release, err := g.acquire(ctx, pool)
	if err != nil {
		return nil, err
	}

	if err := g.waitStrictInterval(ctx, model); err != nil {
		release()
		return nil, err
	}

	timeout := dynamicTimeout(req.Context.InputTokens)
	maxAttempts := g.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if g.metrics != nil && req.Context.CallID != "" {
		g.metrics.RecordLLMStart(req.Context.ThreadID, req.Context.RunID, req.Context.CallID, model)
	}

	streamCtx, cancelTimeout := context.WithTimeout(ctx, timeout)

	var chunks <-chan llms.StreamChunk
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		chunks, lastErr = provider.Stream(streamCtx, req)
		if lastErr == nil {
			break
		}

		kind := llms.ClassifyErr(lastErr)
		if !isRetryable(kind) || attempt == maxAttempts-1 {
			cancelTimeout()
			release()
			return nil, lastErr
		}

		delay := backoffDelay(attempt, g.retry)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cancelTimeout()
			release()
			return nil, &llms.Error{Kind: llms.KindCancelled, Message: ctx.Err().Error()}
		}
	}

	out := make(chan llms.StreamChunk, 32)
	go func() {
		defer close(out)
		defer release()
		defer cancelTimeout()

		firstTokenSeen := false
		for chunk := range chunks {
			if !firstTokenSeen && chunk.Delta != "" {
				firstTokenSeen = true
				if g.metrics != nil && req.Context.CallID != "" {
					g.metrics.RecordFirstToken(req.Context.ThreadID, req.Context.CallID)
				}
			}
			if chunk.Done && chunk.Usage != nil && g.metrics != nil && req.Context.CallID != "" {
				_ = g.metrics.RecordLLMUsage(req.Context.ThreadID, req.Context.CallID, *chunk.Usage)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
