package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/llms"
)

// fakeProvider is a scripted llms.Provider used to drive gateway retry
// and semaphore behavior deterministically.
type fakeProvider struct {
	model string

	mu       sync.Mutex
	calls    int
	failN    int
	failKind llms.Kind
	onCall   func()
}

func (f *fakeProvider) ModelName() string { return f.model }

func (f *fakeProvider) Invoke(ctx context.Context, req llms.Request) (llms.Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall()
	}

	if n <= f.failN {
		return llms.Response{}, &llms.Error{Kind: f.failKind, Message: "scripted failure"}
	}
	return llms.Response{Content: "ok"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	out := make(chan llms.StreamChunk, 1)
	out <- llms.StreamChunk{Delta: "hi"}
	close(out)
	return out, nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	starts  int
	usages  int
	firstTk int
}

func (r *recordingMetrics) RecordLLMStart(threadID, runID, callID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
}
func (r *recordingMetrics) RecordFirstToken(threadID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firstTk++
}
func (r *recordingMetrics) RecordLLMUsage(threadID, callID string, usage llms.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages++
	return nil
}

func TestGateway_InvokeRetriesRetryableFailures(t *testing.T) {
	fp := &fakeProvider{model: "flash", failN: 2, failKind: llms.KindRateLimit}
	providers := map[string]llms.Provider{"flash": fp}
	cfgs := map[string]*config.LLMConfig{"flash": {Provider: config.LLMProviderGemini, Model: "flash"}}

	gw := New(providers, cfgs, nil, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)

	resp, err := gw.Invoke(context.Background(), PoolAgent, "flash", llms.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, fp.calls)
}

func TestGateway_InvokeDoesNotRetryInvalidInput(t *testing.T) {
	fp := &fakeProvider{model: "flash", failN: 10, failKind: llms.KindInvalidInput}
	providers := map[string]llms.Provider{"flash": fp}
	cfgs := map[string]*config.LLMConfig{"flash": {Provider: config.LLMProviderGemini, Model: "flash"}}

	gw := New(providers, cfgs, nil, DefaultRetryConfig(), nil)

	_, err := gw.Invoke(context.Background(), PoolAgent, "flash", llms.Request{})
	require.Error(t, err)
	assert.Equal(t, llms.KindInvalidInput, llms.ClassifyErr(err))
	assert.Equal(t, 1, fp.calls)
}

func TestGateway_SemaphoreLimitsConcurrency(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	fp := &fakeProvider{model: "pro", onCall: func() {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}}
	providers := map[string]llms.Provider{"pro": fp}
	cfgs := map[string]*config.LLMConfig{"pro": {Provider: config.LLMProviderGemini, Model: "pro"}}

	gw := New(providers, cfgs, map[Pool]int{PoolAnalyst: 1}, DefaultRetryConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gw.Invoke(context.Background(), PoolAnalyst, "pro", llms.Request{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, 5, fp.calls)
}

func TestGateway_StrictIntervalEnforcesMinimumGap(t *testing.T) {
	fp := &fakeProvider{model: "pro"}
	providers := map[string]llms.Provider{"pro": fp}
	cfgs := map[string]*config.LLMConfig{
		"pro": {Provider: config.LLMProviderGemini, Model: "pro", Strict: true, StrictIntervalSeconds: 0.05},
	}

	gw := New(providers, cfgs, nil, DefaultRetryConfig(), nil)

	start := time.Now()
	_, err := gw.Invoke(context.Background(), PoolAgent, "pro", llms.Request{})
	require.NoError(t, err)
	_, err = gw.Invoke(context.Background(), PoolAgent, "pro", llms.Request{})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestGateway_InvokeRecordsUsageMetrics(t *testing.T) {
	fp := &fakeProvider{model: "flash"}
	providers := map[string]llms.Provider{"flash": fp}
	cfgs := map[string]*config.LLMConfig{"flash": {Provider: config.LLMProviderGemini, Model: "flash"}}
	rec := &recordingMetrics{}

	gw := New(providers, cfgs, nil, DefaultRetryConfig(), rec)

	_, err := gw.Invoke(context.Background(), PoolAgent, "flash", llms.Request{
		Context: llms.CallContext{ThreadID: "t1", RunID: "r1", CallID: "c1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.usages)
}

func TestDynamicTimeout_ClampsWithinBounds(t *testing.T) {
	assert.Equal(t, 600*time.Second, dynamicTimeout(0))
	// One token gives 2×(60+0.002+0.003+60+12)s = 264.01s, already
	// above the 120s floor.
	assert.Equal(t, 264010*time.Millisecond, dynamicTimeout(1))
	assert.Equal(t, 1800*time.Second, dynamicTimeout(1_000_000))
}

func TestGateway_InvokeUnknownModel(t *testing.T) {
	gw := New(nil, nil, nil, DefaultRetryConfig(), nil)
	_, err := gw.Invoke(context.Background(), PoolAgent, "missing", llms.Request{})
	require.Error(t, err)
	assert.Equal(t, llms.KindInvalidInput, llms.ClassifyErr(err))
}
