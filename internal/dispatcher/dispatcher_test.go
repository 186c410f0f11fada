package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/admission"
	"github.com/ai-gateway/orchestrator/internal/cache"
	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/health"
	"github.com/ai-gateway/orchestrator/internal/jobmanager"
	"github.com/ai-gateway/orchestrator/internal/pool"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

func newTestDispatcher(t *testing.T, backendURL string, batchSize int) (*Dispatcher, func()) {
	t.Helper()
	cfg := &config.Config{
		Backends: []config.Backend{
			{ID: "llm-a", Capability: "llm_completion", BaseAddress: backendURL, MaxInFlight: 10},
			{ID: "nlp-a", Capability: "nlp_analyze", BaseAddress: backendURL, MaxInFlight: 10},
		},
		Pool:      config.Pool{Connections: 5, MaxSize: 5, IdleExpiry: time.Second, Timeout: 2 * time.Second, ConnectTimeout: time.Second},
		Batch:     config.Batch{MaxSize: batchSize, MaxWait: 50 * time.Millisecond},
		Cache:     config.Cache{TTL: time.Minute, MaxKeys: 1000},
		Admission: config.Admission{GlobalQueueCap: 100},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 5, CooldownPeriod: 30 * time.Second,
		},
		Retry: config.Retry{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}

	reg := registry.New(cfg)
	p := pool.New(cfg.Pool)
	jobs := jobmanager.New(time.Minute, cfg.Retry.MaxAttempts, zap.NewNop())
	c := cache.New(cfg.Cache.TTL, cfg.Cache.MaxKeys)
	adm := admission.New(cfg.Admission.GlobalQueueCap)
	hAgg := health.New(reg, p, time.Hour, zap.NewNop())

	d := New(cfg, reg, p, jobs, c, adm, hAgg, zap.NewNop())
	return d, func() { d.Shutdown() }
}

func TestSubmitPureRequestSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"positive"}`))
	}))
	defer srv.Close()

	d, shutdown := newTestDispatcher(t, srv.URL, 8)
	defer shutdown()

	req, err := capability.Decode(capability.NLPAnalyze, []byte(`{"text":"great product","task":"sentiment"}`))
	require.NoError(t, err)

	handle, gerr := d.Submit(context.Background(), capability.NLPAnalyze, req, 2*time.Second)
	require.Nil(t, gerr)

	snap := handle.Await()
	require.Equal(t, jobmanager.Succeeded, snap.State)
	require.JSONEq(t, `{"text":"positive"}`, string(snap.Result))
}

func TestCacheHitAvoidsSecondBackendCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(`"ok-1"`))
	}))
	defer srv.Close()

	d, shutdown := newTestDispatcher(t, srv.URL, 8)
	defer shutdown()

	req, err := capability.Decode(capability.LLMCompletion, []byte(`{"prompt":"hi","max_tokens":16,"temperature":0}`))
	require.NoError(t, err)

	h1, gerr := d.Submit(context.Background(), capability.LLMCompletion, req, 2*time.Second)
	require.Nil(t, gerr)
	s1 := h1.Await()
	require.Equal(t, jobmanager.Succeeded, s1.State)

	h2, gerr := d.Submit(context.Background(), capability.LLMCompletion, req, 2*time.Second)
	require.Nil(t, gerr)
	s2 := h2.Await()
	require.Equal(t, jobmanager.Succeeded, s2.State)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestBatchSealDistributesOneResultPerMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var items []json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&items)
		out := make([]string, len(items))
		for i := range items {
			out[i] = "r" + string(rune('0'+i))
		}
		b, _ := json.Marshal(out)
		w.Write(b)
	}))
	defer srv.Close()

	d, shutdown := newTestDispatcher(t, srv.URL, 3)
	defer shutdown()

	var handles []*JobHandle
	for i := 0; i < 3; i++ {
		req, err := capability.Decode(capability.LLMCompletion, []byte(`{"prompt":"p`+string(rune('a'+i))+`","max_tokens":16,"temperature":0.9,"allow_cache":false}`))
		require.NoError(t, err)
		h, gerr := d.Submit(context.Background(), capability.LLMCompletion, req, 2*time.Second)
		require.Nil(t, gerr)
		handles = append(handles, h)
	}

	var results []string
	for _, h := range handles {
		snap := h.Await()
		require.Equal(t, jobmanager.Succeeded, snap.State)
		var r string
		require.NoError(t, json.Unmarshal(snap.Result, &r))
		results = append(results, r)
	}
	require.ElementsMatch(t, []string{"r0", "r1", "r2"}, results)
}

func TestCancelBeforeSealRemovesJobFromBatch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var items []json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&items)
		out := make([]string, len(items))
		for i := range items {
			out[i] = "r" + string(rune('0'+i))
		}
		b, _ := json.Marshal(out)
		w.Write(b)
	}))
	defer srv.Close()

	// MaxSize large enough that the batch only seals on its wait timer, so
	// the cancelled Job has time to be pulled out of the group first.
	d, shutdown := newTestDispatcher(t, srv.URL, 10)
	defer shutdown()

	reqA, err := capability.Decode(capability.LLMCompletion, []byte(`{"prompt":"a","max_tokens":16,"temperature":0.9,"allow_cache":false}`))
	require.NoError(t, err)
	reqB, err := capability.Decode(capability.LLMCompletion, []byte(`{"prompt":"b","max_tokens":16,"temperature":0.9,"allow_cache":false}`))
	require.NoError(t, err)

	hA, gerr := d.Submit(context.Background(), capability.LLMCompletion, reqA, 2*time.Second)
	require.Nil(t, gerr)
	hB, gerr := d.Submit(context.Background(), capability.LLMCompletion, reqB, 2*time.Second)
	require.Nil(t, gerr)

	// Give run()'s goroutine time to install the batch-removal-aware cancel
	// func before we exercise it.
	time.Sleep(20 * time.Millisecond)

	hA.Cancel()
	snapA := hA.Await()
	require.Equal(t, jobmanager.Cancelled, snapA.State)

	snapB := hB.Await()
	require.Equal(t, jobmanager.Succeeded, snapB.State)

	// The sealed batch must have carried only the surviving Job.
	require.JSONEq(t, `"r0"`, string(snapB.Result))
}

func TestOverloadedRejectsSubmitAtGlobalCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, shutdown := newTestDispatcher(t, srv.URL, 8)
	defer shutdown()
	d.admission = admission.New(0)

	req, err := capability.Decode(capability.NLPAnalyze, []byte(`{"text":"x","task":"sentiment"}`))
	require.NoError(t, err)

	_, gerr := d.Submit(context.Background(), capability.NLPAnalyze, req, time.Second)
	require.NotNil(t, gerr)
}
