package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

func TestLoadMissThenHit(t *testing.T) {
	c := New(time.Minute, 100)
	fp := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "hi"})

	var calls int32
	fn := func(ctx context.Context) (json.RawMessage, *gwerr.Error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`"ok-1"`), nil
	}

	v, gerr, shared := c.Load(context.Background(), fp, time.Time{}, 0, fn)
	require.Nil(t, gerr)
	require.False(t, shared)
	require.JSONEq(t, `"ok-1"`, string(v))

	v2, ok := c.Lookup(fp)
	require.True(t, ok)
	require.JSONEq(t, `"ok-1"`, string(v2))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestConcurrentLoadSingleFlights(t *testing.T) {
	c := New(time.Minute, 100)
	fp := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "concurrent"})

	var calls int32
	fn := func(ctx context.Context) (json.RawMessage, *gwerr.Error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`"shared"`), nil
	}

	const N = 20
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			v, gerr, _ := c.Load(context.Background(), fp, time.Time{}, 0, fn)
			require.Nil(t, gerr)
			require.JSONEq(t, `"shared"`, string(v))
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCancellingOneWaiterDoesNotAbortOthers(t *testing.T) {
	c := New(time.Minute, 100)
	fp := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "promote"})

	var calls int32
	started := make(chan struct{})
	fn := func(ctx context.Context) (json.RawMessage, *gwerr.Error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		time.Sleep(40 * time.Millisecond)
		if ctx.Err() != nil {
			return nil, gwerr.New(gwerr.Cancelled, "call ctx cancelled")
		}
		return json.RawMessage(`"shared"`), nil
	}

	originCtx, cancelOrigin := context.WithCancel(context.Background())

	var originGerr *gwerr.Error
	originDone := make(chan struct{})
	go func() {
		_, originGerr, _ = c.Load(originCtx, fp, time.Time{}, 0, fn)
		close(originDone)
	}()
	<-started

	var waiterVal json.RawMessage
	var waiterGerr *gwerr.Error
	waiterDone := make(chan struct{})
	go func() {
		waiterVal, waiterGerr, _ = c.Load(context.Background(), fp, time.Time{}, 0, fn)
		close(waiterDone)
	}()

	// Cancel the origin partway through; the joined waiter must still see
	// the call through to a successful result.
	time.Sleep(5 * time.Millisecond)
	cancelOrigin()

	<-originDone
	<-waiterDone

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Nil(t, waiterGerr)
	require.JSONEq(t, `"shared"`, string(waiterVal))
	// The shared call itself was never cancelled, so even the origin's own
	// Do call — which only unblocks once fn returns — sees the success.
	require.Nil(t, originGerr)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	fp := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "ttl"})
	c.publish(fp, json.RawMessage(`"x"`), 10*time.Millisecond)

	_, ok := c.Lookup(fp)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Lookup(fp)
	require.False(t, ok)
}

func TestPinnedEntryNotEvicted(t *testing.T) {
	c := New(time.Minute, 1)
	fpA := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "a"})
	fpB := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "b"})

	c.publish(fpA, json.RawMessage(`"a"`), time.Minute)
	c.Pin(fpA)
	c.publish(fpB, json.RawMessage(`"b"`), time.Minute)

	_, ok := c.Lookup(fpA)
	require.True(t, ok, "pinned entry must survive eviction pressure")
}
