package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

func testBackend(t *testing.T, maxInFlight int) *registry.Backend {
	t.Helper()
	reg := registry.New(&config.Config{
		Backends: []config.Backend{{ID: "b1", Capability: "llm_completion", BaseAddress: "http://x", MaxInFlight: maxInFlight}},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 2, CooldownPeriod: time.Second,
		},
	})
	return reg.All()[0]
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := New(100)
	b := testBackend(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tok, err := c.Acquire(ctx, b)
	require.Nil(t, err)
	require.EqualValues(t, 1, b.InFlight())
	tok.Release()
	require.EqualValues(t, 0, b.InFlight())
}

func TestAcquireBlocksUntilSlotFreed(t *testing.T) {
	c := New(100)
	b := testBackend(t, 1)

	ctx := context.Background()
	tok1, err := c.Acquire(ctx, b)
	require.Nil(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		tok1.Release()
		close(released)
	}()

	start := time.Now()
	tok2, err := c.Acquire(ctx, b)
	require.Nil(t, err)
	require.True(t, time.Since(start) >= 15*time.Millisecond)
	tok2.Release()
	<-released
}

func TestAcquireTimesOut(t *testing.T) {
	c := New(100)
	b := testBackend(t, 1)

	tok, err := c.Acquire(context.Background(), b)
	require.Nil(t, err)
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, gerr := c.Acquire(ctx, b)
	require.NotNil(t, gerr)
}

func TestEnterQueueRejectsAtCap(t *testing.T) {
	c := New(1)
	require.Nil(t, c.EnterQueue())
	require.NotNil(t, c.EnterQueue())
	c.LeaveQueue()
	require.Nil(t, c.EnterQueue())
}
