package batcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
)

func TestSealsOnMaxSize(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(3, time.Hour, func(s Seal) { seals <- s })

	for i := 0; i < 3; i++ {
		b.Submit(capability.LLMCompletion, "m1", string(rune('a'+i)), json.RawMessage(`{}`))
	}

	select {
	case s := <-seals:
		require.Equal(t, "size", s.Reason)
		require.Len(t, s.Entries, 3)
		require.Equal(t, "a", s.Entries[0].JobID)
		require.Equal(t, "c", s.Entries[2].JobID)
	case <-time.After(time.Second):
		t.Fatal("expected a seal")
	}
}

func TestSealsOnMaxWait(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(100, 20*time.Millisecond, func(s Seal) { seals <- s })
	b.Submit(capability.LLMCompletion, "m1", "a", json.RawMessage(`{}`))

	select {
	case s := <-seals:
		require.Equal(t, "wait", s.Reason)
		require.Len(t, s.Entries, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a time-based seal")
	}
}

func TestConcurrentSubmissionsSealTogether(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(5, time.Hour, func(s Seal) { seals <- s })

	var wg sync.WaitGroup
	order := []string{"a", "b", "c", "d", "e"}
	for _, id := range order {
		wg.Add(1)
		id := id
		go func() {
			defer wg.Done()
			b.Submit(capability.LLMCompletion, "m1", id, json.RawMessage(`{}`))
		}()
	}
	wg.Wait()

	s := <-seals
	require.Len(t, s.Entries, 5)
	ids := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		ids = append(ids, e.JobID)
	}
	require.ElementsMatch(t, order, ids)
}

func TestRemoveBeforeSealExcludesEntry(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(100, time.Hour, func(s Seal) { seals <- s })
	b.Submit(capability.LLMCompletion, "m1", "a", json.RawMessage(`{}`))
	b.Submit(capability.LLMCompletion, "m1", "b", json.RawMessage(`{}`))

	require.True(t, b.Remove(capability.LLMCompletion, "m1", "a"))

	b.Flush()
	s := <-seals
	require.Len(t, s.Entries, 1)
	require.Equal(t, "b", s.Entries[0].JobID)
}

func TestRemoveAfterSealReturnsFalse(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(1, time.Hour, func(s Seal) { seals <- s })
	b.Submit(capability.LLMCompletion, "m1", "a", json.RawMessage(`{}`))
	<-seals

	require.False(t, b.Remove(capability.LLMCompletion, "m1", "a"))
}

func TestFlushSealsOpenGroups(t *testing.T) {
	seals := make(chan Seal, 10)
	b := New(100, time.Hour, func(s Seal) { seals <- s })
	b.Submit(capability.LLMCompletion, "m1", "a", json.RawMessage(`{}`))
	b.Flush()

	select {
	case s := <-seals:
		require.Equal(t, "flush", s.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected flush seal")
	}
}
