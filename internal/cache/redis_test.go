package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/fingerprint"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisCacheMissThenHit(t *testing.T) {
	rdb := newTestRedis(t)
	c := NewRedis(rdb, time.Minute)
	fp := fingerprint.Compute(capability.LLMCompletion, map[string]any{"prompt": "hi"})

	called := 0
	fn := func(ctx context.Context) (json.RawMessage, *gwerr.Error) {
		called++
		return json.RawMessage(`"ok"`), nil
	}

	v, gerr, _ := c.Load(context.Background(), fp, time.Time{}, 0, fn)
	require.Nil(t, gerr)
	require.JSONEq(t, `"ok"`, string(v))

	v2, ok := c.Lookup(context.Background(), fp)
	require.True(t, ok)
	require.JSONEq(t, `"ok"`, string(v2))
	require.Equal(t, 1, called)
}
