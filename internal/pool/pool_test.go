package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

func TestCallRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(config.Pool{Connections: 2, MaxSize: 2, IdleExpiry: time.Second, Timeout: time.Second, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, gerr := p.Call(ctx, srv.URL, 5, capability.LLMCompletion, []byte(`{"prompt":"hi"}`))
	require.Nil(t, gerr)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

func TestCallClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(config.Pool{Connections: 2, MaxSize: 2, IdleExpiry: time.Second, Timeout: time.Second, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, gerr := p.Call(ctx, srv.URL, 5, capability.LLMCompletion, []byte(`{}`))
	require.NotNil(t, gerr)
	require.Equal(t, gwerr.UpstreamServer, gerr.Kind)
}
