package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/pool"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

func TestProbeOneMarksHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New(&config.Config{
		Backends: []config.Backend{{ID: "llm-a", Capability: "llm_completion", BaseAddress: srv.URL, MaxInFlight: 10}},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 2, CooldownPeriod: 30 * time.Second,
		},
	})
	p := pool.New(config.Pool{Connections: 2, MaxSize: 2, IdleExpiry: time.Second, Timeout: time.Second, ConnectTimeout: time.Second})
	agg := New(reg, p, time.Second, zap.NewNop())

	b := reg.All()[0]
	agg.probeOne(b)
	require.Equal(t, registry.Healthy, b.Status())
}

func TestProbeOneMarksUnhealthyOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := registry.New(&config.Config{
		Backends: []config.Backend{{ID: "llm-a", Capability: "llm_completion", BaseAddress: srv.URL, MaxInFlight: 10}},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 1, CooldownPeriod: 30 * time.Second,
		},
	})
	p := pool.New(config.Pool{Connections: 2, MaxSize: 2, IdleExpiry: time.Second, Timeout: time.Second, ConnectTimeout: time.Second})
	agg := New(reg, p, time.Second, zap.NewNop())

	b := reg.All()[0]
	agg.probeOne(b)
	require.Equal(t, registry.Unhealthy, b.Status())
}
