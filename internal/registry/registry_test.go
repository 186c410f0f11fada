package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Backends: []config.Backend{
			{ID: "llm-a", Capability: "llm_completion", BaseAddress: "http://a", MaxInFlight: 10},
			{ID: "llm-b", Capability: "llm_completion", BaseAddress: "http://b", MaxInFlight: 10},
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 2,
			CooldownPeriod:   30 * time.Second,
		},
	}
	return cfg
}

func TestResolvePrefersLowerInFlight(t *testing.T) {
	r := New(testConfig())
	backends := r.BackendsFor(capability.LLMCompletion)
	require.Len(t, backends, 2)
	backends[0].Acquire()
	backends[0].Acquire()

	picked, err := r.Resolve(capability.LLMCompletion)
	require.Nil(t, err)
	require.Equal(t, backends[1].ID, picked.ID)
}

func TestResolveSkipsOpenCircuit(t *testing.T) {
	r := New(testConfig())
	backends := r.BackendsFor(capability.LLMCompletion)
	r.ReportProbe(backends[0], false)
	r.ReportProbe(backends[0], false)
	require.Equal(t, Unhealthy, backends[0].Status())

	picked, err := r.Resolve(capability.LLMCompletion)
	require.Nil(t, err)
	require.Equal(t, backends[1].ID, picked.ID)
}

func TestResolveNoBackendAvailable(t *testing.T) {
	r := New(testConfig())
	for _, b := range r.BackendsFor(capability.LLMCompletion) {
		r.ReportProbe(b, false)
		r.ReportProbe(b, false)
	}
	_, err := r.Resolve(capability.LLMCompletion)
	require.Error(t, err)
}

func TestDegradedHalvesEffectiveCap(t *testing.T) {
	r := New(testConfig())
	b := r.BackendsFor(capability.LLMCompletion)[0]
	r.ReportProbe(b, false) // single failure: below failure_threshold=2, stays Closed/Healthy
	require.Equal(t, 10, b.EffectiveCap())

	b.setStatus(Degraded)
	require.Equal(t, 5, b.EffectiveCap())
}
