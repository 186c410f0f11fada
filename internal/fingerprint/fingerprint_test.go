package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/orchestrator/internal/capability"
)

func TestComputeIsDeterministic(t *testing.T) {
	params := map[string]any{"prompt": "hi", "temperature": 0.7, "model": "m1"}
	a := Compute(capability.LLMCompletion, params)
	b := Compute(capability.LLMCompletion, params)
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestComputeKeyOrderIndependent(t *testing.T) {
	p1 := map[string]any{"a": 1, "b": 2}
	p2 := map[string]any{"b": 2, "a": 1}
	require.Equal(t, Compute(capability.NLPAnalyze, p1), Compute(capability.NLPAnalyze, p2))
}

func TestComputeDiffersByCapability(t *testing.T) {
	params := map[string]any{"text": "hi"}
	a := Compute(capability.NLPAnalyze, params)
	b := Compute(capability.DataProcess, params)
	require.NotEqual(t, a, b)
}

func TestComputeNFCNormalizesStrings(t *testing.T) {
	// "é" as a single codepoint vs "e" + combining acute accent.
	composed := map[string]any{"prompt": "café"}
	decomposed := map[string]any{"prompt": "café"}
	require.Equal(t, Compute(capability.NLPAnalyze, composed), Compute(capability.NLPAnalyze, decomposed))
}
