package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCompletionValid(t *testing.T) {
	req, err := Decode(LLMCompletion, []byte(`{"prompt":"hi  ","max_tokens":32,"temperature":0.7,"model":"small"}`))
	require.NoError(t, err)
	require.Equal(t, "hi", req.Params["prompt"])
	require.Equal(t, 0.7, req.Params["temperature"])
	require.False(t, req.Pure())
}

func TestDecodeCompletionRejectsEmptyPrompt(t *testing.T) {
	_, err := Decode(LLMCompletion, []byte(`{"prompt":"","max_tokens":1}`))
	require.Error(t, err)
	ge := AsGatewayError(err)
	require.Equal(t, "invalid_request", string(ge.Kind))
	require.Equal(t, "$.prompt", ge.Details["field"])
}

func TestPureZeroTemperatureAlwaysCacheable(t *testing.T) {
	req, err := Decode(LLMCompletion, []byte(`{"prompt":"hi","max_tokens":1,"temperature":0}`))
	require.NoError(t, err)
	require.True(t, req.Pure())
}

func TestPureNonZeroTemperatureRequiresAllowCache(t *testing.T) {
	req, err := Decode(LLMCompletion, []byte(`{"prompt":"hi","max_tokens":1,"temperature":0.9,"allow_cache":true}`))
	require.NoError(t, err)
	require.True(t, req.Pure())
}

func TestDecodeChatRequiresMessages(t *testing.T) {
	_, err := Decode(LLMChat, []byte(`{"messages":[]}`))
	require.Error(t, err)
}

func TestDecodeVisionRequiresImage(t *testing.T) {
	_, err := Decode(VisionAnalyze, []byte(`{"task":"caption"}`))
	require.Error(t, err)
}

func TestBucketKeyGroupsByModelAndTemperatureTier(t *testing.T) {
	a, err := Decode(LLMCompletion, []byte(`{"prompt":"a","max_tokens":1,"temperature":0.1,"model":"m1"}`))
	require.NoError(t, err)
	b, err := Decode(LLMCompletion, []byte(`{"prompt":"b","max_tokens":1,"temperature":0.2,"model":"m1"}`))
	require.NoError(t, err)
	require.Equal(t, a.BucketKey, b.BucketKey)
}
