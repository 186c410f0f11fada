// Package backendclient issues southbound HTTP calls to backend workers:
// a POST of the same JSON body the caller submitted, against a path that
// mirrors the northbound API.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

// Call issues a POST to baseAddress+capability.SouthboundPath(cap) carrying
// body, using client and ctx for cancellation/deadline. It classifies the
// outcome per the pool's error taxonomy: Timeout, Transport, UpstreamServer
// (5xx), UpstreamClient (4xx), MalformedResponse.
func Call(ctx context.Context, client *http.Client, baseAddress string, cap capability.Capability, body json.RawMessage) (json.RawMessage, *gwerr.Error) {
	url := baseAddress + capability.SouthboundPath(cap)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, "build southbound request").WithDetail("error", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerr.New(gwerr.Timeout, "southbound call deadline elapsed")
		}
		return nil, gwerr.New(gwerr.Transport, "southbound call failed").WithDetail("error", err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.New(gwerr.Transport, "reading southbound response failed").WithDetail("error", err.Error())
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, gwerr.New(gwerr.UpstreamServer, "backend returned server error").
			WithDetail("status", resp.Status)
	case resp.StatusCode >= 400:
		return nil, gwerr.New(gwerr.UpstreamClient, "backend returned client error").
			WithDetail("status", resp.Status)
	}

	if !json.Valid(raw) {
		return nil, gwerr.New(gwerr.MalformedResponse, "backend response is not valid JSON")
	}
	return raw, nil
}

// Probe issues a GET /health against baseAddress, used by the health
// aggregator's periodic probe loop.
func Probe(ctx context.Context, client *http.Client, baseAddress string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseAddress+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return gwerr.New(gwerr.UpstreamServer, "health probe non-2xx").WithDetail("status", resp.Status)
	}
	return nil
}
