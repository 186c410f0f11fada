// Package gwerr defines the gateway's internal error taxonomy and its
// mapping to external HTTP status codes.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	InvalidRequest     Kind = "invalid_request"
	Overloaded         Kind = "overloaded"
	NoBackendAvailable Kind = "no_backend_available"
	Timeout            Kind = "timeout"
	UpstreamClient     Kind = "upstream_client"
	UpstreamServer     Kind = "upstream_server"
	MalformedResponse  Kind = "malformed_response"
	Cancelled          Kind = "cancelled"
	Internal           Kind = "internal"
	PoolExhausted      Kind = "pool_exhausted"
	Transport          Kind = "transport"
	BatchShortResponse Kind = "batch_short_response"
)

// Error carries a stable Kind plus a human-readable message. Backend error
// details are attached separately so the top-level Message never gets
// concatenated with upstream noise (keeps caller log-scraping stable).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether a failure of this kind is eligible for local
// recovery (retry with backoff), per the propagation policy.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout, UpstreamServer, Transport:
		return true
	default:
		return false
	}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an internal Kind to the northbound status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest:
		return http.StatusBadRequest
	case Overloaded:
		return http.StatusTooManyRequests
	case NoBackendAvailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case UpstreamClient:
		return http.StatusBadGateway
	case UpstreamServer:
		return http.StatusBadGateway
	case MalformedResponse:
		return http.StatusBadGateway
	case Cancelled:
		return 499
	case PoolExhausted:
		return http.StatusServiceUnavailable
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
