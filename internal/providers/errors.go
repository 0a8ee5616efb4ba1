package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies an upstream provider failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindBadRequest  ErrorKind = "bad_request"
	KindTransient   ErrorKind = "transient"
	KindUnavailable ErrorKind = "unavailable"
)

// UpstreamError is the tagged variant surfaced for all provider failures.
// RetryAfter is populated for rate-limited responses that carry a
// Retry-After hint.
type UpstreamError struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.Provider, e.Kind)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AsUpstream extracts an UpstreamError from an error chain.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindUnavailable
	default:
		return KindTransient
	}
}

// retryAfterFromResponse parses a Retry-After header (seconds form only).
func retryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// wrapTransport classifies context deadline/cancellation as transient
// so callers see a uniform taxonomy for timeouts.
func wrapTransport(provider string, err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &UpstreamError{Kind: KindTransient, Provider: provider, Err: err}
	}
	return &UpstreamError{Kind: KindUnavailable, Provider: provider, Err: err}
}
