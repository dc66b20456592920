// Package provider exposes a uniform call surface over heterogeneous
// LLM APIs. Adapters are pure transport plus token accounting: no
// retries, no output interpretation. Retry policy belongs to the agent
// runner.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Request is a single model invocation.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	Stop         []string
}

// Response carries the raw model text and token usage.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
}

// Adapter is the uniform provider interface. Implementations honor the
// context deadline and return a typed *Error on failure.
type Adapter interface {
	// Name identifies the upstream provider (e.g. "anthropic").
	Name() string
	// Invoke performs one model call.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ErrorKind categorizes provider failures for retry decisions.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUpstream       ErrorKind = "upstream_error"
	KindNetwork        ErrorKind = "network"
)

// Error is a typed provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUpstream, KindNetwork:
		return true
	}
	return false
}

// wrap builds a typed error from a raw SDK error, classifying it by
// status code hints and message patterns.
func wrap(providerName string, err error) *Error {
	return &Error{Kind: classify(err), Provider: providerName, Err: err}
}

// classify maps an SDK or transport error onto the error taxonomy.
// Message-pattern matching covers SDKs that do not expose status codes.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "403"):
		return KindInvalidRequest
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "529"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "internal server error"):
		return KindUpstream
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return KindNetwork
	}
	return KindUpstream
}

// ErrEmptyOutput is returned when a provider answers with no text.
var ErrEmptyOutput = errors.New("provider returned empty output")
