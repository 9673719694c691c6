package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrRPCExhausted is returned when every attempt across all providers failed.
	// Callers treat it as "no fresh data available now".
	ErrRPCExhausted = errors.New("rpc providers exhausted")

	// ErrRateLimited marks a provider-side rate limit (HTTP 429 or equivalent)
	ErrRateLimited = errors.New("rpc rate limited")

	// ErrNoProviders is returned when a router is built without endpoints
	ErrNoProviders = errors.New("no rpc providers configured")
)

// Kind classifies a failed attempt
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindOther       Kind = "other"
)

// ProviderError records why one attempt against one provider failed
type ProviderError struct {
	Provider string
	Attempt  int
	Kind     Kind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s attempt %d (%s): %v", e.Provider, e.Attempt, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) match classified rate limits
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == KindRateLimited
}

// rateLimitMarkers match provider messages; a bare status code is never
// enough since block numbers and hashes contain arbitrary digits
var rateLimitMarkers = []string{
	"status 429",
	"status code 429",
	"status code: 429",
	"http 429",
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"exceeded its compute units",
	"request limit",
}

// Classify decides how a failed attempt is reported. Every kind rotates the
// provider; the distinction only feeds logs and errors.Is checks.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return KindRateLimited
	}
	var httpErrPtr *gethrpc.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.StatusCode == http.StatusTooManyRequests {
		return KindRateLimited
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return KindRateLimited
		}
	}

	if errors.Is(err, errAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}
