// Package rpc routes read operations across an ordered list of JSON-RPC
// providers, rotating to the next provider whenever an attempt fails.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

const (
	// DefaultBackoff is the fixed pause before rotating to the next provider
	DefaultBackoff = 500 * time.Millisecond
	// DefaultAttemptTimeout bounds a single attempt against one provider
	DefaultAttemptTimeout = 10 * time.Second
)

// Client is the subset of ethclient.Client the sync pipeline reads through
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Provider is one configured RPC endpoint
type Provider struct {
	Name    string
	Client  Client
	Limiter *rate.Limiter // optional client-side quota guard
}

// Config holds router tuning
type Config struct {
	Backoff        time.Duration
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Router executes operations against providers in fixed priority order. The
// rotation index is sticky: success does not reset it, so a failing provider
// is skipped by later calls until rotation comes back around to it.
//
// The index is a hint shared by concurrent callers without a lock; two
// callers may briefly disagree about the current provider.
type Router struct {
	providers      []Provider
	index          atomic.Uint32
	backoff        time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a router over providers, tried in the given order
func NewRouter(providers []Provider, cfg Config) (*Router, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		providers:      providers,
		backoff:        cfg.Backoff,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logger.With(slog.String("component", "rpc_router")),
		sleep:          sleepContext,
	}, nil
}

// Operation is a read against one provider's client
type Operation[T any] func(ctx context.Context, client Client) (T, error)

// Execute runs op with fallback: attempts are strictly sequential, each
// bounded by the attempt timeout, and after len(providers)+1 failed attempts
// the call returns ErrRPCExhausted wrapping the last failure.
func Execute[T any](ctx context.Context, r *Router, op Operation[T]) (T, error) {
	var zero T
	maxAttempts := len(r.providers) + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		idx := int(r.index.Load()) % len(r.providers)
		provider := r.providers[idx]

		result, err := runAttempt(ctx, r, provider, op)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("RPC call succeeded after fallback",
					slog.String("provider", provider.Name),
					slog.Int("attempt", attempt),
				)
			}
			return result, nil
		}

		// The caller gave up; that is not the provider's fault
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		kind := Classify(err)
		lastErr = &ProviderError{Provider: provider.Name, Attempt: attempt, Kind: kind, Err: err}

		next := (idx + 1) % len(r.providers)
		r.index.Store(uint32(next))

		r.logger.Warn("RPC attempt failed, rotating provider",
			slog.String("provider", provider.Name),
			slog.String("next_provider", r.providers[next].Name),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt < maxAttempts {
			if err := r.sleep(ctx, r.backoff); err != nil {
				return zero, err
			}
		}
	}

	r.logger.Error("RPC providers exhausted",
		slog.Int("attempts", maxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRPCExhausted, maxAttempts, lastErr)
}

// runAttempt bounds one call to one provider by the attempt timeout
func runAttempt[T any](ctx context.Context, r *Router, provider Provider, op Operation[T]) (T, error) {
	var zero T
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	if provider.Limiter != nil {
		if err := provider.Limiter.Wait(attemptCtx); err != nil {
			return zero, fmt.Errorf("%w: local quota: %v", ErrRateLimited, err)
		}
	}

	result, err := op(attemptCtx, provider.Client)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", errAttemptTimeout, r.attemptTimeout, err)
		}
		return zero, err
	}
	return result, nil
}

// Do runs an operation that produces no value
func (r *Router) Do(ctx context.Context, op func(ctx context.Context, client Client) error) error {
	_, err := Execute(ctx, r, func(ctx context.Context, client Client) (struct{}, error) {
		return struct{}{}, op(ctx, client)
	})
	return err
}

// Current returns the name of the provider the next call will start with
func (r *Router) Current() string {
	return r.providers[int(r.index.Load())%len(r.providers)].Name
}

// Providers returns the configured provider names in priority order
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name
	}
	return names
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errAttemptTimeout = errors.New("rpc attempt timed out")
