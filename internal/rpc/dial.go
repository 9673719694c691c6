package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Endpoint is one RPC provider in priority order
type Endpoint struct {
	Name string
	URL  string

	// RequestsPerSecond caps local request rate; zero disables the limiter
	RequestsPerSecond float64
	Burst             int
}

// Dial connects an ethclient per endpoint and builds a router over them.
// Dialing HTTP endpoints does not touch the network, so one unreachable
// provider does not prevent startup.
func Dial(ctx context.Context, endpoints []Endpoint, cfg Config) (*Router, func(), error) {
	if len(endpoints) == 0 {
		return nil, nil, ErrNoProviders
	}

	providers := make([]Provider, 0, len(endpoints))
	clients := make([]*ethclient.Client, 0, len(endpoints))
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for i, ep := range endpoints {
		name := ep.Name
		if name == "" {
			name = hostOf(ep.URL, i)
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to dial rpc provider %s: %w", name, err)
		}
		clients = append(clients, client)

		p := Provider{Name: name, Client: client}
		if ep.RequestsPerSecond > 0 {
			burst := ep.Burst
			if burst <= 0 {
				burst = 1
			}
			p.Limiter = rate.NewLimiter(rate.Limit(ep.RequestsPerSecond), burst)
		}
		providers = append(providers, p)

		if cfg.Logger != nil {
			cfg.Logger.Info("RPC provider configured",
				slog.String("provider", name),
				slog.Int("priority", i),
				slog.Float64("requests_per_second", ep.RequestsPerSecond),
			)
		}
	}

	router, err := NewRouter(providers, cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return router, closeAll, nil
}

// hostOf names a provider after its host so API keys in paths never reach logs
func hostOf(raw string, i int) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("provider-%d", i)
	}
	return u.Host
}
