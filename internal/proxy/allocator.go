// ABOUTME: Proxy pool allocator for outbound session egress
// ABOUTME: Picks endpoints uniformly at random and keeps soft usage counters

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hublia/routeflow/internal/store"
)

// Pool is the slice of the store the allocator needs.
type Pool interface {
	PickRandomProxy(ctx context.Context, excludeURI string) (*store.Proxy, error)
	AdjustProxyConnections(ctx context.Context, uri string, delta int) error
	ResetProxyConnections(ctx context.Context) error
}

// Allocator hands out proxy endpoints to sessions. Selection is uniformly
// random; the per-proxy counter is a soft capacity hint and never blocks an
// acquisition.
type Allocator struct {
	pool   Pool
	logger *slog.Logger
}

// NewAllocator creates an allocator. Pass nil logger for default.
func NewAllocator(pool Pool, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		pool:   pool,
		logger: logger.With("component", "proxy"),
	}
}

// Acquire picks a proxy at random, excluding the given URI so a degraded
// session never gets its current endpoint back. Returns nil with no error
// when the pool is empty or only holds the excluded endpoint: sessions run
// without a proxy in that case.
func (a *Allocator) Acquire(ctx context.Context, excludeURI string) (*store.Proxy, error) {
	p, err := a.pool.PickRandomProxy(ctx, excludeURI)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Debug("no proxy available", "excluded", excludeURI)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("picking proxy: %w", err)
	}

	if err := a.pool.AdjustProxyConnections(ctx, p.URI, 1); err != nil {
		return nil, fmt.Errorf("counting proxy acquisition: %w", err)
	}
	a.logger.Info("proxy acquired", "uri", p.URI)
	return p, nil
}

// Release returns a proxy to the pool. The counter floors at zero, so double
// releases are harmless.
func (a *Allocator) Release(ctx context.Context, uri string) error {
	if uri == "" {
		return nil
	}
	if err := a.pool.AdjustProxyConnections(ctx, uri, -1); err != nil {
		return fmt.Errorf("counting proxy release: %w", err)
	}
	a.logger.Info("proxy released", "uri", uri)
	return nil
}

// ResetCounters zeroes every usage counter. Called once at process start;
// counters describe live sessions and none survive a restart.
func (a *Allocator) ResetCounters(ctx context.Context) error {
	if err := a.pool.ResetProxyConnections(ctx); err != nil {
		return fmt.Errorf("resetting proxy counters: %w", err)
	}
	return nil
}
