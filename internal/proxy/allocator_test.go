// ABOUTME: Tests for the proxy allocator
// ABOUTME: Covers empty-pool behavior, exclusion, counters and release

package proxy

import (
	"context"
	"testing"

	"github.com/hublia/routeflow/internal/store"
)

type fakePool struct {
	proxies  []*store.Proxy
	counters map[string]int
	resets   int
}

func newFakePool(uris ...string) *fakePool {
	p := &fakePool{counters: make(map[string]int)}
	for i, uri := range uris {
		p.proxies = append(p.proxies, &store.Proxy{ID: int64(i + 1), URI: uri})
	}
	return p
}

func (p *fakePool) PickRandomProxy(_ context.Context, excludeURI string) (*store.Proxy, error) {
	for _, pr := range p.proxies {
		if pr.URI != excludeURI {
			return pr, nil
		}
	}
	return nil, store.ErrNotFound
}

func (p *fakePool) AdjustProxyConnections(_ context.Context, uri string, delta int) error {
	p.counters[uri] += delta
	if p.counters[uri] < 0 {
		p.counters[uri] = 0
	}
	return nil
}

func (p *fakePool) ResetProxyConnections(context.Context) error {
	p.resets++
	return nil
}

func TestAcquireEmptyPool(t *testing.T) {
	a := NewAllocator(newFakePool(), nil)

	p, err := a.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil proxy from empty pool, got %+v", p)
	}
}

func TestAcquireExcludesCurrentURI(t *testing.T) {
	pool := newFakePool("socks5://only:1080")
	a := NewAllocator(pool, nil)

	p, err := a.Acquire(context.Background(), "socks5://only:1080")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil when only the excluded proxy exists, got %+v", p)
	}
}

func TestAcquireCountsUsage(t *testing.T) {
	pool := newFakePool("socks5://a:1080")
	a := NewAllocator(pool, nil)

	p, err := a.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if p == nil || p.URI != "socks5://a:1080" {
		t.Fatalf("unexpected proxy: %+v", p)
	}
	if pool.counters["socks5://a:1080"] != 1 {
		t.Errorf("expected counter 1, got %d", pool.counters["socks5://a:1080"])
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	pool := newFakePool("socks5://a:1080")
	a := NewAllocator(pool, nil)

	if err := a.Release(context.Background(), "socks5://a:1080"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := a.Release(context.Background(), "socks5://a:1080"); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if pool.counters["socks5://a:1080"] != 0 {
		t.Errorf("expected counter floored at 0, got %d", pool.counters["socks5://a:1080"])
	}

	// Releasing the empty URI is a no-op.
	if err := a.Release(context.Background(), ""); err != nil {
		t.Fatalf("Release of empty URI failed: %v", err)
	}
}

func TestResetCounters(t *testing.T) {
	pool := newFakePool()
	a := NewAllocator(pool, nil)

	if err := a.ResetCounters(context.Background()); err != nil {
		t.Fatalf("ResetCounters failed: %v", err)
	}
	if pool.resets != 1 {
		t.Errorf("expected 1 reset, got %d", pool.resets)
	}
}
