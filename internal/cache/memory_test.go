// ABOUTME: Tests for the in-memory cache
// ABOUTME: Covers TTL expiry, pattern deletion and the key helpers

package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := m.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("Get returned %q, %v", v, err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	_, err := m.Get(ctx, "k")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestMemoryDelPattern(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	keys := []string{
		TicketKey(1, 42, "status"),
		TicketKey(1, 42, "queue"),
		TicketKey(1, 43, "status"),
		UnreadsKey(7),
	}
	for _, k := range keys {
		if err := m.Set(ctx, k, "x", 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := m.DelPattern(ctx, TicketPattern(1, 42)); err != nil {
		t.Fatalf("DelPattern failed: %v", err)
	}

	for _, k := range keys[:2] {
		if _, err := m.Get(ctx, k); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("expected %s deleted", k)
		}
	}
	if _, err := m.Get(ctx, TicketKey(1, 43, "status")); err != nil {
		t.Error("unrelated ticket key was deleted")
	}
	if _, err := m.Get(ctx, UnreadsKey(7)); err != nil {
		t.Error("unreads key was deleted")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := UnreadsKey(5); got != "contacts:5:unreads" {
		t.Errorf("UnreadsKey = %q", got)
	}
	if got := TicketKey(2, 9, "status"); got != "company:2:tickets:9:status" {
		t.Errorf("TicketKey = %q", got)
	}
	if got := TicketPattern(2, 9); got != "company:2:tickets:9:*" {
		t.Errorf("TicketPattern = %q", got)
	}
}
