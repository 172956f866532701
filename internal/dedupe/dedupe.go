// ABOUTME: TTL window for suppressing re-delivered wire messages
// ABOUTME: Keys combine tenant and wire message id so tenants never collide

package dedupe

import (
	"fmt"
	"sync"
	"time"
)

// Window tracks recently seen message keys for a fixed TTL. The external
// network re-delivers messages after reconnects; the inbound pipeline asks
// the window before touching the store so re-deliveries are dropped early.
// Eviction is lazy: expired keys are swept whenever an insert finds the
// window at capacity.
type Window struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewWindow creates a dedupe window with the given TTL and capacity bound.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	return &Window{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// MessageKey builds the dedupe key for a wire message.
func MessageKey(tenantID int64, messageID string) string {
	return fmt.Sprintf("%d/%s", tenantID, messageID)
}

// CheckAndMark atomically reports whether the key was already seen inside the
// TTL, marking it if not. Returns true for a duplicate.
func (w *Window) CheckAndMark(key string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return true
	}

	if len(w.seen) >= w.maxSize {
		w.sweep(now)
		// Still full after sweeping expired entries: drop everything rather
		// than grow without bound. The store's unique index catches whatever
		// slips through.
		if len(w.seen) >= w.maxSize {
			w.seen = make(map[string]time.Time)
		}
	}

	w.seen[key] = now
	return false
}

// Seen reports whether the key is currently inside the TTL without marking it.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.seen[key]
	return ok && time.Since(at) < w.ttl
}

// sweep removes expired entries. Caller holds the lock.
func (w *Window) sweep(now time.Time) {
	for key, at := range w.seen {
		if now.Sub(at) >= w.ttl {
			delete(w.seen, key)
		}
	}
}

// Len returns the number of tracked keys, expired entries included.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
