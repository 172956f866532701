// ABOUTME: Tests for the message dedupe window
// ABOUTME: Covers duplicate detection, TTL expiry, capacity bounds and key format

package dedupe

import (
	"testing"
	"time"
)

func TestCheckAndMark(t *testing.T) {
	w := NewWindow(time.Minute, 100)

	key := MessageKey(1, "wire-abc")
	if w.CheckAndMark(key) {
		t.Error("first sighting reported as duplicate")
	}
	if !w.CheckAndMark(key) {
		t.Error("second sighting not reported as duplicate")
	}

	// Same wire id under another tenant is independent.
	if w.CheckAndMark(MessageKey(2, "wire-abc")) {
		t.Error("cross-tenant key collided")
	}
}

func TestExpiry(t *testing.T) {
	w := NewWindow(10*time.Millisecond, 100)

	key := MessageKey(1, "wire-abc")
	w.CheckAndMark(key)
	time.Sleep(20 * time.Millisecond)

	if w.Seen(key) {
		t.Error("expired key still reported seen")
	}
	if w.CheckAndMark(key) {
		t.Error("expired key reported as duplicate")
	}
}

func TestCapacityBound(t *testing.T) {
	w := NewWindow(time.Hour, 10)

	for i := 0; i < 50; i++ {
		w.CheckAndMark(MessageKey(1, string(rune('a'+i))))
	}
	if w.Len() > 10 {
		t.Errorf("window grew past capacity: %d", w.Len())
	}
}

func TestMessageKey(t *testing.T) {
	if got := MessageKey(7, "ABC123"); got != "7/ABC123" {
		t.Errorf("MessageKey = %q", got)
	}
}
