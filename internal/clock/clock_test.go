// ABOUTME: Tests for the fake clock
// ABOUTME: Verifies timer firing on Advance and immediate firing for zero delays

package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTimers(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	short := f.After(time.Second)
	long := f.After(time.Minute)

	f.Advance(2 * time.Second)

	select {
	case <-short:
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}

	f.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("long timer did not fire")
	}
}

func TestFakeAfterZeroFiresImmediately(t *testing.T) {
	f := NewFake(time.Now())
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero-delay timer did not fire")
	}
}

func TestFakeNowTracksAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(3 * time.Hour)
	if got := f.Now(); !got.Equal(start.Add(3 * time.Hour)) {
		t.Errorf("expected %v, got %v", start.Add(3*time.Hour), got)
	}
}
