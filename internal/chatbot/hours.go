// ABOUTME: Business-hours evaluation for queues
// ABOUTME: Windows are weekly HH:MM ranges in the server's local time

package chatbot

import (
	"strconv"
	"strings"
	"time"

	"github.com/hublia/routeflow/internal/store"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// WithinHours reports whether t falls inside any of the windows. No windows
// means always within hours; a malformed window is skipped.
func WithinHours(t time.Time, windows []store.HoursWindow) bool {
	if len(windows) == 0 {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	for _, w := range windows {
		day, ok := weekdays[strings.ToLower(w.Weekday)]
		if !ok || day != t.Weekday() {
			continue
		}
		start, okS := parseHHMM(w.StartTime)
		end, okE := parseHHMM(w.EndTime)
		if !okS || !okE {
			continue
		}
		if minutes >= start && minutes < end {
			return true
		}
	}
	return false
}

// parseHHMM converts "HH:MM" into minutes since midnight.
func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
