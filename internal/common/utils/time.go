// Package utils holds small time helpers shared by the admin surface, the
// breaker messages and the CLI.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// ClockLayout renders a wall-clock time the way users see resume times.
const ClockLayout = "15:04:05"

// ParseDuration accepts everything time.ParseDuration does plus whole days
// ("2d") and weeks ("1w"). Surrounding whitespace is ignored.
//
//	ParseDuration("90s") // 1m30s
//	ParseDuration("1d")  // 24h
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var n int
	var unit string
	if c, err := fmt.Sscanf(s, "%d%s", &n, &unit); err == nil && c == 2 {
		switch unit {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "w":
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}

	return 0, fmt.Errorf("invalid duration: %q", s)
}

// FormatDuration renders d in its largest sensible unit: "45s", "12m",
// "2.5h", "1.5d". Sub-second values keep millisecond precision.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second && d > -time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.0fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

// FormatClock renders t as HH:MM:SS in t's own location.
func FormatClock(t time.Time) string {
	return t.Format(ClockLayout)
}

// Remaining returns how long until deadline, never negative.
func Remaining(now, deadline time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
