// Package timefmt formats the elapsed-time strings used in the
// operator-facing sink status lines. It has no parser.
package timefmt

import (
	"fmt"
	"time"
)

// Elapsed renders a duration as "Ss" below a minute, "MmSSs" below an hour
// (seconds zero-padded), or "HhMMm" at an hour or above (minutes
// zero-padded, seconds dropped).
func Elapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int64(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%02dm", hours, minutes)
	case totalSeconds >= 60:
		return fmt.Sprintf("%dm%02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// UnixStamp formats t as a UTC RFC3339 timestamp, matching the format the
// original process-level logger used for its bracketed prefix.
func UnixStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
