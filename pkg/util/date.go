package util

import (
	"strconv"
	"time"
)

// unixMillisThreshold separates unix seconds from unix milliseconds.
const unixMillisThreshold = 1e11

// ParseTime tries RFC3339, RFC3339Nano, unix seconds and unix milliseconds.
// Returns (t, true) if any worked. Results are in UTC.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts >= unixMillisThreshold {
			return time.UnixMilli(ts).UTC(), true
		}
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// FormatTime renders t as RFC3339 in UTC, the form used for observedAt.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NormalizeTimestamp re-renders any timestamp ParseTime accepts as RFC3339.
func NormalizeTimestamp(s string) (string, bool) {
	t, ok := ParseTime(s)
	if !ok {
		return "", false
	}
	return FormatTime(t), true
}
