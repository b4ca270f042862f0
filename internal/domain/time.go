package domain

import "time"

// TimeLayout is how timestamps are stored. It is fixed width so text
// comparison matches time order, which incremental sync depends on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout after converting it to UTC.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime parses a TimeLayout string, returning the zero time on error.
func ParseTime(s string) time.Time {
	t, _ := time.Parse(TimeLayout, s)
	return t
}
