package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Stamp formats t the way the unified log does: millisecond precision,
// local time, no zone suffix.
func Stamp(t time.Time) string { return t.Format("2006-01-02 15:04:05.000") }
