package spanz

import (
	"time"

	"github.com/zoobzio/clockz"
)

// SpanTimeInput is a point in time accepted by Span.EndAt and
// StartSpanOptions.StartTime. Supported values:
//   - time.Time
//   - float64, int64 or int epoch seconds; values above 9999999999 are
//     treated as epoch milliseconds
//   - [2]int64{seconds, nanoseconds}
//
// nil, a zero time.Time, any input at or before the Unix epoch and any
// other type resolve to the current time.
type SpanTimeInput any

// msThreshold separates second from millisecond epochs.
const msThreshold = 9999999999

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func ensureSeconds(v float64) float64 {
	if v > msThreshold {
		return v / 1000
	}
	return v
}

// spanTimeToSeconds resolves input against clock. A result at or before the
// epoch falls back to the current time.
func spanTimeToSeconds(input SpanTimeInput, clock clockz.Clock) float64 {
	var secs float64
	switch v := input.(type) {
	case time.Time:
		if !v.IsZero() {
			secs = timeToSeconds(v)
		}
	case float64:
		secs = ensureSeconds(v)
	case int64:
		secs = ensureSeconds(float64(v))
	case int:
		secs = ensureSeconds(float64(v))
	case [2]int64:
		secs = float64(v[0]) + float64(v[1])/1e9
	}
	if secs > 0 {
		return secs
	}
	return timeToSeconds(clock.Now())
}
