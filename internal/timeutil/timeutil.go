// Package timeutil is the time authority for the screener core.
//
// Every function operates on whole seconds since epoch (UTC) and is
// pure: no state, no dependencies. Candle boundaries are always the
// result of rounding DOWN to the minute, and analysis only ever uses
// CLOSED candles — the most recent usable boundary is the previous
// minute, never the in-progress one.
package timeutil

import "time"

const (
	// minTimestamp rejects obviously bogus historical data (2020-01-01).
	minTimestamp = 1577836800

	// maxFutureSkew tolerates modest clock drift on inbound ticks.
	maxFutureSkew = int64(5 * 60)
)

// Now returns the current Unix timestamp in whole seconds.
func Now() int64 {
	return time.Now().Unix()
}

// RoundToMinute rounds a timestamp DOWN to its minute boundary.
func RoundToMinute(ts int64) int64 {
	return (ts / 60) * 60
}

// CurrentMinute returns the start of the current minute.
func CurrentMinute(now int64) int64 {
	return RoundToMinute(now)
}

// LastClosedMinute returns the boundary of the most recent CLOSED
// one-minute candle: the current minute start minus 60. The current
// minute is still accumulating and must never be read for evaluation.
func LastClosedMinute(now int64) int64 {
	return CurrentMinute(now) - 60
}

// WindowStart returns the boundary minutes minutes before end.
func WindowStart(end int64, minutes int) int64 {
	return end - int64(minutes)*60
}

// MinutesBetween reports the number of complete minutes between two
// timestamps, independent of order.
func MinutesBetween(a, b int64) int {
	d := b - a
	if d < 0 {
		d = -d
	}
	return int(d / 60)
}

// ValidTimestamp reports whether ts is plausible for inbound market
// data: positive, not before 2020, and not further in the future than
// the allowed clock skew.
func ValidTimestamp(ts, now int64) bool {
	if ts < minTimestamp {
		return false
	}
	return ts <= now+maxFutureSkew
}

// FromMillis normalizes an exchange millisecond timestamp to whole
// seconds. Exchange payloads are the only place milliseconds exist;
// they never cross into the core.
func FromMillis(ms int64) int64 {
	return ms / 1000
}

// ToMillis converts a core timestamp to milliseconds for exchange REST
// query parameters.
func ToMillis(ts int64) int64 {
	return ts * 1000
}

// Format renders a timestamp for logs, UTC.
func Format(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}
