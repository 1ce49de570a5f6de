package idnorm

import "time"

const (
	minEpochSeconds = int64(1_000_000_000)
	minEpochMillis  = int64(1_000_000_000_000)
)

// NormalizeEpoch converts a feed timestamp to Unix seconds. Values of 10^12 and above are
// milliseconds; anything below 10^9 is rejected.
func NormalizeEpoch(raw int64) (int64, bool) {
	switch {
	case raw >= minEpochMillis:
		return raw / 1000, true
	case raw >= minEpochSeconds:
		return raw, true
	default:
		return 0, false
	}
}

// ScheduledEpochForFeed places a GTFS wall-clock time (seconds since the service day
// start, may exceed 24h) on the service day before, of, or after the feed's date,
// whichever lands closest to feedEpoch. Ties keep the feed's own date.
func ScheduledEpochForFeed(wallClockSeconds int, feedEpoch int64, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := time.Unix(feedEpoch, 0).In(loc).Date()

	best := serviceDayStart(y, m, d, loc) + int64(wallClockSeconds)
	bestDiff := absDiff(best, feedEpoch)
	for _, offset := range []int{-1, 1} {
		candidate := serviceDayStart(y, m, d+offset, loc) + int64(wallClockSeconds)
		if diff := absDiff(candidate, feedEpoch); diff < bestDiff {
			best, bestDiff = candidate, diff
		}
	}
	return best
}

// serviceDayStart is "noon minus 12h", which differs from midnight on DST change days
func serviceDayStart(y int, m time.Month, d int, loc *time.Location) int64 {
	return time.Date(y, m, d, 12, 0, 0, 0, loc).Add(-12 * time.Hour).Unix()
}

// FeedDate returns the calendar date of feedEpoch in loc
func FeedDate(feedEpoch int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := time.Unix(feedEpoch, 0).In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
