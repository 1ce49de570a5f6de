package gtfs

import (
	"fmt"
	"strconv"
	"strings"
)

// DateLayout is the GTFS calendar date format
const DateLayout = "20060102"

// ParseTime converts a GTFS HH:MM[:SS] time to seconds since midnight.
// Hours past 23 are valid (trips running after midnight).
func ParseTime(timeStr string) (int, bool) {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" {
		return 0, false
	}
	parts := strings.Split(timeStr, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}

	var values [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		values[i] = n
	}
	if values[1] > 59 || values[2] > 59 {
		return 0, false
	}
	return values[0]*3600 + values[1]*60 + values[2], true
}

// FormatTimeHHMMSS converts seconds since midnight to HH:MM:SS format
func FormatTimeHHMMSS(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
