package commands

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDuration = errors.New("invalid duration")
	ErrDurationTooLong = errors.New("duration too long")
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDelay parses "<n><unit>" where unit is s, m, h or d (any case) and n
// is a positive integer. Results above maxDur (when > 0) are rejected.
func ParseDelay(s string, maxDur time.Duration) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, ErrInvalidDuration
	}
	unit, ok := units[s[len(s)-1]]
	if !ok {
		return 0, ErrInvalidDuration
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidDuration
	}
	if n > int64(maxDelay/unit) {
		return 0, ErrDurationTooLong
	}
	d := time.Duration(n) * unit
	if maxDur > 0 && d > maxDur {
		return 0, ErrDurationTooLong
	}
	return d, nil
}

// maxDelay keeps n*unit clear of time.Duration overflow.
const maxDelay = 100 * 365 * 24 * time.Hour
