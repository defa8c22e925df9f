package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationToken = regexp.MustCompile(`^(\d+)(s|m|h|d|w)?$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
}

// ParseDuration reads durations like "30s", "5m", "1h 30m", "1d" or a plain
// number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total int64
	for _, field := range strings.Fields(s) {
		m := durationToken.FindStringSubmatch(field)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", field)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", field, err)
		}
		unit := m[2]
		if unit == "" {
			unit = "s"
		}
		total += n * unitSeconds[unit]
	}
	return time.Duration(total) * time.Second, nil
}

// FormatDuration renders a duration with at most two units, largest first:
// "1h 30m", "2d 3h", "45s".
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0s"
	}
	units := []struct {
		suffix string
		size   int64
	}{
		{"w", 604800},
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}
	var parts []string
	for _, u := range units {
		if len(parts) == 2 {
			break
		}
		if n := secs / u.size; n > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
			secs -= n * u.size
		}
	}
	return strings.Join(parts, " ")
}
