package m2m

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the oneM2M basic-format timestamp used for ct, lt and et.
const TimestampLayout = "20060102T150405"

// Timestamp formats a time in the oneM2M basic format with microsecond
// fraction, in UTC. The comma fraction keeps lexicographic ordering
// consistent with time ordering.
func Timestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s,%06d", t.Format(TimestampLayout), t.Nanosecond()/1000)
}

// ParseTimestamp parses a oneM2M basic-format timestamp. Fractional seconds
// are accepted and truncated.
func ParseTimestamp(s string) (time.Time, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

// ParseDuration parses an ISO-8601 duration (e.g. "PT5S", "P1DT2H") or,
// as a convenience, a plain Go duration string ("5s"). Months and years are
// not supported since notification windows never use them.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if s[0] != 'P' {
		return time.ParseDuration(s)
	}

	var total time.Duration
	rest := s[1:]
	inTime := false
	seen := false
	num := ""
	for _, c := range rest {
		switch {
		case c >= '0' && c <= '9' || c == '.':
			num += string(c)
		case c == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			num = ""
			var unit time.Duration
			switch {
			case c == 'W':
				unit = 7 * 24 * time.Hour
			case c == 'D':
				unit = 24 * time.Hour
			case c == 'H' && inTime:
				unit = time.Hour
			case c == 'M' && inTime:
				unit = time.Minute
			case c == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported designator %q in duration %q", string(c), s)
			}
			total += time.Duration(v * float64(unit))
			seen = true
		}
	}
	if num != "" {
		return 0, fmt.Errorf("trailing number in duration %q", s)
	}
	if !seen {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return total, nil
}
