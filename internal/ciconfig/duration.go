package ciconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseTimeout accepts either Go duration syntax ("1h30m") or the
// word form used in job definitions ("1 hour 30 minutes", "2 days").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration must be positive: %q", s)
		}
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return 0, fmt.Errorf("malformed duration %q", s)
	}

	var total time.Duration
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		unit, err := durationUnit(fields[i+1])
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", s)
	}
	return total, nil
}

func durationUnit(word string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSuffix(word, "s")) {
	case "second", "sec":
		return time.Second, nil
	case "minute", "min":
		return time.Minute, nil
	case "hour", "hr":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", word)
	}
}
