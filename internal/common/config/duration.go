package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([smhd])$`)

// ParseDuration parses a duration string into seconds. Accepted forms are a
// bare integer (seconds) or a number with an s/m/h/d suffix: "600", "5m",
// "2h", "1d". Anything else is rejected.
func ParseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return float64(secs), nil
	}

	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q (want seconds or <n>[smhd])", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch m[2] {
	case "s":
		return value, nil
	case "m":
		return value * 60, nil
	case "h":
		return value * 3600, nil
	case "d":
		return value * 86400, nil
	}
	return 0, fmt.Errorf("invalid duration unit in %q", s)
}

// ParseDurationDefault parses s, returning def when s is empty and an error
// for malformed input.
func ParseDurationDefault(s string, def float64) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return ParseDuration(s)
}

// Seconds converts a seconds count to a time.Duration.
func Seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
