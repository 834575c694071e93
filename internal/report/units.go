package report

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var suffixedValuePattern = regexp.MustCompile(`(?i)^([+-]?(?:\d+\.?\d*|\.\d+)(?:e[+-]?\d+)?)\s*(ns|us|µs|ms|s)?$`)

// ToMilliseconds converts a time cell into milliseconds.
//
// With rawNanoseconds set the cell must be a bare nanosecond count. Otherwise
// the cell is a number with an optional ns/us/ms/s suffix, defaulting to ms.
// Unparsable, non-finite and negative values are reported as absent.
func ToMilliseconds(raw string, rawNanoseconds bool) (float64, bool) {
	value := unquote(raw)
	if value == "" {
		return 0, false
	}

	if rawNanoseconds {
		ns, ok := parseFinite(value)
		if !ok {
			return 0, false
		}
		return ns / 1e6, true
	}

	match := suffixedValuePattern.FindStringSubmatch(value)
	if match == nil {
		return 0, false
	}
	n, ok := parseFinite(match[1])
	if !ok {
		return 0, false
	}

	switch strings.ToLower(match[2]) {
	case "ns":
		return n / 1e6, true
	case "us", "µs":
		return n / 1e3, true
	case "s":
		return n * 1000, true
	default:
		return n, true
	}
}

// ParseCalls reads an invocation count. Thousands separators are stripped and
// fractional values are truncated toward zero.
func ParseCalls(raw string) (int64, bool) {
	value := strings.ReplaceAll(unquote(raw), ",", "")
	if value == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		if i < 0 {
			return 0, false
		}
		return i, true
	}
	n, ok := parseFinite(value)
	if !ok {
		return 0, false
	}
	n = math.Trunc(n)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n >= math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func parseFinite(s string) (float64, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return 0, false
	}
	return n, true
}
