package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseForecastHours expands a forecast-hour spec into an ordered list of
// non-negative lead times. Accepted forms, comma-separable: "6" (single
// hour), "0-12" (inclusive range), "0-48:3" (range with step).
func ParseForecastHours(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("forecast-hour spec is empty")
	}

	var hours []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, step, err := parseRange(part)
		if err != nil {
			return nil, err
		}
		for h := lo; h <= hi; h += step {
			if !seen[h] {
				seen[h] = true
				hours = append(hours, h)
			}
		}
	}
	return hours, nil
}

func parseRange(part string) (lo, hi, step int, err error) {
	step = 1
	if base, stepStr, ok := strings.Cut(part, ":"); ok {
		part = base
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("forecast-hour spec %q: bad step", part+":"+stepStr)
		}
	}

	loStr, hiStr, isRange := strings.Cut(part, "-")
	lo, err = strconv.Atoi(loStr)
	if err != nil || lo < 0 {
		return 0, 0, 0, fmt.Errorf("forecast-hour spec %q: bad hour %q", part, loStr)
	}
	hi = lo
	if isRange {
		hi, err = strconv.Atoi(hiStr)
		if err != nil || hi < 0 {
			return 0, 0, 0, fmt.Errorf("forecast-hour spec %q: bad hour %q", part, hiStr)
		}
		if hi < lo {
			return 0, 0, 0, fmt.Errorf("forecast-hour spec %q: range is reversed", part)
		}
	}
	return lo, hi, step, nil
}

// FormatForecastHour renders a lead time in the three-digit zero-padded form
// used in file names, tile paths, and the freshness manifest ("000", "012").
func FormatForecastHour(h int) string {
	return fmt.Sprintf("%03d", h)
}

// FormatForecastHours renders every hour in three-digit form, preserving order.
func FormatForecastHours(hours []int) []string {
	out := make([]string, len(hours))
	for i, h := range hours {
		out[i] = FormatForecastHour(h)
	}
	return out
}
