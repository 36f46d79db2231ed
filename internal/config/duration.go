package config

import (
	"fmt"
	"strings"
	"time"
)

// Timing knobs (flush delay, poll interval, tool timeouts) are Go
// duration strings in the config file. An empty string means unset and
// parses to zero; the caller decides what zero falls back to.

// ParseDurationField parses one duration-valued config field. path names
// the field in error messages ("batch.flush_delay"). Negative durations
// are rejected: no timing knob in this system means anything below zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (use forms like \"2.5s\", \"1m\"): %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
