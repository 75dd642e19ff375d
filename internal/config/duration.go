package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DurationOrDefault parses value, falling back to defaultValue when value is blank.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}

// DurationOr is DurationOrDefault for call sites that cannot fail; a bad value is logged and
// replaced by the default.
func DurationOr(value string, defaultValue string) time.Duration {
	d, err := DurationOrDefault(value, defaultValue)
	if err == nil {
		return d
	}
	slog.Warn("Invalid duration in config, using default", "value", value, "default", defaultValue, "error", err)
	d, _ = time.ParseDuration(defaultValue)
	return d
}
