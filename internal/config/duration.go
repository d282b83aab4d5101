package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string for the setting at path.
// Empty means unset and yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

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

// DurationField binds one duration setting to its destination. Dst may be
// nil when only validation is wanted.
type DurationField struct {
	Path string
	Raw  string
	Dst  *time.Duration
}

// ParseDurations parses every field and joins all errors. Destinations of
// fields that fail are left untouched.
func ParseDurations(fields ...DurationField) error {
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationField(f.Path, f.Raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f.Dst != nil {
			*f.Dst = d
		}
	}
	return errors.Join(errs...)
}

// WorkerDurations lists the worker section's duration settings. Unset values
// parse to 0 and the worker substitutes its own defaults.
func (w WorkerConfig) WorkerDurations(pollInterval, idleSleep, errorBackoff, appReady, betweenAccounts *time.Duration) []DurationField {
	return []DurationField{
		{"worker.poll_interval", w.PollInterval, pollInterval},
		{"worker.idle_sleep", w.IdleSleep, idleSleep},
		{"worker.error_backoff", w.ErrorBackoff, errorBackoff},
		{"worker.app_ready_timeout", w.AppReadyTimeout, appReady},
		{"worker.between_accounts", w.BetweenAccounts, betweenAccounts},
	}
}
