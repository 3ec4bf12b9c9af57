// Package timespan converts the configured recency window into a cutoff instant
package timespan

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/GlueOps/mirror-registry/types"
)

const (
	// DefaultDays is the window used when no time span is configured
	DefaultDays = 3
	// DaysPerMonth is the length of the "m" unit
	DaysPerMonth = 30
	// MaxDays is the longest accepted span, 100 years
	MaxDays = 36500
)

var spanRe = regexp.MustCompile(`^(\d+)([dm])$`)

// Validate returns the number of days in a time span without evaluating it
func Validate(spec string) (int, error) {
	if spec == "" {
		return DefaultDays, nil
	}
	m := spanRe.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("%w: %q, expected {N}d or {N}m", types.ErrInvalidTimeSpan, spec)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", types.ErrInvalidTimeSpan, spec, err)
	}
	if m[2] == "m" {
		if n > MaxDays/DaysPerMonth {
			return 0, fmt.Errorf("%w: %q exceeds %d days", types.ErrInvalidTimeSpan, spec, MaxDays)
		}
		n = n * DaysPerMonth
	}
	if n > MaxDays {
		return 0, fmt.Errorf("%w: %q exceeds %d days", types.ErrInvalidTimeSpan, spec, MaxDays)
	}
	return n, nil
}

// Cutoff returns the UTC instant that is the time span before now.
// Tags created before the cutoff are excluded from pattern matching.
func Cutoff(spec string, now time.Time) (time.Time, error) {
	days, err := Validate(spec)
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC().AddDate(0, 0, -days), nil
}
