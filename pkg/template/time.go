package template

import (
	"time"
)

// TimeFuncs is returned by the "time" template function
type TimeFuncs struct{}

// Now returns the current time
func (t *TimeFuncs) Now() time.Time {
	return time.Now()
}

// Parse parses a value according to layout
func (t *TimeFuncs) Parse(layout string, value string) (time.Time, error) {
	return time.Parse(layout, value)
}

// Date formats the current UTC date as YYYYMMDD, used for dated prefixes
func (t *TimeFuncs) Date() string {
	return time.Now().UTC().Format("20060102")
}
