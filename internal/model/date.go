package model

import (
	"errors"
	"strings"
	"time"
)

// DateOnly is the layout of a bare calendar date.
const DateOnly = "2006-01-02"

// ErrBadDate is returned by ParseDate for values in neither accepted layout.
var ErrBadDate = errors.New("must be YYYY-MM-DD or RFC 3339")

// ParseDate parses an optional validity bound. An empty value yields nil.
// A bare date is the start of that day in UTC, or its last microsecond when
// endOfDay is set. Microseconds are the finest precision all store backends
// keep. RFC 3339 values are converted to UTC.
func ParseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(DateOnly, s); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, ErrBadDate
	}
	t = t.UTC()
	return &t, nil
}
