// Package ratelimit implements per-credential, multi-window call accounting
// for the STRATZ API. Each API key is limited per second, minute, hour and
// day; a key may only be used while every window is below its limit.
package ratelimit

import (
	"fmt"
	"time"
)

// Window identifies one trailing rate limit window.
type Window string

const (
	// WindowSecond is the trailing one-second window.
	WindowSecond Window = "second"

	// WindowMinute is the trailing one-minute window.
	WindowMinute Window = "minute"

	// WindowHour is the trailing one-hour window.
	WindowHour Window = "hour"

	// WindowDay is the trailing 24-hour window.
	WindowDay Window = "day"
)

// AllWindows lists every window in ascending duration order.
var AllWindows = []Window{WindowSecond, WindowMinute, WindowHour, WindowDay}

// Duration returns the trailing duration of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Limits maps each window to its maximum call count per credential.
type Limits map[Window]int

// DefaultLimits returns the documented STRATZ free-tier limits per API key.
func DefaultLimits() Limits {
	return Limits{
		WindowSecond: 15,
		WindowMinute: 200,
		WindowHour:   1600,
		WindowDay:    8000,
	}
}

// Validate checks that every window has a positive limit configured.
func (l Limits) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("rate limit table is empty")
	}
	for _, w := range AllWindows {
		limit, ok := l[w]
		if !ok {
			return fmt.Errorf("rate limit for window %q missing", w)
		}
		if limit <= 0 {
			return fmt.Errorf("rate limit for window %q must be positive (got %d)", w, limit)
		}
	}
	return nil
}
