// Package maintenance decides whether a non-emergency update may be applied at a given instant.
package maintenance

import (
	"fmt"
	"strings"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// IsInWindow reports whether instant falls inside w. The instant is converted
// to the window's time zone; the local weekday must be listed and the local
// time of day must lie in [start, end], both ends inclusive.
//
// Windows are evaluated on a single local calendar day. A window whose start
// is after its end never matches; overnight windows must be written as two
// windows.
func IsInWindow(w models.MaintenanceWindow, instant time.Time) bool {
	loc, err := location(w.TimeZone)
	if err != nil {
		return false
	}
	start, err := ParseTimeOfDay(w.StartTime)
	if err != nil {
		return false
	}
	end, err := ParseTimeOfDay(w.EndTime)
	if err != nil {
		return false
	}

	local := instant.In(loc)
	if !containsDay(w.Days, local.Weekday()) {
		return false
	}

	tod := sinceMidnight(local)
	return tod >= start && tod <= end
}

// AnyOpen reports whether instant falls inside any of the windows.
func AnyOpen(windows []models.MaintenanceWindow, instant time.Time) bool {
	for _, w := range windows {
		if IsInWindow(w, instant) {
			return true
		}
	}
	return false
}

// Validate checks a window for unparseable fields. Overnight windows are rejected.
func Validate(w models.MaintenanceWindow) error {
	if len(w.Days) == 0 {
		return fmt.Errorf("maintenance window has no days")
	}
	for _, d := range w.Days {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	if _, err := location(w.TimeZone); err != nil {
		return err
	}
	start, err := ParseTimeOfDay(w.StartTime)
	if err != nil {
		return err
	}
	end, err := ParseTimeOfDay(w.EndTime)
	if err != nil {
		return err
	}
	if start > end {
		return fmt.Errorf("window %s-%s spans midnight; split it into two windows", w.StartTime, w.EndTime)
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	layouts := []string{"15:04:05", "15:04"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func containsDay(days []string, day time.Weekday) bool {
	for _, d := range days {
		if parsed, ok := ParseWeekday(d); ok && parsed == day {
			return true
		}
	}
	return false
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func location(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", name, err)
	}
	return loc, nil
}
