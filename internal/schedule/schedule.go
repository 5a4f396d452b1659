// Package schedule defines the recurring-execution rule model and the pure
// next-occurrence calculator used by the scheduler service.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Repeat is the closed set of recurrence kinds.
type Repeat int

const (
	RepeatNone Repeat = iota
	RepeatDaily
	RepeatWeekly
	RepeatMonthly
)

func (r Repeat) String() string {
	switch r {
	case RepeatNone:
		return "none"
	case RepeatDaily:
		return "daily"
	case RepeatWeekly:
		return "weekly"
	case RepeatMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// ParseRepeat converts a stored repeat kind back into the enum.
func ParseRepeat(s string) (Repeat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RepeatNone, nil
	case "daily":
		return RepeatDaily, nil
	case "weekly":
		return RepeatWeekly, nil
	case "monthly":
		return RepeatMonthly, nil
	default:
		return RepeatNone, fmt.Errorf("unknown repeat kind %q", s)
	}
}

var (
	ErrMissingID      = errors.New("schedule id required")
	ErrMissingScene   = errors.New("scene id required")
	ErrMissingStart   = errors.New("start time required")
	ErrDayOfMonth     = errors.New("day of month must be within [1,31]")
	ErrWeekdayRange   = errors.New("weekday must be within [0,6]")
	ErrEndBeforeStart = errors.New("end time precedes start time")
)

// Schedule is a plain immutable rule value. It deliberately carries no
// persistence-layer baggage; the storage drivers map to and from it.
type Schedule struct {
	ID      string
	SceneID string

	// StartTime defines the time-of-day for recurring kinds and the exact
	// occurrence for one-shot schedules.
	StartTime time.Time
	// EndTime bounds the last valid occurrence. Zero means unbounded.
	EndTime time.Time

	Repeat Repeat
	// Weekdays is meaningful only for RepeatWeekly (Sunday=0).
	Weekdays []time.Weekday
	// DayOfMonth is meaningful only for RepeatMonthly (1-31).
	DayOfMonth int

	Active  bool
	LastRun time.Time
	NextRun time.Time
}

// Validate rejects rules that are structurally broken. An empty weekday set on
// a weekly rule is deliberately not an error here: it is tolerated as a rule
// with no occurrences so a bad external edit cannot be rejected into limbo.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(s.SceneID) == "" {
		return ErrMissingScene
	}
	if s.StartTime.IsZero() {
		return ErrMissingStart
	}
	if !s.EndTime.IsZero() && s.EndTime.Before(s.StartTime) {
		return ErrEndBeforeStart
	}
	if s.Repeat == RepeatMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return ErrDayOfMonth
	}
	if s.Repeat == RepeatWeekly {
		for _, d := range s.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return ErrWeekdayRange
			}
		}
	}
	return nil
}

// HasWeekday reports whether d is part of the weekly rule.
func (s Schedule) HasWeekday(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// FormatWeekdays renders a weekday set as stable "1,3,5" storage form.
func FormatWeekdays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	ints := make([]int, 0, len(days))
	for _, d := range days {
		ints = append(ints, int(d))
	}
	sort.Ints(ints)
	parts := make([]string, 0, len(ints))
	for _, d := range ints {
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays parses the storage form produced by FormatWeekdays.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}
