package schedule

import "time"

// NextRun computes the earliest occurrence of s strictly after now.
// It returns ok=false when the rule has no further occurrences: the schedule
// is exhausted (past EndTime), a one-shot whose instant already elapsed, a
// weekly rule with no weekdays, or a monthly rule with an out-of-range day.
//
// The calculation is pure: the caller supplies now, typically from a Clock.
// An occurrence exactly equal to now counts as already elapsed.
func NextRun(s Schedule, now time.Time) (time.Time, bool) {
	if !s.EndTime.IsZero() && now.After(s.EndTime) {
		return time.Time{}, false
	}
	if now.Before(s.StartTime) {
		return s.StartTime, true
	}

	switch s.Repeat {
	case RepeatNone:
		// StartTime <= now: the single occurrence already elapsed.
		return time.Time{}, false

	case RepeatDaily:
		cand := atTimeOfDay(now, s.StartTime)
		if !cand.After(now) {
			cand = cand.AddDate(0, 0, 1)
		}
		return clampEnd(s, cand)

	case RepeatWeekly:
		if len(s.Weekdays) == 0 {
			return time.Time{}, false
		}
		// Walk today plus the next seven days; the wrap to next week lands on
		// the earliest configured weekday.
		for off := 0; off <= 7; off++ {
			cand := atTimeOfDay(now.AddDate(0, 0, off), s.StartTime)
			if !s.HasWeekday(cand.Weekday()) {
				continue
			}
			if cand.After(now) {
				return clampEnd(s, cand)
			}
		}
		return time.Time{}, false

	case RepeatMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, false
		}
		// Months lacking the configured day are skipped, never clamped to
		// their last day: "run on the 31st" does not mean "run on Feb 28".
		year, month := now.Year(), now.Month()
		for i := 0; i < 48; i++ {
			if s.DayOfMonth <= daysIn(year, month) {
				cand := onDay(year, month, s.DayOfMonth, s.StartTime)
				if cand.After(now) {
					return clampEnd(s, cand)
				}
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return time.Time{}, false
	}

	return time.Time{}, false
}

// atTimeOfDay builds an instant on ref's calendar day carrying tod's
// time-of-day, in tod's location.
func atTimeOfDay(ref, tod time.Time) time.Time {
	loc := tod.Location()
	d := ref.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, loc)
}

func onDay(year int, month time.Month, day int, tod time.Time) time.Time {
	loc := tod.Location()
	return time.Date(year, month, day, tod.Hour(), tod.Minute(), tod.Second(), 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clampEnd(s Schedule, cand time.Time) (time.Time, bool) {
	if !s.EndTime.IsZero() && cand.After(s.EndTime) {
		return time.Time{}, false
	}
	return cand, true
}
