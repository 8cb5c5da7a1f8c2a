package recurrence

import (
	"time"

	"chronflow/internal/domain"
)

// NextDue returns the earliest instant at or after ref whose wall-clock time
// in the rule's zone equals the rule's time-of-day and whose calendar
// constraints hold. ok is false when no future occurrence exists (a Once
// rule already past). All arithmetic runs in the rule's own location so a
// 09:00 task stays at local 09:00 across DST transitions.
func NextDue(r Rule, ref time.Time) (due time.Time, ok bool) {
	local := ref.In(r.Loc)

	switch r.Kind {
	case domain.Once:
		occ := time.Date(r.Year, r.Month, r.Day, r.Hour, r.Minute, 0, 0, r.Loc)
		if occ.Before(ref) {
			return time.Time{}, false
		}
		return occ, true

	case domain.Daily:
		occ := r.at(local.Year(), local.Month(), local.Day())
		if occ.Before(ref) {
			occ = r.at(local.Year(), local.Month(), local.Day()+1)
		}
		return occ, true

	case domain.Weekly:
		// Today counts only if the time has not passed yet, so the scan
		// may need a full week plus today.
		for d := 0; d <= 7; d++ {
			occ := r.at(local.Year(), local.Month(), local.Day()+d)
			if occ.Weekday() == r.Weekday && !occ.Before(ref) {
				return occ, true
			}
		}
		return time.Time{}, false

	case domain.Monthly:
		// Months lacking the configured day (e.g. day 31 in February) are
		// skipped entirely. Four years covers every skip pattern.
		y, m := local.Year(), local.Month()
		for i := 0; i < 48; i++ {
			if r.Day <= daysIn(y, m) {
				occ := time.Date(y, m, r.Day, r.Hour, r.Minute, 0, 0, r.Loc)
				if !occ.Before(ref) {
					return occ, true
				}
			}
			m++
			if m > time.December {
				m = time.January
				y++
			}
		}
		return time.Time{}, false

	case domain.Yearly:
		// Feb 29 rules skip non-leap years; 8 years always contains a leap.
		for y := local.Year(); y <= local.Year()+8; y++ {
			if r.Day > daysIn(y, r.Month) {
				continue
			}
			occ := time.Date(y, r.Month, r.Day, r.Hour, r.Minute, 0, 0, r.Loc)
			if !occ.Before(ref) {
				return occ, true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// IsDueNow reports whether the rule has an occurrence within
// [now-tolerance, now]. Both trigger paths use this: the tolerance equals
// the reconciler tick interval so a coarse poll catches instants that fell
// between ticks without needing sub-tick precision.
func IsDueNow(r Rule, now time.Time, tolerance time.Duration) bool {
	due, ok := NextDue(r, now.Add(-tolerance))
	return ok && !due.After(now)
}

func (r Rule) at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, r.Hour, r.Minute, 0, 0, r.Loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
