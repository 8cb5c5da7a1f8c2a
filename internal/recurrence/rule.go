package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chronflow/internal/domain"
)

// Rule is the validated, immutable form of a task's schedule. Build it with
// FromTask; NextDue assumes every field combination here is legal.
type Rule struct {
	Kind domain.Frequency

	Hour   int
	Minute int
	Loc    *time.Location

	Weekday time.Weekday // weekly
	Day     int          // monthly day-of-month; also yearly/once day
	Month   time.Month   // yearly/once
	Year    int          // once
}

// FromTask validates the schedule fields of t and returns the rule. All
// configuration errors surface here, at create/update time, so the
// calculator never has to report them.
func FromTask(t domain.Task) (Rule, error) {
	r := Rule{Kind: t.Frequency}

	h, m, err := parseHHMM(t.TimeOfDay)
	if err != nil {
		return Rule{}, err
	}
	r.Hour, r.Minute = h, m

	if strings.TrimSpace(t.Timezone) == "" {
		return Rule{}, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	r.Loc = loc

	switch t.Frequency {
	case domain.Daily:
		// time + zone only
	case domain.Weekly:
		if t.Weekday == "" {
			return Rule{}, fmt.Errorf("weekly task requires a weekday")
		}
		wd, err := domain.ParseWeekday(t.Weekday)
		if err != nil {
			return Rule{}, err
		}
		r.Weekday = wd
	case domain.Once, domain.Yearly, domain.Monthly:
		if t.Date == "" {
			return Rule{}, fmt.Errorf("%s task requires a date", t.Frequency)
		}
		d, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid date %q: %w", t.Date, err)
		}
		r.Year = d.Year()
		r.Month = d.Month()
		r.Day = d.Day()
	default:
		return Rule{}, fmt.Errorf("unknown frequency %q", t.Frequency)
	}
	return r, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
