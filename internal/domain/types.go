package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frequency selects which Task fields are meaningful: Weekly uses Weekday,
// Once/Monthly/Yearly use Date.
type Frequency string

const (
	Once    Frequency = "once"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	// RunClaimed marks a run between claim and completion; visible only if
	// the process dies mid-execution.
	RunClaimed RunStatus = "running"
)

type Task struct {
	ID        string
	Name      string
	Frequency Frequency
	TimeOfDay string // "HH:MM" wall clock, evaluated in Timezone
	Timezone  string // IANA zone name
	Weekday   string // weekly only
	Date      string // "YYYY-MM-DD"; once uses all of it, yearly month+day, monthly day

	Executor string
	Payload  json.RawMessage

	IsActive      bool
	LastRunAt     *time.Time
	LastRunStatus RunStatus
	LastRunError  string
	// NextRunAt is an advisory cache for display; triggering never reads it.
	NextRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
