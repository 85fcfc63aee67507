package sched

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cobrabot/internal/store"
)

// TimeOfDay is a configured trigger time at minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// ParseTimeOfDayOr parses "HH:MM", falling back to def on empty or bad input.
func ParseTimeOfDayOr(s string, def TimeOfDay) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return def
	}
	return t
}

// Due decides whether a daily task should fire at now.
//
// The comparison is time-passed (>=), not time-equals: a tick that is delayed,
// skipped, or resumed after a restart still fires the task once now catches
// up, as long as the ledger shows no run for today. lastRun is the ledger's
// newest run date ("YYYY-MM-DD", "" when the task never ran); loc defines
// what "today" means.
func Due(now time.Time, at TimeOfDay, lastRun string, loc *time.Location) bool {
	local := now.In(loc)
	if local.Hour()*60+local.Minute() < at.minutes() {
		return false
	}
	return lastRun != store.DateOf(now, loc)
}
