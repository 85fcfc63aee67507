package sched

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:00", TimeOfDay{9, 0}, false},
		{"00:00", TimeOfDay{0, 0}, false},
		{"23:59", TimeOfDay{23, 59}, false},
		{"9:5", TimeOfDay{9, 5}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
		{"12", TimeOfDay{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDue(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatal(err)
	}
	at := TimeOfDay{9, 0}
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, loc)
	}

	tests := []struct {
		name    string
		now     time.Time
		lastRun string
		want    bool
	}{
		{"before trigger", day(8, 59), "", false},
		{"exactly at trigger", day(9, 0), "", true},
		{"just after trigger", day(9, 1), "", true},
		{"late catch-up same day", day(15, 30), "", true},
		{"end of day still catches up", day(23, 59), "", true},
		{"already ran today", day(9, 5), "2026-03-10", false},
		{"already ran today, late tick", day(18, 0), "2026-03-10", false},
		{"ran yesterday", day(9, 0), "2026-03-09", true},
		{"ran yesterday but before trigger", day(8, 0), "2026-03-09", false},
		{"midnight rollover resets", time.Date(2026, 3, 11, 0, 1, 0, 0, loc), "2026-03-10", false},
		{"next day at trigger runs again", time.Date(2026, 3, 11, 9, 0, 0, 0, loc), "2026-03-10", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Due(tt.now, at, tt.lastRun, loc); got != tt.want {
				t.Fatalf("Due(%v, %v, %q) = %v, want %v", tt.now, at, tt.lastRun, got, tt.want)
			}
		})
	}
}

// The 09:00 trigger with a one-minute tick: the 09:00:30 tick fires, 09:01
// and every later tick that day stay quiet.
func TestDueOncePerDayAcrossTicks(t *testing.T) {
	loc := time.UTC
	at := TimeOfDay{9, 0}
	lastRun := ""
	fired := 0
	tick := time.Date(2026, 3, 10, 8, 58, 30, 0, loc)
	for i := 0; i < 120; i++ {
		if Due(tick, at, lastRun, loc) {
			fired++
			lastRun = "2026-03-10"
		}
		tick = tick.Add(time.Minute)
	}
	if fired != 1 {
		t.Fatalf("fired %d times across the day, want exactly 1", fired)
	}
}

// A process down at 09:00 and restarted at 09:05 still runs that day's task.
func TestDueRestartRecovery(t *testing.T) {
	loc := time.UTC
	at := TimeOfDay{9, 0}
	restart := time.Date(2026, 3, 10, 9, 5, 0, 0, loc)
	if !Due(restart, at, "2026-03-09", loc) {
		t.Fatal("missed trigger must still fire after restart")
	}
	if Due(restart, at, "2026-03-10", loc) {
		t.Fatal("task that already ran before the crash must not repeat")
	}
}
