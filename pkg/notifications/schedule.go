package notifications

import (
	"fmt"
	"time"
)

// Schedule determines when the next sweep runs.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// dailySchedule fires once per day at a wall-clock time in loc.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

func (s dailySchedule) Next(from time.Time) time.Time {
	local := from.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", s.hour, s.minute, s.loc)
}

// EveryInterval runs at a fixed period. Non-positive periods fall back to one hour.
func EveryInterval(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Hour
	}
	return intervalSchedule{every: d}
}

// DailyAt runs once per day at hour:minute UTC.
func DailyAt(hour, minute int) Schedule {
	return dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

// ParseDailySchedule parses "HH:MM" into a daily UTC schedule.
func ParseDailySchedule(clock string) (Schedule, error) {
	minutes, err := parseClock(clock)
	if err != nil {
		return nil, err
	}
	return DailyAt(minutes/60, minutes%60), nil
}
