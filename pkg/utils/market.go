// Package utils provides market-time helpers shared across the engine.
package utils

import (
	"fmt"
	"time"
)

// IndiaLocation is the timezone for Indian markets. Expression-initialized so
// package variables in other files can build times with it safely.
var IndiaLocation = loadIndiaLocation()

func loadIndiaLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// MarketOpen returns the market open time (09:15 IST) for a date.
func MarketOpen(date time.Time) time.Time {
	return ClockOn(date, 9, 15)
}

// MarketClose returns the market close time (15:30 IST) for a date.
func MarketClose(date time.Time) time.Time {
	return ClockOn(date, 15, 30)
}

// SquareOffTime returns the intraday auto-square-off time (15:15 IST) for a date.
func SquareOffTime(date time.Time) time.Time {
	return ClockOn(date, 15, 15)
}

// ClockOn places an hour:minute wall-clock on the given date in IST.
func ClockOn(date time.Time, hour, minute int) time.Time {
	d := date.In(IndiaLocation)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, IndiaLocation)
}

// ParseClockOn parses an "HH:MM" string onto the given date in IST.
func ParseClockOn(date time.Time, clock string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(clock, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parsing clock %q: %w", clock, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("clock %q out of range", clock)
	}
	return ClockOn(date, hour, minute), nil
}

// NextFiveMinuteBoundary returns the first 5-minute candle boundary strictly
// after t.
func NextFiveMinuteBoundary(t time.Time) time.Time {
	t = t.In(IndiaLocation)
	truncated := t.Truncate(5 * time.Minute)
	return truncated.Add(5 * time.Minute)
}

// IsTradingDay reports whether the date falls on a weekday. Exchange holidays
// surface as empty candle responses and are handled upstream.
func IsTradingDay(date time.Time) bool {
	wd := date.In(IndiaLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
