// Package buywindow computes the instant purchasing opens for a session.
package buywindow

import "time"

// Calculator maps a session's scheduled date and minimum lead days to
// the wall-clock instant its buy window opens.
type Calculator struct {
	Hour   int
	Minute int
	Loc    *time.Location
}

func New(hour, minute int, loc *time.Location) Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return Calculator{Hour: hour, Minute: minute, Loc: loc}
}

// OpenAt subtracts leadDays whole days from the session date and pins
// the time of day to the configured wall clock in the configured zone.
// Resolving through the named zone (rather than a fixed UTC offset)
// keeps the result correct across DST transitions.
func (c Calculator) OpenAt(sessionDate time.Time, leadDays int) time.Time {
	d := sessionDate.In(c.Loc).AddDate(0, 0, -leadDays)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, c.Loc)
}
