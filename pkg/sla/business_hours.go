package sla

import (
	"fmt"
	"time"
)

// BusinessCalendar is a Monday–Friday working window [OpenHour, CloseHour) in Location
type BusinessCalendar struct {
	Location  *time.Location
	OpenHour  int
	CloseHour int
}

func NewBusinessCalendar(loc *time.Location, openHour, closeHour int) (BusinessCalendar, error) {
	if loc == nil {
		return BusinessCalendar{}, fmt.Errorf("business calendar needs a location")
	}
	if openHour < 0 || closeHour > 24 || openHour >= closeHour {
		return BusinessCalendar{}, fmt.Errorf("invalid business hours %d-%d", openHour, closeHour)
	}
	return BusinessCalendar{Location: loc, OpenHour: openHour, CloseHour: closeHour}, nil
}

// Adjust rolls a deadline forward out of weekends and non-working hours. The roll
// is applied once; the result is never earlier than referenceNow.
//
//   - Saturday or Sunday: next Monday at opening time
//   - at or after closing: next business day at opening time
//   - before opening: same day at opening time
func (c BusinessCalendar) Adjust(deadline, referenceNow time.Time) time.Time {
	local := deadline.In(c.Location)
	adjusted := deadline

	switch local.Weekday() {
	case time.Saturday:
		adjusted = c.opening(local.AddDate(0, 0, 2))
	case time.Sunday:
		adjusted = c.opening(local.AddDate(0, 0, 1))
	default:
		if local.Hour() >= c.CloseHour {
			adjusted = c.opening(nextWeekday(local.AddDate(0, 0, 1)))
		} else if local.Hour() < c.OpenHour {
			adjusted = c.opening(local)
		}
	}

	if adjusted.Before(referenceNow) {
		return referenceNow
	}
	return adjusted
}

func (c BusinessCalendar) opening(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.OpenHour, 0, 0, 0, c.Location)
}

func nextWeekday(day time.Time) time.Time {
	switch day.Weekday() {
	case time.Saturday:
		return day.AddDate(0, 0, 2)
	case time.Sunday:
		return day.AddDate(0, 0, 1)
	}
	return day
}
