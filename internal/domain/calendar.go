package domain

import "time"

// Calendar decides which dates are trading days.
type Calendar interface {
	IsTradingDay(d Date) bool
}

// WeekdayCalendar treats every Monday-Friday as a trading day.
type WeekdayCalendar struct{}

// IsTradingDay returns false for Saturday and Sunday.
func (WeekdayCalendar) IsTradingDay(d Date) bool {
	return !IsWeekend(d)
}

// HolidayCalendar is a WeekdayCalendar with an extra list of closed dates.
type HolidayCalendar struct {
	holidays map[Date]struct{}
}

// NewHolidayCalendar builds a calendar closed on weekends and on every given date.
func NewHolidayCalendar(holidays []Date) *HolidayCalendar {
	m := make(map[Date]struct{}, len(holidays))
	for _, h := range holidays {
		m[h] = struct{}{}
	}
	return &HolidayCalendar{holidays: m}
}

func (c *HolidayCalendar) IsTradingDay(d Date) bool {
	if IsWeekend(d) {
		return false
	}
	_, closed := c.holidays[d]
	return !closed
}

// IsWeekend reports whether d falls on Saturday or Sunday.
func IsWeekend(d Date) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// maxCalendarScan bounds the backwards walk so a misconfigured calendar
// (everything closed) cannot loop forever.
const maxCalendarScan = 366

// PreviousTradingDay returns the latest trading day strictly before d.
// If the calendar closes every day in the scan window it falls back to the
// latest weekday before d.
func PreviousTradingDay(cal Calendar, d Date) Date {
	if cal == nil {
		cal = WeekdayCalendar{}
	}
	for i := 1; i <= maxCalendarScan; i++ {
		candidate := d.AddDays(-i)
		if cal.IsTradingDay(candidate) {
			return candidate
		}
	}
	return PreviousTradingDay(WeekdayCalendar{}, d)
}
