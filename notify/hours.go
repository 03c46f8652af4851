package notify

import "time"

// BusinessHours is the window in which notifications go out immediately:
// Monday to Friday, [StartHour, EndHour) in Location.
type BusinessHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
}

// DefaultBusinessHours is 08:00 to 18:00 local time
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{Location: time.Local, StartHour: 8, EndHour: 18}
}

func (b BusinessHours) loc() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

// InBusinessHours reports whether t falls inside the window
func (b BusinessHours) InBusinessHours(t time.Time) bool {
	lt := t.In(b.loc())
	if !isWeekday(lt.Weekday()) {
		return false
	}
	h := lt.Hour()
	return h >= b.StartHour && h < b.EndHour
}

// NextBusinessStart returns the next opening of the window after t: today's
// start when t is before it on a weekday, otherwise the start of the next
// weekday.
func (b BusinessHours) NextBusinessStart(t time.Time) time.Time {
	loc := b.loc()
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), b.StartHour, 0, 0, 0, loc)
	if isWeekday(lt.Weekday()) && lt.Before(start) {
		return start
	}
	for {
		start = time.Date(start.Year(), start.Month(), start.Day()+1, b.StartHour, 0, 0, 0, loc)
		if isWeekday(start.Weekday()) {
			return start
		}
	}
}

func isWeekday(d time.Weekday) bool {
	return d >= time.Monday && d <= time.Friday
}
