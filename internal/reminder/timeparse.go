package reminder

import (
	"strings"
	"time"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3:04:05 PM",
}

// ParseFireTime combines a date and a time-of-day into one instant in loc.
// The time may itself be a full ISO datetime, in which case date is ignored.
// Otherwise it may be 24-hour "HH:MM" or 12-hour "H:MM AM/PM".
func ParseFireTime(date, clock string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	clock = strings.TrimSpace(clock)
	date = strings.TrimSpace(date)

	if t, ok := parseISO(clock, loc); ok {
		return t, true
	}
	if clock == "" {
		// Some records carry the whole instant in the date field.
		if strings.ContainsAny(date, "T ") {
			return parseISO(date, loc)
		}
		return time.Time{}, false
	}

	if len(date) < len("2006-01-02") {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", date[:10], loc)
	if err != nil {
		return time.Time{}, false
	}

	tod, ok := parseClock(clock)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, loc), true
}

func parseISO(s string, loc *time.Location) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04") {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseClock(s string) (time.Time, bool) {
	s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
