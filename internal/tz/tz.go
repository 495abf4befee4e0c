package tz

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimeZone is returned when a stored zone identifier cannot be
// resolved against the zone database.
var ErrInvalidTimeZone = errors.New("invalid time zone")

// CivilDate is a calendar date without a zone.
type CivilDate struct {
	Year  int
	Month time.Month
	Day   int
}

// CivilDateTime is a wall-clock date and time of day, minute resolution.
type CivilDateTime struct {
	CivilDate
	Hour   int
	Minute int
}

// DateOf returns the civil date of t as seen in t's own location.
func DateOf(t time.Time) CivilDate {
	y, m, d := t.Date()
	return CivilDate{Year: y, Month: m, Day: d}
}

// AddDays returns the date n calendar days later, normalised.
func (d CivilDate) AddDays(n int) CivilDate {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Before reports whether d is strictly earlier than o.
func (d CivilDate) Before(o CivilDate) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// Weekday of the date, independent of zone.
func (d CivilDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d CivilDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Load resolves a zone identifier. An empty identifier means UTC.
func Load(zoneID string) (*time.Location, error) {
	zoneID = strings.TrimSpace(zoneID)
	if zoneID == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zoneID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, zoneID)
	}
	return loc, nil
}

// Truncate drops seconds and sub-second precision.
func Truncate(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// ToZoned converts an instant to wall-clock time in zoneID.
func ToZoned(instant time.Time, zoneID string) (CivilDateTime, error) {
	loc, err := Load(zoneID)
	if err != nil {
		return CivilDateTime{}, err
	}
	z := Truncate(instant).In(loc)
	return CivilDateTime{CivilDate: DateOf(z), Hour: z.Hour(), Minute: z.Minute()}, nil
}

// ToInstant interprets a civil date-time in zoneID. Wall-clock times skipped
// by a DST gap are normalised forward the way time.Date does.
func ToInstant(c CivilDateTime, zoneID string) (time.Time, error) {
	loc, err := Load(zoneID)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, 0, 0, loc), nil
}

// CivilTimeOf renders the instant's wall-clock time in zoneID as HH:MM.
func CivilTimeOf(instant time.Time, zoneID string) (string, error) {
	c, err := ToZoned(instant, zoneID)
	if err != nil {
		return "", err
	}
	return FormatClock(c.Hour*60 + c.Minute), nil
}

// WeekdayOf returns the weekday of the instant in zoneID.
func WeekdayOf(instant time.Time, zoneID string) (time.Weekday, error) {
	c, err := ToZoned(instant, zoneID)
	if err != nil {
		return 0, err
	}
	return c.Weekday(), nil
}

// ApplyCivilTime anchors an HH:MM clock reading to a date in zoneID.
func ApplyCivilTime(hhmm string, date CivilDate, zoneID string) (time.Time, error) {
	mins, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return ToInstant(CivilDateTime{CivilDate: date, Hour: mins / 60, Minute: mins % 60}, zoneID)
}

// ParseClock parses HH:MM or HH:MM:SS (00:00-23:59) into minutes after
// midnight. Seconds are dropped.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	var layout string
	switch len(s) {
	case len("15:04"):
		layout = "15:04"
	case len("15:04:05"):
		layout = "15:04:05"
	default:
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes after midnight as HH:MM.
func FormatClock(mins int) string {
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}
