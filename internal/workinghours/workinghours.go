package workinghours

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"vpcal-service/internal/tz"
)

// Weekday keys of the weekly template, as stored.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// Weekdays in ISO order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// WeekdayFrom maps a time.Weekday to its template key.
func WeekdayFrom(d time.Weekday) Weekday {
	if d == time.Sunday {
		return Sunday
	}
	return Weekdays[int(d)-1]
}

func (w Weekday) valid() bool {
	for _, d := range Weekdays {
		if d == w {
			return true
		}
	}
	return false
}

const (
	DefaultBufferMinutes = 15
	defaultOpen          = "09:00"
	defaultClose         = "17:00"
)

// TimeWindow is an open interval of civil time, HH:MM on both ends.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w TimeWindow) minutes() (int, int, error) {
	s, err := tz.ParseClock(w.Start)
	if err != nil {
		return 0, 0, err
	}
	e, err := tz.ParseClock(w.End)
	if err != nil {
		return 0, 0, err
	}
	return s, e, nil
}

// Template maps each weekday to its ordered, non-overlapping windows.
type Template map[Weekday][]TimeWindow

// UnmarshalJSON accepts weekday keys case-insensitively and rejects unknown ones.
func (t *Template) UnmarshalJSON(b []byte) error {
	var raw map[string][]TimeWindow
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Template, len(raw))
	for k, v := range raw {
		day := Weekday(strings.ToLower(strings.TrimSpace(k)))
		if !day.valid() {
			return fmt.Errorf("unknown weekday %q", k)
		}
		out[day] = v
	}
	*t = out
	return nil
}

// Rule is a user's working-hour rule set. It is loaded once per request and
// passed by value into every check.
type Rule struct {
	OwnerID       string     `json:"owner_id"`
	TimeZone      string     `json:"time_zone"`
	BufferMinutes int        `json:"buffer_minutes"`
	Template      Template   `json:"working_hours"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Default returns the Monday-Friday 09:00-17:00 rule with a 15 minute buffer.
func Default(ownerID, zoneID string) Rule {
	t := make(Template, len(Weekdays))
	for _, d := range Weekdays {
		switch d {
		case Saturday, Sunday:
			t[d] = []TimeWindow{}
		default:
			t[d] = []TimeWindow{{Start: defaultOpen, End: defaultClose}}
		}
	}
	return Rule{OwnerID: ownerID, TimeZone: zoneID, BufferMinutes: DefaultBufferMinutes, Template: t}
}

// Buffer returns the buffer as a duration.
func (r Rule) Buffer() time.Duration {
	return time.Duration(r.BufferMinutes) * time.Minute
}

// Validate checks the buffer, the zone and every window, and sorts each
// weekday's windows by start time.
func (r *Rule) Validate() error {
	if r.BufferMinutes < 0 {
		return fmt.Errorf("buffer_minutes must be non-negative")
	}
	if _, err := tz.Load(r.TimeZone); err != nil {
		return err
	}
	for day, windows := range r.Template {
		if !day.valid() {
			return fmt.Errorf("unknown weekday %q", day)
		}
		sorted := append([]TimeWindow(nil), windows...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		prevEnd := -1
		for _, w := range sorted {
			s, e, err := w.minutes()
			if err != nil {
				return fmt.Errorf("%s: %w", day, err)
			}
			if s >= e {
				return fmt.Errorf("%s: window %s-%s must start before it ends", day, w.Start, w.End)
			}
			if s < prevEnd {
				return fmt.Errorf("%s: window %s-%s overlaps the previous window", day, w.Start, w.End)
			}
			prevEnd = e
		}
		r.Template[day] = sorted
	}
	return nil
}

// Window is a template window anchored to instants on a specific date.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsWithinWorkingHours reports whether the instant's wall-clock time in the
// owner's zone falls inside any window of that weekday. Both window ends are
// inclusive.
func IsWithinWorkingHours(rule Rule, instant time.Time) (bool, error) {
	c, err := tz.ToZoned(instant, rule.TimeZone)
	if err != nil {
		return false, err
	}
	now := c.Hour*60 + c.Minute
	for _, w := range rule.Template[WeekdayFrom(c.Weekday())] {
		s, e, err := w.minutes()
		if err != nil {
			return false, err
		}
		if now >= s && now <= e {
			return true, nil
		}
	}
	return false, nil
}

// WindowsFor resolves the template for one civil date in the owner's zone.
func WindowsFor(rule Rule, date tz.CivilDate) ([]Window, error) {
	windows := rule.Template[WeekdayFrom(date.Weekday())]
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		start, err := tz.ApplyCivilTime(w.Start, date, rule.TimeZone)
		if err != nil {
			return nil, err
		}
		end, err := tz.ApplyCivilTime(w.End, date, rule.TimeZone)
		if err != nil {
			return nil, err
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out, nil
}

// ContainsInterval reports whether [start, end] lies inside a single window
// on the start's civil date, both ends inclusive.
func ContainsInterval(rule Rule, start, end time.Time) (bool, error) {
	c, err := tz.ToZoned(start, rule.TimeZone)
	if err != nil {
		return false, err
	}
	windows, err := WindowsFor(rule, c.CivilDate)
	if err != nil {
		return false, err
	}
	start, end = tz.Truncate(start), tz.Truncate(end)
	for _, w := range windows {
		if !start.Before(w.Start) && !end.After(w.End) {
			return true, nil
		}
	}
	return false, nil
}
