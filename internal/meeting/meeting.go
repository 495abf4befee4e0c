package meeting

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("meeting not found")
	// ErrOverlap is returned by a store when a write would leave two
	// blocking meetings of one VP overlapping.
	ErrOverlap = errors.New("meeting overlaps an existing meeting")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Blocking reports whether a meeting in this status occupies its time range.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Type string

func (t Type) Valid() bool {
	switch t {
	case TypeInPerson, TypeVirtual, TypePhone:
		return true
	}
	return false
}

const (
	TypeInPerson Type = "IN_PERSON"
	TypeVirtual  Type = "VIRTUAL"
	TypePhone    Type = "PHONE"
)

// BookedByPublic marks meetings created through a VP's public booking page.
const BookedByPublic = "public"

type Meeting struct {
	ID            string    `json:"id"`
	VPOwner       string    `json:"vp_id"`
	AttendeeID    string    `json:"attendee_id,omitempty"`
	AttendeeEmail string    `json:"attendee_email,omitempty"`
	AttendeeName  string    `json:"attendee_name,omitempty"`
	BookedBy      string    `json:"booked_by"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        Status    `json:"status"`
	Type          Type      `json:"type,omitempty"`
	Title         string    `json:"title,omitempty"`
	Location      string    `json:"location,omitempty"`
	// BufferMinutes is the VP's buffer at booking time.
	BufferMinutes int       `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Overlaps is the strict open-interval test shared by every overlap check.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// CanTransition reports whether an update may move a meeting from s to next.
// Cancellation has its own operation and is not a transition here.
func (s Status) CanTransition(next Status) bool {
	switch {
	case s == next:
		return s.Blocking()
	case s == StatusPending:
		return next == StatusConfirmed || next == StatusCompleted
	case s == StatusConfirmed:
		return next == StatusCompleted
	}
	return false
}

// Filter narrows a listing. Zero fields match everything; From and To bound
// the start time as [From, To).
type Filter struct {
	From   time.Time
	To     time.Time
	Status Status
	Type   Type
}

func (f Filter) Match(m Meeting) bool {
	if !f.From.IsZero() && m.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.StartTime.Before(f.To) {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return f.Type == "" || m.Type == f.Type
}

// Stats counts a VP's meetings by status. Upcoming counts blocking meetings
// that have not started yet.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Cancelled int `json:"cancelled"`
	Completed int `json:"completed"`
	Upcoming  int `json:"upcoming"`
}

func Summarize(ms []Meeting, now time.Time) Stats {
	var st Stats
	for _, m := range ms {
		st.Total++
		switch m.Status {
		case StatusPending:
			st.Pending++
		case StatusConfirmed:
			st.Confirmed++
		case StatusCancelled:
			st.Cancelled++
		case StatusCompleted:
			st.Completed++
		}
		if m.Status.Blocking() && !m.StartTime.Before(now) {
			st.Upcoming++
		}
	}
	return st
}
