package conflict

import (
	"context"
	"time"

	"vpcal-service/internal/busy"
	"vpcal-service/internal/meeting"
)

type BusySource interface {
	BusyIntervals(ctx context.Context, userID string, from, to time.Time) (busy.Result, error)
}

// Pad extends [start, end) outward by bufferMinutes on both sides.
func Pad(start, end time.Time, bufferMinutes int) (time.Time, time.Time) {
	b := time.Duration(bufferMinutes) * time.Minute
	return start.Add(-b), end.Add(b)
}

// Blocked reports whether the padded candidate strictly overlaps any interval.
// Intervals that only touch the padded edge do not block.
func Blocked(start, end time.Time, bufferMinutes int, intervals []busy.Interval) bool {
	ps, pe := Pad(start, end, bufferMinutes)
	for _, iv := range intervals {
		if meeting.Overlaps(ps, pe, iv.Start, iv.End) {
			return true
		}
	}
	return false
}

type Detector struct {
	busy BusySource
}

func NewDetector(src BusySource) *Detector {
	return &Detector{busy: src}
}

// HasConflict fetches busy time for the padded candidate and tests it.
func (d *Detector) HasConflict(ctx context.Context, userID string, start, end time.Time, bufferMinutes int) (bool, error) {
	c, _, err := d.Check(ctx, userID, start, end, bufferMinutes)
	return c, err
}

// HasConflictExcluding is HasConflict with the stored meeting excludeID left
// out of the busy time, so a meeting being moved does not block itself.
func (d *Detector) HasConflictExcluding(ctx context.Context, userID string, start, end time.Time, bufferMinutes int, excludeID string) (bool, error) {
	ps, pe := Pad(start, end, bufferMinutes)
	res, err := d.busy.BusyIntervals(ctx, userID, ps, pe)
	if err != nil {
		return false, err
	}
	kept := res.Intervals[:0:0]
	for _, iv := range res.Intervals {
		if excludeID == "" || iv.MeetingID != excludeID {
			kept = append(kept, iv)
		}
	}
	return Blocked(start, end, bufferMinutes, kept), nil
}

// Check is HasConflict that also returns the busy result, so callers can see
// which external sources were omitted.
func (d *Detector) Check(ctx context.Context, userID string, start, end time.Time, bufferMinutes int) (bool, busy.Result, error) {
	ps, pe := Pad(start, end, bufferMinutes)
	res, err := d.busy.BusyIntervals(ctx, userID, ps, pe)
	if err != nil {
		return false, busy.Result{}, err
	}
	return Blocked(start, end, bufferMinutes, res.Intervals), res, nil
}

// View holds busy time fetched once for a whole range so many candidates can
// be tested without further I/O.
type View struct {
	bufferMinutes int
	result        busy.Result
}

// View fetches busy time covering [from, to] padded by the buffer.
func (d *Detector) View(ctx context.Context, userID string, from, to time.Time, bufferMinutes int) (*View, error) {
	ps, pe := Pad(from, to, bufferMinutes)
	res, err := d.busy.BusyIntervals(ctx, userID, ps, pe)
	if err != nil {
		return nil, err
	}
	return &View{bufferMinutes: bufferMinutes, result: res}, nil
}

func (v *View) HasConflict(start, end time.Time) bool {
	return Blocked(start, end, v.bufferMinutes, v.result.Intervals)
}

func (v *View) Result() busy.Result { return v.result }
