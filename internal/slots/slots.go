package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpcal-service/internal/conflict"
	"vpcal-service/internal/tz"
	"vpcal-service/internal/workinghours"
)

var (
	ErrInvalidRange    = errors.New("range end must not be before range start")
	ErrInvalidDuration = errors.New("slot duration must be positive")
	ErrRangeTooLarge   = errors.New("requested range is too large")
)

const (
	DefaultDurationMinutes = 30
	DefaultMaxDays         = 62
)

// Slot is a candidate meeting interval.
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// Result is the candidate list plus any external sources that could not be
// consulted while tagging availability.
type Result struct {
	Slots           []Slot   `json:"slots"`
	DegradedSources []string `json:"degraded_sources,omitempty"`
}

type RuleSource interface {
	// Rule returns the user's rule, creating the default on first access.
	Rule(ctx context.Context, userID string) (workinghours.Rule, error)
}

type Generator struct {
	rules    RuleSource
	detector *conflict.Detector
	maxDays  int
}

func NewGenerator(rules RuleSource, detector *conflict.Detector, maxDays int) *Generator {
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	return &Generator{rules: rules, detector: detector, maxDays: maxDays}
}

// Generate expands the user's working hours between from and to into
// duration-sized candidates and tags each with availability.
func (g *Generator) Generate(ctx context.Context, userID string, from, to time.Time, durationMinutes int) (Result, error) {
	rule, err := g.rules.Rule(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	return g.GenerateForRule(ctx, rule, from, to, durationMinutes)
}

// GenerateForRule walks civil dates in the owner's zone from the date of from
// through the date of to, inclusive. Busy time is fetched once for the span
// of all windows. Slots that would spill past a window's end are dropped.
func (g *Generator) GenerateForRule(ctx context.Context, rule workinghours.Rule, from, to time.Time, durationMinutes int) (Result, error) {
	if durationMinutes <= 0 {
		return Result{}, ErrInvalidDuration
	}
	if to.Before(from) {
		return Result{}, ErrInvalidRange
	}
	loc, err := tz.Load(rule.TimeZone)
	if err != nil {
		return Result{}, err
	}

	first := tz.DateOf(from.In(loc))
	last := tz.DateOf(to.In(loc))
	if last.Before(first) {
		return Result{}, ErrInvalidRange
	}
	if first.AddDays(g.maxDays).Before(last) {
		return Result{}, fmt.Errorf("%w: more than %d days", ErrRangeTooLarge, g.maxDays)
	}

	var windows []workinghours.Window
	for d := first; !last.Before(d); d = d.AddDays(1) {
		ws, err := workinghours.WindowsFor(rule, d)
		if err != nil {
			return Result{}, err
		}
		windows = append(windows, ws...)
	}
	res := Result{Slots: []Slot{}}
	if len(windows) == 0 {
		return res, nil
	}

	spanStart, spanEnd := windows[0].Start, windows[0].End
	for _, w := range windows[1:] {
		if w.Start.Before(spanStart) {
			spanStart = w.Start
		}
		if w.End.After(spanEnd) {
			spanEnd = w.End
		}
	}
	view, err := g.detector.View(ctx, rule.OwnerID, spanStart, spanEnd, rule.BufferMinutes)
	if err != nil {
		return Result{}, err
	}

	length := time.Duration(durationMinutes) * time.Minute
	for _, w := range windows {
		for cursor := w.Start; !cursor.Add(length).After(w.End); cursor = cursor.Add(length) {
			end := cursor.Add(length)
			res.Slots = append(res.Slots, Slot{
				Start:     cursor.UTC(),
				End:       end.UTC(),
				Available: !view.HasConflict(cursor, end),
			})
		}
	}
	res.DegradedSources = view.Result().DegradedSources()
	if len(res.DegradedSources) == 0 {
		res.DegradedSources = nil
	}
	return res, nil
}

// IsSlotAvailable reports whether [start, end) lies inside one working-hour
// window and is free of conflicts.
func (g *Generator) IsSlotAvailable(ctx context.Context, userID string, start, end time.Time) (bool, error) {
	if !start.Before(end) {
		return false, ErrInvalidRange
	}
	rule, err := g.rules.Rule(ctx, userID)
	if err != nil {
		return false, err
	}
	inside, err := workinghours.ContainsInterval(rule, start, end)
	if err != nil || !inside {
		return false, err
	}
	blocked, err := g.detector.HasConflict(ctx, userID, start, end, rule.BufferMinutes)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}
