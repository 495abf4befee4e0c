package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/tz"
	"vpcal-service/internal/workinghours"
)

var (
	ErrInvalidInterval     = errors.New("start time must be before end time")
	ErrUnauthorized        = errors.New("not permitted to act for this VP")
	ErrSchedulingConflict  = errors.New("time slot conflicts with existing busy time")
	ErrOutsideWorkingHours = errors.New("time slot is outside working hours")
	ErrNotCancellable      = errors.New("meeting cannot be cancelled")
	ErrNotUpdatable        = errors.New("meeting can no longer be changed")
	ErrInvalidTransition   = errors.New("status change not allowed")
	ErrMissingOwner        = errors.New("vp_id is required")
)

// Request is a booking request. Instants must carry an offset.
type Request struct {
	VPOwner       string
	AttendeeID    string
	AttendeeEmail string
	AttendeeName  string
	Start         time.Time
	End           time.Time
	Type          meeting.Type
	Title         string
	Location      string
}

// Update changes an existing meeting. Nil fields are left as they are.
type Update struct {
	Start    *time.Time
	End      *time.Time
	Status   *meeting.Status
	Type     *meeting.Type
	Title    *string
	Location *string
}

// Writer is the write side available inside an admission section. Both
// methods fail with meeting.ErrOverlap when the store's range exclusion
// rejects the write.
type Writer interface {
	InsertMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error)
	UpdateMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error)
}

type Store interface {
	// Admit runs fn while holding the admission lock for vpOwner. Writes made
	// through w are committed only if fn returns nil. Store reads inside fn
	// use the ctx handed to fn.
	Admit(ctx context.Context, vpOwner string, fn func(ctx context.Context, w Writer) error) error
	Meeting(ctx context.Context, id string) (meeting.Meeting, error)
	SetStatus(ctx context.Context, id string, status meeting.Status) (meeting.Meeting, error)
}

type RuleSource interface {
	Rule(ctx context.Context, userID string) (workinghours.Rule, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, delegateID, vpOwnerID string, perm delegation.Permission) (bool, error)
}

type ConflictChecker interface {
	HasConflict(ctx context.Context, userID string, start, end time.Time, bufferMinutes int) (bool, error)
	HasConflictExcluding(ctx context.Context, userID string, start, end time.Time, bufferMinutes int, excludeID string) (bool, error)
}

// Publisher is told about committed changes. Failures are logged only.
type Publisher interface {
	MeetingCreated(ctx context.Context, m meeting.Meeting) error
	MeetingCancelled(ctx context.Context, m meeting.Meeting) error
	MeetingUpdated(ctx context.Context, m meeting.Meeting) error
}

// DefaultAdmissionTimeout bounds one admission attempt, lock wait included.
const DefaultAdmissionTimeout = 15 * time.Second

type Validator struct {
	rules     RuleSource
	auth      Authorizer
	conflicts ConflictChecker
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	timeout   time.Duration
}

type Option func(*Validator)

func WithPublisher(p Publisher) Option {
	return func(v *Validator) { v.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func WithAdmissionTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func NewValidator(rules RuleSource, auth Authorizer, conflicts ConflictChecker, store Store, opts ...Option) *Validator {
	v := &Validator{
		rules:     rules,
		auth:      auth,
		conflicts: conflicts,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		timeout:   DefaultAdmissionTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CreateMeeting validates and commits a meeting for req.VPOwner on behalf of
// actingUserID. Checks run in order and stop at the first failure: interval,
// delegation, conflict, working hours.
func (v *Validator) CreateMeeting(ctx context.Context, req Request, actingUserID string) (meeting.Meeting, error) {
	req, err := normalize(req)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if actingUserID != req.VPOwner {
		ok, err := v.auth.Authorize(ctx, actingUserID, req.VPOwner, delegation.CanBook)
		if err != nil {
			return meeting.Meeting{}, err
		}
		if !ok {
			return meeting.Meeting{}, ErrUnauthorized
		}
	}
	return v.admit(ctx, req, actingUserID)
}

// BookPublic books through the VP's public page. The page itself is the VP's
// consent, so no delegation check applies.
func (v *Validator) BookPublic(ctx context.Context, req Request) (meeting.Meeting, error) {
	req, err := normalize(req)
	if err != nil {
		return meeting.Meeting{}, err
	}
	return v.admit(ctx, req, meeting.BookedByPublic)
}

func normalize(req Request) (Request, error) {
	req.VPOwner = strings.TrimSpace(req.VPOwner)
	if req.VPOwner == "" {
		return req, ErrMissingOwner
	}
	req.Start = tz.Truncate(req.Start).UTC()
	req.End = tz.Truncate(req.End).UTC()
	if !req.Start.Before(req.End) {
		return req, ErrInvalidInterval
	}
	if req.Type == "" {
		req.Type = meeting.TypeVirtual
	}
	return req, nil
}

// admit runs conflict detection, working-hours containment and the insert in
// one admission section. A store-level overlap means another booking won the
// race; the section is retried once so the outcome is decided against the
// committed state, then reported as a conflict.
func (v *Validator) admit(ctx context.Context, req Request, bookedBy string) (meeting.Meeting, error) {
	rule, err := v.rules.Rule(ctx, req.VPOwner)
	if err != nil {
		return meeting.Meeting{}, fmt.Errorf("load working hours: %w", err)
	}

	candidate := meeting.Meeting{
		ID:            v.newID(),
		VPOwner:       req.VPOwner,
		AttendeeID:    req.AttendeeID,
		AttendeeEmail: req.AttendeeEmail,
		AttendeeName:  req.AttendeeName,
		BookedBy:      bookedBy,
		StartTime:     req.Start,
		EndTime:       req.End,
		Status:        meeting.StatusPending,
		Type:          req.Type,
		Title:         req.Title,
		Location:      req.Location,
		BufferMinutes: rule.BufferMinutes,
	}

	var created meeting.Meeting
	for attempt := 0; attempt < 2; attempt++ {
		candidate.CreatedAt = v.now().UTC()
		err = v.admitSection(ctx, req.VPOwner, func(ctx context.Context, w Writer) error {
			blocked, err := v.conflicts.HasConflict(ctx, req.VPOwner, req.Start, req.End, rule.BufferMinutes)
			if err != nil {
				return err
			}
			if blocked {
				return ErrSchedulingConflict
			}
			inside, err := workinghours.ContainsInterval(rule, req.Start, req.End)
			if err != nil {
				return err
			}
			if !inside {
				return ErrOutsideWorkingHours
			}
			created, err = w.InsertMeeting(ctx, candidate)
			return err
		})
		if !errors.Is(err, meeting.ErrOverlap) {
			break
		}
		v.logger.Info("booking lost admission race", "vp_id", req.VPOwner, "attempt", attempt+1)
	}
	if errors.Is(err, meeting.ErrOverlap) {
		return meeting.Meeting{}, ErrSchedulingConflict
	}
	if err != nil {
		return meeting.Meeting{}, err
	}

	v.logger.Info("meeting booked",
		"meeting_id", created.ID, "vp_id", created.VPOwner, "booked_by", created.BookedBy,
		"start", created.StartTime.Format(time.RFC3339), "end", created.EndTime.Format(time.RFC3339))
	if v.publisher != nil {
		if err := v.publisher.MeetingCreated(ctx, created); err != nil {
			v.logger.Warn("publish meeting.created failed", "meeting_id", created.ID, "err", err)
		}
	}
	return created, nil
}

// admitSection runs one admission attempt under the admission deadline.
func (v *Validator) admitSection(ctx context.Context, vpOwner string, fn func(ctx context.Context, w Writer) error) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.store.Admit(ctx, vpOwner, fn)
}

// Get returns a meeting to its VP, its attendee, or a delegate holding
// canView.
func (v *Validator) Get(ctx context.Context, meetingID, actingUserID string) (meeting.Meeting, error) {
	m, err := v.store.Meeting(ctx, meetingID)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if actingUserID == m.VPOwner || (m.AttendeeID != "" && actingUserID == m.AttendeeID) {
		return m, nil
	}
	if err := v.requireGrant(ctx, actingUserID, m.VPOwner, delegation.CanView); err != nil {
		return meeting.Meeting{}, err
	}
	return m, nil
}

// UpdateMeeting reschedules or edits a PENDING or CONFIRMED meeting on behalf
// of its VP or a delegate holding canUpdate. A new time range goes through
// the same conflict and working-hours checks as a booking, inside an
// admission section, with the meeting's own current range ignored.
func (v *Validator) UpdateMeeting(ctx context.Context, meetingID string, u Update, actingUserID string) (meeting.Meeting, error) {
	m, err := v.store.Meeting(ctx, meetingID)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if actingUserID != m.VPOwner {
		if err := v.requireGrant(ctx, actingUserID, m.VPOwner, delegation.CanUpdate); err != nil {
			return meeting.Meeting{}, err
		}
	}
	rule, err := v.rules.Rule(ctx, m.VPOwner)
	if err != nil {
		return meeting.Meeting{}, fmt.Errorf("load working hours: %w", err)
	}

	var updated meeting.Meeting
	for attempt := 0; attempt < 2; attempt++ {
		err = v.admitSection(ctx, m.VPOwner, func(ctx context.Context, w Writer) error {
			cur, err := v.store.Meeting(ctx, meetingID)
			if err != nil {
				return err
			}
			next, moved, err := applyUpdate(cur, u)
			if err != nil {
				return err
			}
			if moved && next.Status.Blocking() {
				next.BufferMinutes = rule.BufferMinutes
				blocked, err := v.conflicts.HasConflictExcluding(ctx, next.VPOwner, next.StartTime, next.EndTime, rule.BufferMinutes, next.ID)
				if err != nil {
					return err
				}
				if blocked {
					return ErrSchedulingConflict
				}
				inside, err := workinghours.ContainsInterval(rule, next.StartTime, next.EndTime)
				if err != nil {
					return err
				}
				if !inside {
					return ErrOutsideWorkingHours
				}
			}
			updated, err = w.UpdateMeeting(ctx, next)
			return err
		})
		if !errors.Is(err, meeting.ErrOverlap) {
			break
		}
		v.logger.Info("reschedule lost admission race", "meeting_id", meetingID, "attempt", attempt+1)
	}
	if errors.Is(err, meeting.ErrOverlap) {
		return meeting.Meeting{}, ErrSchedulingConflict
	}
	if err != nil {
		return meeting.Meeting{}, err
	}

	v.logger.Info("meeting updated",
		"meeting_id", updated.ID, "vp_id", updated.VPOwner, "by", actingUserID, "status", updated.Status,
		"start", updated.StartTime.Format(time.RFC3339), "end", updated.EndTime.Format(time.RFC3339))
	if v.publisher != nil {
		if err := v.publisher.MeetingUpdated(ctx, updated); err != nil {
			v.logger.Warn("publish meeting.updated failed", "meeting_id", updated.ID, "err", err)
		}
	}
	return updated, nil
}

// applyUpdate returns cur with u applied and whether the time range changed.
func applyUpdate(cur meeting.Meeting, u Update) (meeting.Meeting, bool, error) {
	if !cur.Status.Blocking() {
		return meeting.Meeting{}, false, ErrNotUpdatable
	}
	next := cur
	if u.Start != nil {
		next.StartTime = tz.Truncate(*u.Start).UTC()
	}
	if u.End != nil {
		next.EndTime = tz.Truncate(*u.End).UTC()
	}
	if !next.StartTime.Before(next.EndTime) {
		return meeting.Meeting{}, false, ErrInvalidInterval
	}
	if u.Status != nil {
		if !cur.Status.CanTransition(*u.Status) {
			return meeting.Meeting{}, false, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.Status, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.Type != nil {
		next.Type = *u.Type
	}
	if u.Title != nil {
		next.Title = *u.Title
	}
	if u.Location != nil {
		next.Location = *u.Location
	}
	moved := !next.StartTime.Equal(cur.StartTime) || !next.EndTime.Equal(cur.EndTime)
	return next, moved, nil
}

func (v *Validator) requireGrant(ctx context.Context, actingUserID, vpOwner string, perm delegation.Permission) error {
	ok, err := v.auth.Authorize(ctx, actingUserID, vpOwner, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Cancel cancels a PENDING or CONFIRMED meeting. The VP, the attendee, or a
// delegate holding canCancel may cancel.
func (v *Validator) Cancel(ctx context.Context, meetingID, actingUserID string) (meeting.Meeting, error) {
	m, err := v.store.Meeting(ctx, meetingID)
	if err != nil {
		return meeting.Meeting{}, err
	}
	if actingUserID != m.VPOwner && (m.AttendeeID == "" || actingUserID != m.AttendeeID) {
		if err := v.requireGrant(ctx, actingUserID, m.VPOwner, delegation.CanCancel); err != nil {
			return meeting.Meeting{}, err
		}
	}
	if m.Status == meeting.StatusCancelled {
		return m, nil
	}
	if !m.Status.Blocking() {
		return meeting.Meeting{}, ErrNotCancellable
	}
	cancelled, err := v.store.SetStatus(ctx, meetingID, meeting.StatusCancelled)
	if err != nil {
		return meeting.Meeting{}, err
	}
	v.logger.Info("meeting cancelled", "meeting_id", cancelled.ID, "vp_id", cancelled.VPOwner, "by", actingUserID)
	if v.publisher != nil {
		if err := v.publisher.MeetingCancelled(ctx, cancelled); err != nil {
			v.logger.Warn("publish meeting.cancelled failed", "meeting_id", cancelled.ID, "err", err)
		}
	}
	return cancelled, nil
}
