package booking_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/busy"
	"vpcal-service/internal/conflict"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/store/memory"
)

// 2025-12-22 is a Monday.
var monday = time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type countingChecker struct {
	inner booking.ConflictChecker
	calls atomic.Int32
}

func (c *countingChecker) HasConflict(ctx context.Context, userID string, start, end time.Time, bufferMinutes int) (bool, error) {
	c.calls.Add(1)
	return c.inner.HasConflict(ctx, userID, start, end, bufferMinutes)
}

func (c *countingChecker) HasConflictExcluding(ctx context.Context, userID string, start, end time.Time, bufferMinutes int, excludeID string) (bool, error) {
	c.calls.Add(1)
	return c.inner.HasConflictExcluding(ctx, userID, start, end, bufferMinutes, excludeID)
}

type fixture struct {
	store     *memory.Store
	checker   *countingChecker
	validator *booking.Validator
	events    *recorder
}

func newFixture(t *testing.T, zone string) *fixture {
	t.Helper()
	st := memory.New(zone)
	detector := conflict.NewDetector(busy.NewAggregator(st, st, nil))
	checker := &countingChecker{inner: detector}
	rec := &recorder{}
	v := booking.NewValidator(st, delegation.NewAuthorizer(st), checker, st, booking.WithPublisher(rec))
	return &fixture{store: st, checker: checker, validator: v, events: rec}
}

type recorder struct {
	mu        sync.Mutex
	created   []string
	cancelled []string
	updated   []string
}

func (r *recorder) MeetingCreated(ctx context.Context, m meeting.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, m.ID)
	return nil
}

func (r *recorder) MeetingCancelled(ctx context.Context, m meeting.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, m.ID)
	return nil
}

func (r *recorder) MeetingUpdated(ctx context.Context, m meeting.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, m.ID)
	return nil
}

func TestCreateMeetingByOwner(t *testing.T) {
	f := newFixture(t, "UTC")
	m, err := f.validator.CreateMeeting(context.Background(), booking.Request{
		VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30), Title: "intro",
	}, "vp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != meeting.StatusPending || m.BookedBy != "vp-1" || m.Type != meeting.TypeVirtual {
		t.Fatalf("unexpected meeting %+v", m)
	}
	if m.ID == "" {
		t.Fatalf("expected an id")
	}
	if len(f.events.created) != 1 || f.events.created[0] != m.ID {
		t.Fatalf("expected created event for %s, got %v", m.ID, f.events.created)
	}
}

func TestCreateMeetingInvalidInterval(t *testing.T) {
	f := newFixture(t, "UTC")
	_, err := f.validator.CreateMeeting(context.Background(), booking.Request{
		VPOwner: "vp-1", Start: at(10, 0), End: at(10, 0),
	}, "vp-1")
	if !errors.Is(err, booking.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if _, err := f.validator.CreateMeeting(context.Background(), booking.Request{
		Start: at(10, 0), End: at(11, 0),
	}, "vp-1"); !errors.Is(err, booking.ErrMissingOwner) {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
}

func TestDelegationGateRunsBeforeConflictCheck(t *testing.T) {
	f := newFixture(t, "UTC")
	_, err := f.validator.CreateMeeting(context.Background(), booking.Request{
		VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30),
	}, "stranger")
	if !errors.Is(err, booking.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := f.checker.calls.Load(); n != 0 {
		t.Fatalf("conflict check ran %d times for an unauthorized caller", n)
	}
}

func TestDelegateWithCanBook(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-1", Permissions: delegation.DefaultPermissions(), Active: true})
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-2", Permissions: delegation.Permissions{CanView: true}, Active: true})

	m, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "ea-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.BookedBy != "ea-1" {
		t.Fatalf("expected booked_by ea-1, got %q", m.BookedBy)
	}
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(14, 0), End: at(14, 30)}, "ea-2"); !errors.Is(err, booking.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without canBook, got %v", err)
	}
}

func TestConflictReportedBeforeWorkingHours(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	// Seeded directly so it may sit outside working hours.
	if _, err := f.store.InsertMeeting(ctx, meeting.Meeting{
		VPOwner: "vp-1", StartTime: at(17, 0), EndTime: at(18, 0), Status: meeting.StatusConfirmed,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(17, 10), End: at(17, 40)}, "vp-1")
	if !errors.Is(err, booking.ErrSchedulingConflict) {
		t.Fatalf("expected ErrSchedulingConflict, got %v", err)
	}
}

func TestOutsideWorkingHours(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	cases := []struct {
		name       string
		start, end time.Time
	}{
		{"before open", at(8, 0), at(8, 30)},
		{"spills past close", at(16, 45), at(17, 15)},
		{"saturday", at(10, 0).AddDate(0, 0, 5), at(10, 30).AddDate(0, 0, 5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: tc.start, End: tc.end}, "vp-1")
			if !errors.Is(err, booking.ErrOutsideWorkingHours) {
				t.Fatalf("expected ErrOutsideWorkingHours, got %v", err)
			}
		})
	}
	if len(f.events.created) != 0 {
		t.Fatalf("rejected bookings must not publish")
	}
}

func TestBookingInOwnerZone(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	_ = f.store.SetTimeZone(ctx, "vp-ist", "Europe/Istanbul")

	// 06:00Z is 09:00 in Istanbul.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-ist", Start: at(6, 0), End: at(7, 0)}, "vp-ist"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 05:30Z is 08:30 local.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-ist", Start: at(5, 30), End: at(5, 45)}, "vp-ist"); !errors.Is(err, booking.ErrOutsideWorkingHours) {
		t.Fatalf("expected ErrOutsideWorkingHours, got %v", err)
	}
	// 14:30Z is 17:30 local.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-ist", Start: at(13, 30), End: at(14, 30)}, "vp-ist"); !errors.Is(err, booking.ErrOutsideWorkingHours) {
		t.Fatalf("expected ErrOutsideWorkingHours, got %v", err)
	}
}

func TestBufferBlocksBackToBack(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(11, 0)}, "vp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(11, 0), End: at(11, 30)}, "vp-1"); !errors.Is(err, booking.ErrSchedulingConflict) {
		t.Fatalf("expected ErrSchedulingConflict inside the buffer, got %v", err)
	}
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(11, 15), End: at(11, 45)}, "vp-1"); err != nil {
		t.Fatalf("booking at the buffer edge should pass: %v", err)
	}
}

func TestConcurrentBookingsAdmitAtMostOne(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	const n = 16

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, booking.ErrSchedulingConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, succeeded.Load(), conflicts.Load())
	}
	ms, _ := f.store.BlockingMeetings(ctx, "vp-1", at(0, 0), at(23, 59))
	if len(ms) != 1 {
		t.Fatalf("expected one stored meeting, got %d", len(ms))
	}
}

type blindChecker struct{ calls atomic.Int32 }

func (b *blindChecker) HasConflict(ctx context.Context, userID string, start, end time.Time, bufferMinutes int) (bool, error) {
	b.calls.Add(1)
	return false, nil
}

func (b *blindChecker) HasConflictExcluding(ctx context.Context, userID string, start, end time.Time, bufferMinutes int, excludeID string) (bool, error) {
	b.calls.Add(1)
	return false, nil
}

func TestStoreOverlapRetriedThenReportedAsConflict(t *testing.T) {
	st := memory.New("UTC")
	ctx := context.Background()
	if _, err := st.InsertMeeting(ctx, meeting.Meeting{
		VPOwner: "vp-1", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	checker := &blindChecker{}
	v := booking.NewValidator(st, delegation.NewAuthorizer(st), checker, st)

	_, err := v.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 30), End: at(11, 30)}, "vp-1")
	if !errors.Is(err, booking.ErrSchedulingConflict) {
		t.Fatalf("expected ErrSchedulingConflict, got %v", err)
	}
	if n := checker.calls.Load(); n != 2 {
		t.Fatalf("expected one retry, got %d admission attempts", n)
	}
}

func TestBookPublic(t *testing.T) {
	f := newFixture(t, "UTC")
	m, err := f.validator.BookPublic(context.Background(), booking.Request{
		VPOwner: "vp-1", Start: at(9, 0), End: at(9, 30), AttendeeEmail: "guest@example.com", AttendeeName: "Guest",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.BookedBy != meeting.BookedByPublic {
		t.Fatalf("expected booked_by public, got %q", m.BookedBy)
	}
	if m.AttendeeEmail != "guest@example.com" {
		t.Fatalf("attendee not recorded: %+v", m)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-1", Permissions: delegation.DefaultPermissions(), Active: true})

	m, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", AttendeeID: "guest-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.validator.Cancel(ctx, m.ID, "stranger"); !errors.Is(err, booking.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	cancelled, err := f.validator.Cancel(ctx, m.ID, "ea-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != meeting.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if _, err := f.validator.Cancel(ctx, m.ID, "guest-1"); err != nil {
		t.Fatalf("cancelling twice should be a no-op: %v", err)
	}
	if len(f.events.cancelled) != 1 {
		t.Fatalf("expected one cancelled event, got %d", len(f.events.cancelled))
	}

	// The slot is free again.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1"); err != nil {
		t.Fatalf("slot should be free after cancel: %v", err)
	}
	if _, err := f.validator.Cancel(ctx, "missing", "vp-1"); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoweredBufferAppliesToExistingMeetings(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	setBuffer := func(minutes int) {
		t.Helper()
		r, err := f.store.Rule(ctx, "vp-1")
		if err != nil {
			t.Fatalf("rule: %v", err)
		}
		r.BufferMinutes = minutes
		if _, err := f.store.SaveRule(ctx, r); err != nil {
			t.Fatalf("save rule: %v", err)
		}
	}

	setBuffer(60)
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(11, 0)}, "vp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	setBuffer(0)
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(11, 10), End: at(11, 40)}, "vp-1"); err != nil {
		t.Fatalf("slot is free under the current buffer, got %v", err)
	}
}

func TestUpdateMeetingStatus(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	m, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	confirmed := meeting.StatusConfirmed
	got, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Status: &confirmed}, "vp-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != meeting.StatusConfirmed || !got.StartTime.Equal(m.StartTime) {
		t.Fatalf("unexpected meeting after confirm %+v", got)
	}
	if f.checker.calls.Load() != 1 {
		t.Fatalf("a status change should not rerun the conflict check")
	}

	pending := meeting.StatusPending
	if _, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Status: &pending}, "vp-1"); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	completed := meeting.StatusCompleted
	if _, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Status: &completed}, "vp-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	title := "late"
	if _, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Title: &title}, "vp-1"); !errors.Is(err, booking.ErrNotUpdatable) {
		t.Fatalf("expected ErrNotUpdatable for a completed meeting, got %v", err)
	}
	if len(f.events.updated) != 2 {
		t.Fatalf("expected two updated events, got %d", len(f.events.updated))
	}

	// A completed meeting no longer blocks its range.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1"); err != nil {
		t.Fatalf("slot should be free once completed: %v", err)
	}
}

func TestRescheduleMeeting(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-1", Permissions: delegation.DefaultPermissions(), Active: true})
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-2", Permissions: delegation.Permissions{CanUpdate: true}, Active: true})

	m, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(13, 0), End: at(14, 0)}, "vp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Sliding within its own buffer is fine.
	start, end := at(10, 15), at(10, 45)
	moved, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Start: &start, End: &end}, "vp-1")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !moved.StartTime.Equal(start) || !moved.EndTime.Equal(end) {
		t.Fatalf("times not updated: %+v", moved)
	}

	cases := []struct {
		name       string
		start, end time.Time
		actor      string
		want       error
	}{
		{"into another meeting's buffer", at(12, 30), at(12, 50), "vp-1", booking.ErrSchedulingConflict},
		{"after closing", at(16, 45), at(17, 15), "vp-1", booking.ErrOutsideWorkingHours},
		{"inverted", at(11, 0), at(10, 0), "vp-1", booking.ErrInvalidInterval},
		{"delegate without canUpdate", at(15, 0), at(15, 30), "ea-1", booking.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := tc.start, tc.end
			if _, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Start: &start, End: &end}, tc.actor); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	start, end = at(15, 0), at(15, 30)
	if _, err := f.validator.UpdateMeeting(ctx, m.ID, booking.Update{Start: &start, End: &end}, "ea-2"); err != nil {
		t.Fatalf("delegate with canUpdate: %v", err)
	}
	stored, _ := f.store.Meeting(ctx, m.ID)
	if !stored.StartTime.Equal(at(15, 0)) {
		t.Fatalf("expected the stored meeting at 15:00, got %s", stored.StartTime)
	}
	// The old range is free again.
	if _, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1"); err != nil {
		t.Fatalf("old range should be free: %v", err)
	}
}

func TestGetMeetingAccess(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	_ = f.store.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-1", Permissions: delegation.DefaultPermissions(), Active: true})
	m, err := f.validator.CreateMeeting(ctx, booking.Request{VPOwner: "vp-1", AttendeeID: "guest-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, who := range []string{"vp-1", "guest-1", "ea-1"} {
		if _, err := f.validator.Get(ctx, m.ID, who); err != nil {
			t.Fatalf("%s should see the meeting: %v", who, err)
		}
	}
	if _, err := f.validator.Get(ctx, m.ID, "stranger"); !errors.Is(err, booking.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.validator.Get(ctx, "missing", "vp-1"); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type slowStore struct {
	*memory.Store
}

func (s slowStore) Admit(ctx context.Context, vpOwner string, fn func(ctx context.Context, w booking.Writer) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAdmissionIsBounded(t *testing.T) {
	st := memory.New("UTC")
	detector := conflict.NewDetector(busy.NewAggregator(st, st, nil))
	v := booking.NewValidator(st, delegation.NewAuthorizer(st), detector, slowStore{st},
		booking.WithAdmissionTimeout(20*time.Millisecond))

	_, err := v.CreateMeeting(context.Background(), booking.Request{VPOwner: "vp-1", Start: at(10, 0), End: at(10, 30)}, "vp-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the admission deadline, got %v", err)
	}
}
