package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/busy"
	"vpcal-service/internal/delegation"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/workinghours"
)

var monday = time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestRuleDefaultUsesProfileZone(t *testing.T) {
	s := New("")
	ctx := context.Background()
	_ = s.SetTimeZone(ctx, "vp-ist", "Europe/Istanbul")

	r, err := s.Rule(ctx, "vp-ist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TimeZone != "Europe/Istanbul" || r.BufferMinutes != workinghours.DefaultBufferMinutes || r.UpdatedAt != nil {
		t.Fatalf("unexpected default %+v", r)
	}
	if len(s.rules) != 0 {
		t.Fatalf("reading the default must not store it")
	}
	other, _ := s.Rule(ctx, "vp-2")
	if other.TimeZone != "UTC" {
		t.Fatalf("expected UTC fallback, got %q", other.TimeZone)
	}
}

func TestRuleReturnsCopies(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	r, _ := s.Rule(ctx, "vp-1")
	r.Template[workinghours.Monday] = nil

	again, _ := s.Rule(ctx, "vp-1")
	if len(again.Template[workinghours.Monday]) != 1 {
		t.Fatalf("caller mutation leaked into the store")
	}

	r.Template[workinghours.Monday] = []workinghours.TimeWindow{{Start: "10:00", End: "11:00"}}
	r.TimeZone = "Asia/Tokyo"
	if _, err := s.SaveRule(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := s.Rule(ctx, "vp-1")
	if saved.TimeZone != "Asia/Tokyo" || saved.Template[workinghours.Monday][0].Start != "10:00" || saved.UpdatedAt == nil {
		t.Fatalf("unexpected saved rule %+v", saved)
	}
}

func TestAdmitRollsBackOnError(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Admit(ctx, "vp-1", func(ctx context.Context, w booking.Writer) error {
		if _, err := w.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(9, 0), EndTime: at(9, 30), Status: meeting.StatusPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	ms, _ := s.ListMeetings(ctx, "vp-1", meeting.Filter{})
	if len(ms) != 0 {
		t.Fatalf("expected rollback, found %d meetings", len(ms))
	}

	kept, _ := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(11, 0), EndTime: at(11, 30), Status: meeting.StatusPending, Title: "before"})
	err = s.Admit(ctx, "vp-1", func(ctx context.Context, w booking.Writer) error {
		moved := kept
		moved.StartTime, moved.EndTime, moved.Title = at(13, 0), at(13, 30), "after"
		if _, err := w.UpdateMeeting(ctx, moved); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := s.Meeting(ctx, kept.ID); got.Title != "before" || !got.StartTime.Equal(at(11, 0)) {
		t.Fatalf("update was not rolled back: %+v", got)
	}
}

func TestInsertRejectsRawOverlap(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	if _, err := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusConfirmed, BufferMinutes: 15}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(10, 30), EndTime: at(11, 30), Status: meeting.StatusPending}); !errors.Is(err, meeting.ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	// The stored buffer does not widen the exclusion; a buffer lowered after
	// booking is honoured by the admission check alone.
	if _, err := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(11, 5), EndTime: at(11, 30), Status: meeting.StatusPending, BufferMinutes: 0}); err != nil {
		t.Fatalf("adjacent meeting outside the raw range: %v", err)
	}
	if _, err := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-2", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusPending, BufferMinutes: 15}); err != nil {
		t.Fatalf("other VPs are independent: %v", err)
	}
	if _, err := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusCancelled}); err != nil {
		t.Fatalf("cancelled meetings never conflict: %v", err)
	}
}

func TestUpdateMeetingKeepsOwnership(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	a, _ := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", BookedBy: "ea-1", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusPending})
	_, _ = s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(12, 0), EndTime: at(13, 0), Status: meeting.StatusPending})

	moved := a
	moved.VPOwner, moved.BookedBy = "vp-9", "someone"
	moved.StartTime, moved.EndTime = at(10, 30), at(11, 30)
	got, err := s.UpdateMeeting(ctx, moved)
	if err != nil {
		t.Fatalf("update overlapping its own old range: %v", err)
	}
	if got.VPOwner != "vp-1" || got.BookedBy != "ea-1" || !got.CreatedAt.Equal(a.CreatedAt) {
		t.Fatalf("ownership changed: %+v", got)
	}
	moved.StartTime, moved.EndTime = at(12, 30), at(13, 30)
	if _, err := s.UpdateMeeting(ctx, moved); !errors.Is(err, meeting.ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if _, err := s.UpdateMeeting(ctx, meeting.Meeting{ID: "missing"}); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMeetingsFilterAndStats(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	_, _ = s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(9, 0), EndTime: at(9, 30), Status: meeting.StatusConfirmed, Type: meeting.TypePhone})
	_, _ = s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(10, 0), EndTime: at(10, 30), Status: meeting.StatusPending, Type: meeting.TypeVirtual})
	_, _ = s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(14, 0), EndTime: at(14, 30), Status: meeting.StatusCancelled, Type: meeting.TypePhone})

	phone, _ := s.ListMeetings(ctx, "vp-1", meeting.Filter{Type: meeting.TypePhone})
	if len(phone) != 2 || !phone[0].StartTime.Equal(at(9, 0)) {
		t.Fatalf("unexpected phone meetings %+v", phone)
	}
	morning, _ := s.ListMeetings(ctx, "vp-1", meeting.Filter{From: at(8, 0), To: at(12, 0), Status: meeting.StatusPending})
	if len(morning) != 1 || morning[0].Type != meeting.TypeVirtual {
		t.Fatalf("unexpected filtered meetings %+v", morning)
	}

	st, _ := s.MeetingStats(ctx, "vp-1", at(9, 45))
	want := meeting.Stats{Total: 3, Pending: 1, Confirmed: 1, Cancelled: 1, Upcoming: 1}
	if st != want {
		t.Fatalf("expected %+v, got %+v", want, st)
	}
}

func TestBlockingMeetingsFiltersStatusAndRange(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()
	m, _ := s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(10, 0), EndTime: at(11, 0), Status: meeting.StatusPending})
	_, _ = s.InsertMeeting(ctx, meeting.Meeting{VPOwner: "vp-1", StartTime: at(14, 0), EndTime: at(15, 0), Status: meeting.StatusPending})

	got, _ := s.BlockingMeetings(ctx, "vp-1", at(9, 0), at(12, 0))
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("unexpected blocking meetings %+v", got)
	}
	if _, err := s.SetStatus(ctx, m.ID, meeting.StatusCancelled); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got, _ := s.BlockingMeetings(ctx, "vp-1", at(9, 0), at(12, 0)); len(got) != 0 {
		t.Fatalf("cancelled meeting still blocking")
	}
	if _, err := s.SetStatus(ctx, "missing", meeting.StatusCancelled); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnectionsAndGrants(t *testing.T) {
	s := New("UTC")
	ctx := context.Background()

	c, _ := s.UpsertConnection(ctx, busy.Connection{UserID: "vp-1", Provider: busy.SourceGoogle, Token: &oauth2.Token{AccessToken: "a"}})
	again, _ := s.UpsertConnection(ctx, busy.Connection{UserID: "vp-1", Provider: busy.SourceGoogle, Token: &oauth2.Token{AccessToken: "b"}})
	if c.ID != again.ID {
		t.Fatalf("reconnecting should keep the connection id")
	}
	_ = s.SaveToken(ctx, c.ID, &oauth2.Token{AccessToken: "c"})
	conns, _ := s.ActiveConnections(ctx, "vp-1")
	if len(conns) != 1 || conns[0].Token.AccessToken != "c" {
		t.Fatalf("unexpected connections %+v", conns)
	}
	_ = s.DeactivateConnection(ctx, "vp-1", busy.SourceGoogle)
	if conns, _ := s.ActiveConnections(ctx, "vp-1"); len(conns) != 0 {
		t.Fatalf("expected no active connections")
	}

	if _, err := s.LookupDelegation(ctx, "ea-1", "vp-1"); !errors.Is(err, delegation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-1", Permissions: delegation.DefaultPermissions(), Active: true})
	if g, err := s.LookupDelegation(ctx, "ea-1", "vp-1"); err != nil || !g.Permissions.CanBook {
		t.Fatalf("unexpected grant %+v err=%v", g, err)
	}
	_ = s.PutGrant(ctx, delegation.Grant{VPOwner: "vp-1", Delegate: "ea-0", Active: true})
	_ = s.PutGrant(ctx, delegation.Grant{VPOwner: "vp-2", Delegate: "ea-1", Active: true})
	_ = s.PutGrant(ctx, delegation.Grant{VPOwner: "vp-3", Delegate: "ea-1", Active: false})

	byVP, _ := s.GrantsByVP(ctx, "vp-1")
	if len(byVP) != 2 || byVP[0].Delegate != "ea-0" || byVP[1].Delegate != "ea-1" {
		t.Fatalf("unexpected delegates %+v", byVP)
	}
	byDelegate, _ := s.GrantsByDelegate(ctx, "ea-1")
	if len(byDelegate) != 2 || byDelegate[0].VPOwner != "vp-1" || byDelegate[1].VPOwner != "vp-2" {
		t.Fatalf("inactive grants must be skipped: %+v", byDelegate)
	}
}
