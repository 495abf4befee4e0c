package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/meeting"
)

const meetingColumns = `id, vp_id, attendee_id, attendee_email, attendee_name, booked_by,
	start_time, end_time, status, type, title, location, buffer_minutes, created_at`

// Admit runs fn in a transaction holding pg_advisory_xact_lock for the VP.
// The lock is released on commit or rollback. Store reads made with the ctx
// handed to fn join the transaction; reads must not run concurrently with
// each other inside fn.
func (s *Store) Admit(ctx context.Context, vpOwner string, fn func(ctx context.Context, w booking.Writer) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, vpOwner); err != nil {
		return fmt.Errorf("admission lock: %w", err)
	}
	if err := fn(context.WithValue(ctx, admissionTxKey{}, tx), txWriter{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txWriter struct {
	tx pgx.Tx
}

func (w txWriter) InsertMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return insertMeeting(ctx, w.tx, m)
}

func (w txWriter) UpdateMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return updateMeeting(ctx, w.tx, m)
}

// InsertMeeting outside an admission section still hits the EXCLUDE
// constraint.
func (s *Store) InsertMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return insertMeeting(ctx, s.pool, m)
}

func insertMeeting(ctx context.Context, q querier, m meeting.Meeting) (meeting.Meeting, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = meeting.TypeVirtual
	}
	row := q.QueryRow(ctx, `
		INSERT INTO meetings
			(id, vp_id, attendee_id, attendee_email, attendee_name, booked_by,
			 start_time, end_time, status, type, title, location, buffer_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+meetingColumns,
		m.ID, m.VPOwner, m.AttendeeID, m.AttendeeEmail, m.AttendeeName, m.BookedBy,
		m.StartTime.UTC(), m.EndTime.UTC(), m.Status, m.Type, m.Title, m.Location, m.BufferMinutes,
		m.CreatedAt)
	out, err := scanMeeting(row)
	if isExclusionViolation(err) {
		return meeting.Meeting{}, meeting.ErrOverlap
	}
	return out, err
}

// UpdateMeeting rewrites a meeting's schedule and details. The owner and
// creation fields are kept.
func (s *Store) UpdateMeeting(ctx context.Context, m meeting.Meeting) (meeting.Meeting, error) {
	return updateMeeting(ctx, s.conn(ctx), m)
}

func updateMeeting(ctx context.Context, q querier, m meeting.Meeting) (meeting.Meeting, error) {
	if _, err := uuid.Parse(m.ID); err != nil {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	out, err := scanMeeting(q.QueryRow(ctx, `
		UPDATE meetings
		SET start_time = $2, end_time = $3, status = $4, type = $5,
			title = $6, location = $7, buffer_minutes = $8
		WHERE id = $1
		RETURNING `+meetingColumns,
		m.ID, m.StartTime.UTC(), m.EndTime.UTC(), m.Status, m.Type, m.Title, m.Location, m.BufferMinutes))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return meeting.Meeting{}, meeting.ErrNotFound
	case isExclusionViolation(err):
		return meeting.Meeting{}, meeting.ErrOverlap
	}
	return out, err
}

func scanMeeting(row pgx.Row) (meeting.Meeting, error) {
	var m meeting.Meeting
	err := row.Scan(&m.ID, &m.VPOwner, &m.AttendeeID, &m.AttendeeEmail, &m.AttendeeName, &m.BookedBy,
		&m.StartTime, &m.EndTime, &m.Status, &m.Type, &m.Title, &m.Location, &m.BufferMinutes, &m.CreatedAt)
	if err != nil {
		return meeting.Meeting{}, err
	}
	m.StartTime = m.StartTime.UTC()
	m.EndTime = m.EndTime.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func collectMeetings(rows pgx.Rows) ([]meeting.Meeting, error) {
	defer rows.Close()
	out := []meeting.Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Meeting(ctx context.Context, id string) (meeting.Meeting, error) {
	if _, err := uuid.Parse(id); err != nil {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	m, err := scanMeeting(s.conn(ctx).QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	return m, err
}

func (s *Store) SetStatus(ctx context.Context, id string, status meeting.Status) (meeting.Meeting, error) {
	if _, err := uuid.Parse(id); err != nil {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	m, err := scanMeeting(s.pool.QueryRow(ctx, `
		UPDATE meetings SET status = $2 WHERE id = $1
		RETURNING `+meetingColumns, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	if isExclusionViolation(err) {
		return meeting.Meeting{}, meeting.ErrOverlap
	}
	return m, err
}

// BlockingMeetings returns PENDING/CONFIRMED meetings touching [from, to].
func (s *Store) BlockingMeetings(ctx context.Context, vpOwner string, from, to time.Time) ([]meeting.Meeting, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE vp_id = $1 AND status IN ('PENDING', 'CONFIRMED')
		  AND start_time <= $3 AND end_time >= $2
		ORDER BY start_time
	`, vpOwner, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return collectMeetings(rows)
}

// ListMeetings returns the VP's meetings matching f, ordered by start.
func (s *Store) ListMeetings(ctx context.Context, vpOwner string, f meeting.Filter) ([]meeting.Meeting, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		WHERE vp_id = $1
		  AND ($2::timestamptz IS NULL OR start_time >= $2)
		  AND ($3::timestamptz IS NULL OR start_time < $3)
		  AND ($4 = '' OR status = $4)
		  AND ($5 = '' OR type = $5)
		ORDER BY start_time
	`, vpOwner, nullTime(f.From), nullTime(f.To), string(f.Status), string(f.Type))
	if err != nil {
		return nil, err
	}
	return collectMeetings(rows)
}

func (s *Store) MeetingStats(ctx context.Context, vpOwner string, now time.Time) (meeting.Stats, error) {
	var st meeting.Stats
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status = 'PENDING'),
			count(*) FILTER (WHERE status = 'CONFIRMED'),
			count(*) FILTER (WHERE status = 'CANCELLED'),
			count(*) FILTER (WHERE status = 'COMPLETED'),
			count(*) FILTER (WHERE status IN ('PENDING', 'CONFIRMED') AND start_time >= $2)
		FROM meetings
		WHERE vp_id = $1
	`, vpOwner, now.UTC()).Scan(&st.Total, &st.Pending, &st.Confirmed, &st.Cancelled, &st.Completed, &st.Upcoming)
	return st, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
