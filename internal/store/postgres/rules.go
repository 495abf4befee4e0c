package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"vpcal-service/internal/workinghours"
)

// SetTimeZone records the zone on a user's profile.
func (s *Store) SetTimeZone(ctx context.Context, userID, zoneID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, time_zone, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET time_zone = EXCLUDED.time_zone, updated_at = now()
	`, userID, zoneID)
	return err
}

// Rule returns the saved rule, or the default when none has been saved. The
// default is not written, so reads never create rows. The zone always comes
// from the user's profile.
func (s *Store) Rule(ctx context.Context, userID string) (workinghours.Rule, error) {
	q := s.conn(ctx)
	r, err := s.selectRule(ctx, q, userID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return workinghours.Rule{}, err
	}

	var zone string
	err = q.QueryRow(ctx, `SELECT time_zone FROM user_profiles WHERE user_id = $1`, userID).Scan(&zone)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		zone = s.defaultZone
	case err != nil:
		return workinghours.Rule{}, fmt.Errorf("load profile: %w", err)
	}
	return workinghours.Default(userID, zone), nil
}

func (s *Store) selectRule(ctx context.Context, q querier, userID string) (workinghours.Rule, error) {
	var (
		r    = workinghours.Rule{OwnerID: userID}
		raw  []byte
		zone string
	)
	err := q.QueryRow(ctx, `
		SELECT r.buffer_minutes, r.working_hours, r.updated_at, p.time_zone
		FROM working_hours_rules r
		JOIN user_profiles p ON p.user_id = r.user_id
		WHERE r.user_id = $1
	`, userID).Scan(&r.BufferMinutes, &raw, &r.UpdatedAt, &zone)
	if err != nil {
		return workinghours.Rule{}, err
	}
	if err := json.Unmarshal(raw, &r.Template); err != nil {
		return workinghours.Rule{}, fmt.Errorf("decode working_hours for %s: %w", userID, err)
	}
	r.TimeZone = zone
	return r, nil
}

// SaveRule replaces the user's rule and, when set, the profile zone. Callers
// validate first.
func (s *Store) SaveRule(ctx context.Context, rule workinghours.Rule) (workinghours.Rule, error) {
	tmpl, err := json.Marshal(rule.Template)
	if err != nil {
		return workinghours.Rule{}, err
	}
	zone := rule.TimeZone
	if zone == "" {
		zone = s.defaultZone
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workinghours.Rule{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_profiles (user_id, time_zone, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET time_zone = EXCLUDED.time_zone, updated_at = EXCLUDED.updated_at
	`, rule.OwnerID, zone, now); err != nil {
		return workinghours.Rule{}, fmt.Errorf("save profile: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO working_hours_rules (user_id, buffer_minutes, working_hours, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET buffer_minutes = EXCLUDED.buffer_minutes,
			working_hours = EXCLUDED.working_hours,
			updated_at = EXCLUDED.updated_at
	`, rule.OwnerID, rule.BufferMinutes, tmpl, now); err != nil {
		return workinghours.Rule{}, fmt.Errorf("save rule: %w", err)
	}
	saved, err := s.selectRule(ctx, tx, rule.OwnerID)
	if err != nil {
		return workinghours.Rule{}, err
	}
	return saved, tx.Commit(ctx)
}
