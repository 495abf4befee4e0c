package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"vpcal-service/internal/delegation"
)

func (s *Store) PutGrant(ctx context.Context, g delegation.Grant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delegations (vp_id, delegate_id, can_book, can_cancel, can_view, can_update, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (vp_id, delegate_id) DO UPDATE
		SET can_book = EXCLUDED.can_book,
			can_cancel = EXCLUDED.can_cancel,
			can_view = EXCLUDED.can_view,
			can_update = EXCLUDED.can_update,
			active = EXCLUDED.active
	`, g.VPOwner, g.Delegate, g.Permissions.CanBook, g.Permissions.CanCancel,
		g.Permissions.CanView, g.Permissions.CanUpdate, g.Active)
	return err
}

func (s *Store) LookupDelegation(ctx context.Context, delegateID, vpOwnerID string) (delegation.Grant, error) {
	g := delegation.Grant{VPOwner: vpOwnerID, Delegate: delegateID}
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT can_book, can_cancel, can_view, can_update, active
		FROM delegations
		WHERE vp_id = $1 AND delegate_id = $2
	`, vpOwnerID, delegateID).Scan(&g.Permissions.CanBook, &g.Permissions.CanCancel,
		&g.Permissions.CanView, &g.Permissions.CanUpdate, &g.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return delegation.Grant{}, delegation.ErrNotFound
	}
	return g, err
}

// GrantsByVP lists the active grants a VP has made, ordered by delegate.
func (s *Store) GrantsByVP(ctx context.Context, vpOwnerID string) ([]delegation.Grant, error) {
	return s.activeGrants(ctx, `vp_id = $1`, vpOwnerID)
}

// GrantsByDelegate lists the active grants held by a delegate, ordered by VP.
func (s *Store) GrantsByDelegate(ctx context.Context, delegateID string) ([]delegation.Grant, error) {
	return s.activeGrants(ctx, `delegate_id = $1`, delegateID)
}

func (s *Store) activeGrants(ctx context.Context, where string, arg string) ([]delegation.Grant, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT vp_id, delegate_id, can_book, can_cancel, can_view, can_update, active
		FROM delegations
		WHERE active AND `+where+`
		ORDER BY vp_id, delegate_id
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []delegation.Grant{}
	for rows.Next() {
		var g delegation.Grant
		if err := rows.Scan(&g.VPOwner, &g.Delegate, &g.Permissions.CanBook, &g.Permissions.CanCancel,
			&g.Permissions.CanView, &g.Permissions.CanUpdate, &g.Active); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
