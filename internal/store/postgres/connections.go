package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"vpcal-service/internal/busy"
)

// UpsertConnection stores one connection per user and provider and
// reactivates a disconnected one.
func (s *Store) UpsertConnection(ctx context.Context, c busy.Connection) (busy.Connection, error) {
	tok, err := json.Marshal(c.Token)
	if err != nil {
		return busy.Connection{}, err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO calendar_connections (id, user_id, provider, calendar_id, token, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, now())
		ON CONFLICT (user_id, provider) DO UPDATE
		SET calendar_id = EXCLUDED.calendar_id,
			token = EXCLUDED.token,
			active = true,
			updated_at = now()
		RETURNING id, active, updated_at
	`, uuid.NewString(), c.UserID, c.Provider, c.CalendarID, tok).Scan(&c.ID, &c.Active, &c.UpdatedAt)
	if err != nil {
		return busy.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return c, nil
}

func (s *Store) DeactivateConnection(ctx context.Context, userID string, provider busy.Source) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections SET active = false, updated_at = now()
		WHERE user_id = $1 AND provider = $2
	`, userID, provider)
	return err
}

func (s *Store) ActiveConnections(ctx context.Context, userID string) ([]busy.Connection, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, user_id, provider, calendar_id, token, active, updated_at
		FROM calendar_connections
		WHERE user_id = $1 AND active
		ORDER BY provider
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []busy.Connection
	for rows.Next() {
		var (
			c   busy.Connection
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.CalendarID, &raw, &c.Active, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Token = new(oauth2.Token)
		if err := json.Unmarshal(raw, c.Token); err != nil {
			return nil, fmt.Errorf("decode token for connection %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveToken persists a refreshed token. Refreshes happen on provider fetch
// goroutines, so this always uses the pool and never an admission
// transaction.
func (s *Store) SaveToken(ctx context.Context, connectionID string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE calendar_connections SET token = $2, updated_at = now() WHERE id = $1
	`, connectionID, raw)
	return err
}
