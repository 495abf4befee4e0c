// Package postgres is the pgx-backed store. Admission sections run in a
// transaction holding a per-VP advisory lock, and the meetings table carries
// an EXCLUDE constraint over the raw [start, end) range of blocking meetings.
// Buffers are enforced by the conflict check made under the lock.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool struct {
	*pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Pool{Pool: pool}, nil
}

func (p *Pool) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

func ReadyCheck(pool *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errors.New("db not configured")
		}
		return pool.Ping(ctx)
	}
}

// isExclusionViolation matches SQLSTATE 23P01.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

type Store struct {
	pool        *Pool
	defaultZone string
}

func New(pool *Pool, defaultZone string) *Store {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Store{pool: pool, defaultZone: defaultZone}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type admissionTxKey struct{}

// conn returns the admission transaction carried by ctx, or the pool. Reads
// made inside an admission section run on the connection that already holds
// the advisory lock, so a section never waits on the pool for a second one.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(admissionTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}
