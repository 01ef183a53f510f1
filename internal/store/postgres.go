// Package store appends dispatch decisions to a Postgres audit table.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"digest-dispatcher/internal/models"
)

// Execer is the part of pgxpool.Pool the store writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store wraps pgxpool for the audit trail. It never reads rows back.
type Store struct {
	db   Execer
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithExecer wraps an existing connection.
func NewWithExecer(db Execer) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordDispatch appends one audit row.
func (s *Store) RecordDispatch(ctx context.Context, ev models.DispatchEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_events (id, job_id, object_key, size_bytes, route, endpoint, instance_id, attempts, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.New(), ev.JobID, ev.ObjectKey, ev.Size, ev.Route, ev.Endpoint, emptyToNil(ev.InstanceID), ev.Attempts, ev.Error, ev.Recorded)
	if err != nil {
		return fmt.Errorf("insert dispatch event: %w", err)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
