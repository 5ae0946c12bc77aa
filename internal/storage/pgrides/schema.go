package pgrides

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS ride_number_seq START 1`,
		`
CREATE TABLE IF NOT EXISTS rides (
  id TEXT PRIMARY KEY,
  ride_number TEXT NOT NULL UNIQUE,
  customer TEXT NOT NULL,
  customer_phone TEXT NOT NULL DEFAULT '',
  pickup TEXT NOT NULL,
  destination TEXT NOT NULL,
  price BIGINT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  status_version BIGINT NOT NULL DEFAULT 0,
  driver_id TEXT NULL,
  driver_phone TEXT NULL,
  driver_name TEXT NULL,
  locked_by TEXT NULL,
  locked_at TIMESTAMPTZ NULL,
  assigned_at TIMESTAMPTZ NULL,
  assigned_by TEXT NULL,
  dispatch_attempts INT NOT NULL DEFAULT 0,
  next_dispatch_at TIMESTAMPTZ NULL,
  last_dispatch_channel TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rides_due_dispatch ON rides(next_dispatch_at) WHERE status IN ('created', 'distributed', 'sent')`,
		`
CREATE TABLE IF NOT EXISTS ride_history (
  id BIGSERIAL PRIMARY KEY,
  ride_id TEXT NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
  action TEXT NOT NULL,
  status TEXT NOT NULL,
  actor TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_ride_history_ride_id ON ride_history(ride_id, id)`,
		`
CREATE TABLE IF NOT EXISTS ride_timeline (
  id BIGSERIAL PRIMARY KEY,
  ride_id TEXT NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
  event TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_ride_timeline_ride_id ON ride_timeline(ride_id, id)`,
		`
CREATE TABLE IF NOT EXISTS drivers (
  id TEXT PRIMARY KEY,
  phone TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  auto_created BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
