package pgrides

import (
	"context"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) GetDriverByPhone(ctx context.Context, phone string) (*models.Driver, error) {
	var d models.Driver
	err := s.db.QueryRow(ctx, `SELECT id, phone, name, auto_created, created_at FROM drivers WHERE phone = $1`, phone).
		Scan(&d.ID, &d.Phone, &d.Name, &d.AutoCreated, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrDriverNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select driver")
	}
	return &d, nil
}

// CreateDriver inserts d unless a driver with the same phone exists, in which case that one is returned.
func (s *Storage) CreateDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	var out models.Driver
	err := s.db.QueryRow(ctx, `
INSERT INTO drivers (id, phone, name, auto_created, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (phone) DO NOTHING
RETURNING id, phone, name, auto_created, created_at
`, d.ID, d.Phone, d.Name, d.AutoCreated, d.CreatedAt.UTC()).
		Scan(&out.ID, &out.Phone, &out.Name, &out.AutoCreated, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetDriverByPhone(ctx, d.Phone)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert driver")
	}
	return &out, nil
}
