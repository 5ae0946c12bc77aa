package pgrides

import (
	"context"
	"time"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const rideColumns = `
  id, ride_number, customer, customer_phone, pickup, destination, price,
  status, status_version,
  driver_id, driver_phone, driver_name, locked_by, locked_at, assigned_at, assigned_by,
  dispatch_attempts, next_dispatch_at, last_dispatch_channel,
  created_at, updated_at`

func scanRide(row pgx.Row) (*models.Ride, error) {
	var r models.Ride
	var status string
	if err := row.Scan(
		&r.ID, &r.RideNumber, &r.Customer, &r.CustomerPhone, &r.Pickup, &r.Destination, &r.Price,
		&status, &r.StatusVersion,
		&r.DriverID, &r.DriverPhone, &r.DriverName, &r.LockedBy, &r.LockedAt, &r.AssignedAt, &r.AssignedBy,
		&r.DispatchAttempts, &r.NextDispatchAt, &r.LastDispatchChannel,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (s *Storage) CreateRide(ctx context.Context, id string, in models.RideCreateInput) (*models.Ride, error) {
	now := time.Now().UTC()
	var next *time.Time
	if !in.NextDispatchAt.IsZero() {
		t := in.NextDispatchAt.UTC()
		next = &t
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO rides (
  id, ride_number, customer, customer_phone, pickup, destination, price,
  status, next_dispatch_at, created_at, updated_at
)
VALUES ($1, 'R-' || nextval('ride_number_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING`+rideColumns,
		id, in.Customer, in.CustomerPhone, in.Pickup, in.Destination, in.Price,
		string(models.RideStatusCreated), next, now)

	r, err := scanRide(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert ride")
	}
	return r, nil
}

func (s *Storage) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return s.getRide(ctx, `WHERE id = $1`, id)
}

func (s *Storage) GetRideByNumber(ctx context.Context, rideNumber string) (*models.Ride, error) {
	return s.getRide(ctx, `WHERE ride_number = $1`, rideNumber)
}

func (s *Storage) getRide(ctx context.Context, where string, arg string) (*models.Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT`+rideColumns+` FROM rides `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select ride")
	}
	if err := s.loadAudit(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ConditionalUpdate applies m in one statement, only if the ride status is still one of expected.
// The returned ride carries no history.
func (s *Storage) ConditionalUpdate(ctx context.Context, id string, expected []models.RideStatus, m models.RideMutation) (*models.Ride, error) {
	at := m.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	statuses := statusStrings(expected)

	bind := m.Driver != nil && !m.ClearAssignment
	var driverID, driverPhone, driverName string
	if bind {
		driverID, driverPhone, driverName = m.Driver.ID, m.Driver.Phone, m.Driver.Name
	}
	lock := m.LockedBy != "" && !m.ClearAssignment

	row := s.db.QueryRow(ctx, `
UPDATE rides
SET
  status = $3,
  status_version = status_version + 1,
  driver_id    = CASE WHEN $4::boolean THEN NULL WHEN $5::boolean THEN $6::text ELSE driver_id END,
  driver_phone = CASE WHEN $4::boolean THEN NULL WHEN $5::boolean THEN $7::text ELSE driver_phone END,
  driver_name  = CASE WHEN $4::boolean THEN NULL WHEN $5::boolean THEN $8::text ELSE driver_name END,
  assigned_by  = CASE WHEN $4::boolean THEN NULL WHEN $5::boolean THEN $9::text ELSE assigned_by END,
  assigned_at  = CASE WHEN $4::boolean THEN NULL WHEN $5::boolean THEN $10::timestamptz ELSE assigned_at END,
  locked_by    = CASE WHEN $4::boolean THEN NULL WHEN $11::boolean THEN $12::text ELSE locked_by END,
  locked_at    = CASE WHEN $4::boolean THEN NULL WHEN $11::boolean THEN $10::timestamptz ELSE locked_at END,
  updated_at   = $10::timestamptz
WHERE id = $1 AND status = ANY($2)
RETURNING`+rideColumns,
		id, statuses, string(m.Status),
		m.ClearAssignment, bind, driverID, driverPhone, driverName, m.AssignedBy, at.UTC(),
		lock, m.LockedBy,
	)

	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNoMatch
	}
	if err != nil {
		return nil, errors.Wrap(err, "conditional update ride")
	}
	return r, nil
}

func (s *Storage) RecordDispatch(ctx context.Context, id string, out models.DispatchOutcome) error {
	var next *time.Time
	if out.NextDispatchAt != nil {
		t := out.NextDispatchAt.UTC()
		next = &t
	}
	tag, err := s.db.Exec(ctx, `
UPDATE rides
SET
  dispatch_attempts = dispatch_attempts + 1,
  last_dispatch_channel = $2,
  next_dispatch_at = $3,
  updated_at = now()
WHERE id = $1
`, id, out.Channel, next)
	if err != nil {
		return errors.Wrap(err, "record dispatch")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRideNotFound
	}
	return nil
}

// ClaimDueRides выбирает поездки в статусах created/distributed/sent, которым пора повторить рассылку,
// и продлевает next_dispatch_at на lease, чтобы другой воркер их не взял.
func (s *Storage) ClaimDueRides(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Ride, error) {
	var picked []*models.Ride
	leaseUntil := now.UTC().Add(lease)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT`+rideColumns+`
FROM rides
WHERE status = ANY($1)
  AND next_dispatch_at IS NOT NULL
  AND next_dispatch_at <= $2
ORDER BY next_dispatch_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, statusStrings(models.DispatchableStatuses), now.UTC(), limit)
		if err != nil {
			return errors.Wrap(err, "select due rides")
		}

		ids := make([]string, 0, limit)
		for rows.Next() {
			r, err := scanRide(rows)
			if err != nil {
				rows.Close()
				return errors.Wrap(err, "scan due ride")
			}
			picked = append(picked, r)
			ids = append(ids, r.ID)
		}
		rows.Close()
		if rows.Err() != nil {
			return errors.Wrap(rows.Err(), "rows")
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `UPDATE rides SET next_dispatch_at = $2, updated_at = now() WHERE id = ANY($1)`, ids, leaseUntil)
		return errors.Wrap(err, "lease rides")
	})
	if err != nil {
		return nil, err
	}
	for _, r := range picked {
		r.NextDispatchAt = &leaseUntil
	}
	return picked, nil
}

func statusStrings(in []models.RideStatus) []string {
	out := make([]string, 0, len(in))
	for _, st := range in {
		out = append(out, string(st))
	}
	return out
}
