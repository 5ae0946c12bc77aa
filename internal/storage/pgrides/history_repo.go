package pgrides

import (
	"context"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) AppendHistory(ctx context.Context, rideID string, h models.HistoryEntry, tl models.TimelineEntry) error {
	b := &pgx.Batch{}
	b.Queue(`INSERT INTO ride_history (ride_id, action, status, actor, details, at) VALUES ($1,$2,$3,$4,$5,$6)`,
		rideID, h.Action, string(h.Status), h.Actor, h.Details, h.At.UTC())
	b.Queue(`INSERT INTO ride_timeline (ride_id, event, details, at) VALUES ($1,$2,$3,$4)`,
		rideID, tl.Event, tl.Details, tl.At.UTC())

	if err := s.db.SendBatch(ctx, b).Close(); err != nil {
		return errors.Wrap(err, "insert ride history")
	}
	return nil
}

func (s *Storage) loadAudit(ctx context.Context, r *models.Ride) error {
	rows, err := s.db.Query(ctx, `SELECT action, status, actor, details, at FROM ride_history WHERE ride_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return errors.Wrap(err, "select ride history")
	}
	for rows.Next() {
		var h models.HistoryEntry
		var status string
		if err := rows.Scan(&h.Action, &status, &h.Actor, &h.Details, &h.At); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan ride history")
		}
		h.Status = models.RideStatus(status)
		r.History = append(r.History, h)
	}
	rows.Close()
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}

	rows, err = s.db.Query(ctx, `SELECT event, details, at FROM ride_timeline WHERE ride_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return errors.Wrap(err, "select ride timeline")
	}
	defer rows.Close()
	for rows.Next() {
		var tl models.TimelineEntry
		if err := rows.Scan(&tl.Event, &tl.Details, &tl.At); err != nil {
			return errors.Wrap(err, "scan ride timeline")
		}
		r.Timeline = append(r.Timeline, tl)
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}
