// Package memrides is an in-process ride store. Each ride has its own mutex, so a
// conditional update is a compare-and-swap on that ride only.
package memrides

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/RideDispatch/internal/models"
)

type entry struct {
	mu   sync.Mutex
	ride models.Ride
}

type Storage struct {
	mu       sync.RWMutex
	rides    map[string]*entry
	byNumber map[string]string
	seq      int64

	driversMu sync.Mutex
	drivers   map[string]models.Driver
}

func New() *Storage {
	return &Storage{
		rides:    make(map[string]*entry),
		byNumber: make(map[string]string),
		drivers:  make(map[string]models.Driver),
	}
}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) CreateRide(_ context.Context, id string, in models.RideCreateInput) (*models.Ride, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rides[id]; ok {
		return nil, fmt.Errorf("ride %s already exists", id)
	}
	s.seq++
	r := models.Ride{
		ID:            id,
		RideNumber:    fmt.Sprintf("R-%d", s.seq),
		Customer:      in.Customer,
		CustomerPhone: in.CustomerPhone,
		Pickup:        in.Pickup,
		Destination:   in.Destination,
		Price:         in.Price,
		Status:        models.RideStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !in.NextDispatchAt.IsZero() {
		t := in.NextDispatchAt.UTC()
		r.NextDispatchAt = &t
	}
	s.rides[id] = &entry{ride: r}
	s.byNumber[r.RideNumber] = id
	return cloneRide(&r), nil
}

func (s *Storage) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rides[id]
	return e, ok
}

func (s *Storage) GetRide(_ context.Context, id string) (*models.Ride, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, models.ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRide(&e.ride), nil
}

func (s *Storage) GetRideByNumber(ctx context.Context, rideNumber string) (*models.Ride, error) {
	s.mu.RLock()
	id, ok := s.byNumber[rideNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrRideNotFound
	}
	return s.GetRide(ctx, id)
}

func (s *Storage) ConditionalUpdate(_ context.Context, id string, expected []models.RideStatus, m models.RideMutation) (*models.Ride, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, models.ErrNoMatch
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !statusIn(e.ride.Status, expected) {
		return nil, models.ErrNoMatch
	}
	m.ApplyTo(&e.ride)
	out := cloneRide(&e.ride)
	out.History, out.Timeline = nil, nil
	return out, nil
}

func (s *Storage) AppendHistory(_ context.Context, rideID string, h models.HistoryEntry, tl models.TimelineEntry) error {
	e, ok := s.lookup(rideID)
	if !ok {
		return models.ErrRideNotFound
	}
	e.mu.Lock()
	e.ride.History = append(e.ride.History, h)
	e.ride.Timeline = append(e.ride.Timeline, tl)
	e.mu.Unlock()
	return nil
}

func (s *Storage) RecordDispatch(_ context.Context, id string, out models.DispatchOutcome) error {
	e, ok := s.lookup(id)
	if !ok {
		return models.ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ride.DispatchAttempts++
	e.ride.LastDispatchChannel = out.Channel
	e.ride.NextDispatchAt = nil
	if out.NextDispatchAt != nil {
		t := out.NextDispatchAt.UTC()
		e.ride.NextDispatchAt = &t
	}
	e.ride.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) ClaimDueRides(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.rides))
	for _, e := range s.rides {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	type candidate struct {
		e  *entry
		at time.Time
	}
	var due []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.ride.Status.IsDispatchable() && e.ride.NextDispatchAt != nil && !e.ride.NextDispatchAt.After(now) {
			due = append(due, candidate{e: e, at: *e.ride.NextDispatchAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	leaseUntil := now.UTC().Add(lease)
	out := make([]*models.Ride, 0, limit)
	for _, c := range due {
		if len(out) >= limit {
			break
		}
		e := c.e
		e.mu.Lock()
		// re-check under the ride lock, another claimer may have leased it meanwhile
		if e.ride.Status.IsDispatchable() && e.ride.NextDispatchAt != nil && !e.ride.NextDispatchAt.After(now) {
			t := leaseUntil
			e.ride.NextDispatchAt = &t
			out = append(out, cloneRide(&e.ride))
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *Storage) GetDriverByPhone(_ context.Context, phone string) (*models.Driver, error) {
	s.driversMu.Lock()
	defer s.driversMu.Unlock()
	d, ok := s.drivers[phone]
	if !ok {
		return nil, models.ErrDriverNotFound
	}
	return &d, nil
}

func (s *Storage) CreateDriver(_ context.Context, d models.Driver) (*models.Driver, error) {
	s.driversMu.Lock()
	defer s.driversMu.Unlock()
	if existing, ok := s.drivers[d.Phone]; ok {
		return &existing, nil
	}
	s.drivers[d.Phone] = d
	return &d, nil
}

func statusIn(st models.RideStatus, set []models.RideStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func cloneRide(r *models.Ride) *models.Ride {
	out := *r
	out.DriverID = cloneStr(r.DriverID)
	out.DriverPhone = cloneStr(r.DriverPhone)
	out.DriverName = cloneStr(r.DriverName)
	out.LockedBy = cloneStr(r.LockedBy)
	out.AssignedBy = cloneStr(r.AssignedBy)
	out.LockedAt = cloneTime(r.LockedAt)
	out.AssignedAt = cloneTime(r.AssignedAt)
	out.NextDispatchAt = cloneTime(r.NextDispatchAt)
	out.History = append([]models.HistoryEntry(nil), r.History...)
	out.Timeline = append([]models.TimelineEntry(nil), r.Timeline...)
	return &out
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
