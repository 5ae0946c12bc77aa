package rides

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/RideDispatch/internal/cache"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/BearBump/RideDispatch/internal/services/statemachine"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Store interface {
	CreateRide(ctx context.Context, id string, in models.RideCreateInput) (*models.Ride, error)
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetRideByNumber(ctx context.Context, rideNumber string) (*models.Ride, error)
	RecordDispatch(ctx context.Context, id string, out models.DispatchOutcome) error
}

type Coordinator interface {
	Claim(ctx context.Context, cmd assignment.ClaimCommand) (*models.Ride, error)
	Assign(ctx context.Context, cmd assignment.AssignCommand) (*models.Ride, error)
	Transition(ctx context.Context, cmd assignment.TransitionCommand) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, actor models.ActorRole, actorName, reason string) (*models.Ride, error)
	Lock(ctx context.Context, rideID string, actor models.ActorRole, lockedBy, notes string) (*models.Ride, error)
	Unlock(ctx context.Context, rideID string, actor models.ActorRole, notes string) (*models.Ride, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ride *models.Ride) (router.DispatchResult, error)
}

// Backoff tells when a ride whose dispatch failed should be retried.
type Backoff interface {
	BackoffDelay(attempts int) time.Duration
}

type Recorder interface {
	Record(ctx context.Context, e history.Entry)
}

type Config struct {
	CacheTTL time.Duration
	// DispatchDelay schedules the first automatic dispatch after creation.
	// Negative disables automatic dispatch of new rides.
	DispatchDelay time.Duration
}

type Service struct {
	store   Store
	coord   Coordinator
	router  Dispatcher
	backoff Backoff
	rec     Recorder
	cache   cache.BytesCache
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

func New(store Store, coord Coordinator, d Dispatcher, backoff Backoff, rec Recorder, c cache.BytesCache, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		coord:   coord,
		router:  d,
		backoff: backoff,
		rec:     rec,
		cache:   c,
		cfg:     cfg,
		log:     log.With("component", "rides"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

type CreateInput struct {
	Customer      string
	CustomerPhone string
	Pickup        string
	Destination   string
	Price         int64
	CreatedBy     string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Ride, error) {
	in.Customer = strings.TrimSpace(in.Customer)
	in.Pickup = strings.TrimSpace(in.Pickup)
	in.Destination = strings.TrimSpace(in.Destination)
	switch {
	case in.Customer == "":
		return nil, errs.NewValidationError("customer", "required")
	case in.Pickup == "":
		return nil, errs.NewValidationError("pickup", "required")
	case in.Destination == "":
		return nil, errs.NewValidationError("destination", "required")
	case in.Price < 0:
		return nil, errs.NewValidationError("price", "must not be negative")
	}

	ci := models.RideCreateInput{
		Customer:      in.Customer,
		CustomerPhone: strings.TrimSpace(in.CustomerPhone),
		Pickup:        in.Pickup,
		Destination:   in.Destination,
		Price:         in.Price,
	}
	if s.cfg.DispatchDelay >= 0 {
		ci.NextDispatchAt = s.now().Add(s.cfg.DispatchDelay)
	}

	ride, err := s.store.CreateRide(ctx, s.newID(), ci)
	if err != nil {
		return nil, errors.Wrap(err, "create ride")
	}

	actor := in.CreatedBy
	if actor == "" {
		actor = string(models.ActorSystem)
	}
	s.record(ctx, ride, "created", actor, "")
	return s.refresh(ctx, ride.ID, ride), nil
}

// Get is a read-through cache lookup by ride id.
func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	if id == "" {
		return nil, errs.NewValidationError("id", "required")
	}
	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, CacheKey(id))
		if err == nil && ok {
			var r models.Ride
			if json.Unmarshal(b, &r) == nil {
				return &r, nil
			}
		}
	}

	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, r)
	return r, nil
}

// GetByIdentifier accepts either a ride id or a ride number.
func (s *Service) GetByIdentifier(ctx context.Context, ident string) (*models.Ride, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil, errs.NewValidationError("rideIdentifier", "required")
	}
	r, err := s.Get(ctx, ident)
	if !errors.Is(err, errs.ErrNotFound) {
		return r, err
	}
	r, err = s.store.GetRideByNumber(ctx, ident)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, errs.NewNotFoundError("ride", ident)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get ride by number")
	}
	return r, nil
}

type DispatchReport struct {
	Ride   *models.Ride          `json:"ride"`
	Result router.DispatchResult `json:"result"`
}

// Dispatch offers the ride to drivers. Primary delivery moves the ride to distributed,
// fallback delivery to sent. When every channel fails the status is kept and a
// redispatch is scheduled.
func (s *Service) Dispatch(ctx context.Context, rideID, actor string) (*DispatchReport, error) {
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Status.IsDispatchable() {
		return nil, errs.NewStateGuardError(errs.ReasonNotDispatchable, string(ride.Status))
	}
	if actor == "" {
		actor = string(models.ActorSystem)
	}

	res, derr := s.router.Dispatch(ctx, ride)
	if derr != nil {
		out := models.DispatchOutcome{}
		var retryAt time.Time
		if s.backoff != nil {
			retryAt = s.now().Add(s.backoff.BackoffDelay(int(ride.DispatchAttempts) + 1))
			out.NextDispatchAt = &retryAt
		}
		if err := s.store.RecordDispatch(ctx, ride.ID, out); err != nil {
			s.log.Error("record failed dispatch", "ride_id", ride.ID, "error", err.Error())
		}
		details := derr.Error()
		if !retryAt.IsZero() {
			details = fmt.Sprintf("%s; retry at %s", details, retryAt.Format(time.RFC3339))
		}
		s.record(ctx, ride, "dispatch_failed", actor, details)
		s.refresh(ctx, ride.ID, nil)
		return nil, derr
	}

	if err := s.store.RecordDispatch(ctx, ride.ID, models.DispatchOutcome{Delivered: true, Channel: res.Channel}); err != nil {
		s.log.Error("record dispatch", "ride_id", ride.ID, "channel", res.Channel, "error", err.Error())
	}
	s.record(ctx, ride, "dispatched", actor, fmt.Sprintf("channel=%s fallback=%t attempts=%d", res.Channel, res.Fallback, res.Attempts))

	target := models.RideStatusDistributed
	if res.Fallback {
		target = models.RideStatusSent
	}
	updated := ride
	if ride.Status != target && statemachine.IsLegalEdge(ride.Status, target) {
		r, err := s.coord.Transition(ctx, assignment.TransitionCommand{
			RideID: ride.ID,
			Target: target,
			Actor:  models.ActorSystem,
			Notes:  "delivered via " + res.Channel,
		})
		switch {
		case err == nil:
			updated = r
		case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalidTransition):
			// claimed or cancelled while the offer was in flight
			s.log.Info("ride changed during dispatch", "ride_id", ride.ID, "error", err.Error())
		default:
			return nil, err
		}
	}

	return &DispatchReport{Ride: s.refresh(ctx, ride.ID, updated), Result: res}, nil
}

type DriverResponseInput struct {
	RideIdentifier string
	Driver         assignment.DriverIdentity
	Response       string
}

// Summary is the minimal view returned to drivers.
type Summary struct {
	ID          string            `json:"id"`
	RideNumber  string            `json:"rideNumber"`
	Status      models.RideStatus `json:"status"`
	Pickup      string            `json:"pickup"`
	Destination string            `json:"destination"`
	Price       int64             `json:"price"`
	DriverID    *string           `json:"driverId,omitempty"`
	DriverName  *string           `json:"driverName,omitempty"`
	LockedBy    *string           `json:"lockedBy,omitempty"`
}

func Summarize(r *models.Ride) Summary {
	return Summary{
		ID:          r.ID,
		RideNumber:  r.RideNumber,
		Status:      r.Status,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		Price:       r.Price,
		DriverID:    r.DriverID,
		DriverName:  r.DriverName,
		LockedBy:    r.LockedBy,
	}
}

const (
	ResponseAccept = "accept"
	ResponseReject = "reject"
)

// DriverResponse handles a driver's answer to an offer. accept is a claim on behalf of
// the bot; reject only leaves a history entry.
func (s *Service) DriverResponse(ctx context.Context, in DriverResponseInput) (*Summary, error) {
	resp := strings.ToLower(strings.TrimSpace(in.Response))
	if resp != ResponseAccept && resp != ResponseReject {
		return nil, errs.NewValidationError("response", "must be accept or reject")
	}
	ride, err := s.GetByIdentifier(ctx, in.RideIdentifier)
	if err != nil {
		return nil, err
	}

	if resp == ResponseReject {
		ident, err := in.Driver.Normalize()
		if err != nil {
			return nil, err
		}
		s.record(ctx, ride, "driver_reject", ident.Display(), "")
		s.refresh(ctx, ride.ID, nil)
		sum := Summarize(ride)
		return &sum, nil
	}

	claimed, err := s.coord.Claim(ctx, assignment.ClaimCommand{
		RideID: ride.ID,
		Driver: in.Driver,
		Actor:  models.ActorBot,
	})
	if err != nil {
		return nil, err
	}
	sum := Summarize(s.refresh(ctx, claimed.ID, claimed))
	return &sum, nil
}

func (s *Service) Assign(ctx context.Context, cmd assignment.AssignCommand) (*models.Ride, error) {
	r, err := s.coord.Assign(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, r.ID, r), nil
}

func (s *Service) Transition(ctx context.Context, cmd assignment.TransitionCommand) (*models.Ride, error) {
	r, err := s.coord.Transition(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, r.ID, r), nil
}

func (s *Service) Cancel(ctx context.Context, rideID string, actor models.ActorRole, actorName, reason string) (*models.Ride, error) {
	r, err := s.coord.Cancel(ctx, rideID, actor, actorName, reason)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, r.ID, r), nil
}

func (s *Service) Lock(ctx context.Context, rideID string, actor models.ActorRole, lockedBy, notes string) (*models.Ride, error) {
	r, err := s.coord.Lock(ctx, rideID, actor, lockedBy, notes)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, r.ID, r), nil
}

func (s *Service) Unlock(ctx context.Context, rideID string, actor models.ActorRole, notes string) (*models.Ride, error) {
	r, err := s.coord.Unlock(ctx, rideID, actor, notes)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, r.ID, r), nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, id)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, errs.NewNotFoundError("ride", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get ride")
	}
	return r, nil
}

// refresh reloads the ride after a mutation so the cache carries the audit trail too.
// fallback is returned when the reload fails.
func (s *Service) refresh(ctx context.Context, id string, fallback *models.Ride) *models.Ride {
	r, err := s.store.GetRide(ctx, id)
	if err != nil {
		s.log.Warn("reload ride", "ride_id", id, "error", err.Error())
		if s.cacheEnabled() {
			_ = s.cache.Delete(ctx, CacheKey(id))
		}
		return fallback
	}
	s.put(ctx, r)
	return r
}

func (s *Service) put(ctx context.Context, r *models.Ride) {
	if !s.cacheEnabled() {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		s.log.Warn("marshal ride for cache", "ride_id", r.ID, "error", err.Error())
		return
	}
	if err := s.cache.Set(ctx, CacheKey(r.ID), b, s.cfg.CacheTTL); err != nil {
		s.log.Warn("cache ride", "ride_id", r.ID, "error", err.Error())
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.cfg.CacheTTL > 0
}

func (s *Service) record(ctx context.Context, r *models.Ride, action, actor, details string) {
	if s.rec == nil {
		return
	}
	s.rec.Record(ctx, history.Entry{
		RideID:     r.ID,
		RideNumber: r.RideNumber,
		Action:     action,
		Status:     r.Status,
		Actor:      actor,
		Details:    details,
	})
}

func CacheKey(rideID string) string {
	return fmt.Sprintf("ride:%s:current", rideID)
}
