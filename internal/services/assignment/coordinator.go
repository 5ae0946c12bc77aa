// Package assignment resolves concurrent claims on rides and applies validated
// status transitions through the store's conditional update.
package assignment

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/statemachine"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ConditionalUpdate(ctx context.Context, id string, expected []models.RideStatus, m models.RideMutation) (*models.Ride, error)
}

type DriverRepository interface {
	GetDriverByPhone(ctx context.Context, phone string) (*models.Driver, error)
	CreateDriver(ctx context.Context, d models.Driver) (*models.Driver, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Recorder interface {
	Record(ctx context.Context, e history.Entry)
}

type Config struct {
	AutoCreateLimit  int64         // default: 3
	AutoCreateWindow time.Duration // default: 10 minutes
}

var claimPreconditions = []models.RideStatus{
	models.RideStatusCreated,
	models.RideStatusDistributed,
	models.RideStatusSent,
}

type Coordinator struct {
	store   Store
	drivers DriverRepository
	rl      RateLimiter
	rec     Recorder
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

func New(store Store, drivers DriverRepository, rl RateLimiter, rec Recorder, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.AutoCreateLimit <= 0 {
		cfg.AutoCreateLimit = 3
	}
	if cfg.AutoCreateWindow <= 0 {
		cfg.AutoCreateWindow = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:   store,
		drivers: drivers,
		rl:      rl,
		rec:     rec,
		cfg:     cfg,
		log:     log.With("component", "assignment"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

type ClaimCommand struct {
	RideID string
	Driver DriverIdentity
	Actor  models.ActorRole
	// Target defaults to locked.
	Target models.RideStatus
	// Preconditions default to created, distributed and sent.
	Preconditions []models.RideStatus
	Notes         string
}

// Claim binds the driver to the ride if the ride is still in one of the preconditions.
// Losers get *errs.ConflictError naming the current assignee.
func (c *Coordinator) Claim(ctx context.Context, cmd ClaimCommand) (*models.Ride, error) {
	return c.claim(ctx, cmd, errs.ReasonAlreadyTaken, "claim")
}

type AssignCommand struct {
	RideID    string
	Driver    DriverIdentity
	Actor     models.ActorRole
	ActorName string
	Notes     string
}

// Assign is an operator assignment straight to approved.
func (c *Coordinator) Assign(ctx context.Context, cmd AssignCommand) (*models.Ride, error) {
	notes := cmd.Notes
	if cmd.ActorName != "" {
		notes = joinNotes("assigned by "+cmd.ActorName, notes)
	}
	return c.claim(ctx, ClaimCommand{
		RideID: cmd.RideID,
		Driver: cmd.Driver,
		Actor:  cmd.Actor,
		Target: models.RideStatusApproved,
		Notes:  notes,
	}, errs.ReasonAlreadyAssigned, "assign")
}

func (c *Coordinator) claim(ctx context.Context, cmd ClaimCommand, conflictReason, action string) (*models.Ride, error) {
	if err := requireRole(cmd.Actor); err != nil {
		return nil, err
	}
	target := cmd.Target
	if target == "" {
		target = models.RideStatusLocked
	}
	pre := cmd.Preconditions
	if len(pre) == 0 {
		pre = claimPreconditions
	}
	pre = legalSources(pre, target)

	if !statemachine.RoleMayRequest(cmd.Actor, target) || len(pre) == 0 {
		return nil, c.invalidTransition(ctx, cmd.RideID, target, cmd.Actor)
	}

	ident, err := cmd.Driver.Normalize()
	if err != nil {
		observability.ClaimsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	driver, err := c.resolveDriver(ctx, ident)
	if err != nil {
		observability.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	m := models.RideMutation{
		Status:     target,
		Driver:     &models.DriverBinding{ID: driver.ID, Phone: driver.Phone, Name: ident.Name},
		AssignedBy: string(cmd.Actor),
		At:         c.now(),
	}
	if m.Driver.Name == "" {
		m.Driver.Name = driver.Name
	}
	if target == models.RideStatusLocked {
		m.LockedBy = ident.Display()
	}

	ride, err := c.store.ConditionalUpdate(ctx, cmd.RideID, pre, m)
	if err != nil {
		if !isMiss(err) {
			return nil, errors.Wrap(err, "claim ride")
		}
		observability.ClaimsTotal.WithLabelValues("conflict").Inc()
		return nil, c.lostRace(ctx, cmd.RideID, conflictReason)
	}

	observability.ClaimsTotal.WithLabelValues("won").Inc()
	c.record(ctx, ride, action, ident.Display(), joinNotes("by "+string(cmd.Actor), cmd.Notes))
	return ride, nil
}

// resolveDriver finds the driver by phone, creating one when unknown and the per-phone limit allows it.
func (c *Coordinator) resolveDriver(ctx context.Context, ident DriverIdentity) (*models.Driver, error) {
	d, err := c.drivers.GetDriverByPhone(ctx, ident.Phone)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, models.ErrDriverNotFound) {
		return nil, errors.Wrap(err, "get driver")
	}

	if c.rl != nil {
		key := "rl:driver-autocreate:" + ident.Phone
		allowed, n, err := c.rl.Allow(ctx, key, c.cfg.AutoCreateLimit, c.cfg.AutoCreateWindow)
		if err != nil {
			// limiter outage must not block claims
			c.log.Warn("auto-create rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			c.log.Warn("driver auto-create rate limited", "phone", ident.Phone, "count", n)
			return nil, errs.NewRateLimitedError(key, n, c.cfg.AutoCreateLimit)
		}
	}

	created, err := c.drivers.CreateDriver(ctx, models.Driver{
		ID:          c.newID(),
		Phone:       ident.Phone,
		Name:        ident.Name,
		AutoCreated: true,
		CreatedAt:   c.now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "auto-create driver")
	}
	c.log.Info("driver auto-created", "driver_id", created.ID, "phone", created.Phone)
	return created, nil
}

// Release reverses a lock back to created and clears the driver binding.
// The role must be given explicitly; it is checked like any transition to created,
// so system, admin and client may unlock while bot and driver may not.
func (c *Coordinator) Release(ctx context.Context, rideID string, actor models.ActorRole, notes string) (*models.Ride, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	if !statemachine.CanTransition(models.RideStatusLocked, models.RideStatusCreated, actor) {
		return nil, c.invalidTransition(ctx, rideID, models.RideStatusCreated, actor)
	}

	ride, err := c.store.ConditionalUpdate(ctx, rideID, []models.RideStatus{models.RideStatusLocked}, models.RideMutation{
		Status:          models.RideStatusCreated,
		ClearAssignment: true,
		At:              c.now(),
	})
	if err != nil {
		if !isMiss(err) {
			return nil, errors.Wrap(err, "release ride")
		}
		cur, gerr := c.get(ctx, rideID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, errs.NewStateGuardError(errs.ReasonNotLocked, string(cur.Status))
	}

	c.record(ctx, ride, "unlock", string(actor), notes)
	return ride, nil
}

type TransitionCommand struct {
	RideID    string
	Target    models.RideStatus
	Actor     models.ActorRole
	ActorName string
	Notes     string
}

// Transition moves the ride to Target without binding a driver. Moving back to created
// clears any assignment.
func (c *Coordinator) Transition(ctx context.Context, cmd TransitionCommand) (*models.Ride, error) {
	if err := requireRole(cmd.Actor); err != nil {
		return nil, err
	}
	if _, ok := models.ParseRideStatus(string(cmd.Target)); !ok {
		return nil, errs.NewValidationError("targetStatus", "unknown status "+string(cmd.Target))
	}

	cur, err := c.get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if err := statemachine.Check(cur.Status, cmd.Target, cmd.Actor); err != nil {
		return nil, err
	}
	return c.apply(ctx, cur, models.RideMutation{
		Status:          cmd.Target,
		ClearAssignment: cmd.Target == models.RideStatusCreated,
	}, "status:"+string(cmd.Target), actorLabel(cmd.Actor, cmd.ActorName), cmd.Notes)
}

// Cancel fails with ALREADY_CANCELLED on a cancelled ride and with an invalid transition on a completed one.
func (c *Coordinator) Cancel(ctx context.Context, rideID string, actor models.ActorRole, actorName, reason string) (*models.Ride, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	cur, err := c.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.RideStatusCancelled {
		return nil, errs.NewStateGuardError(errs.ReasonAlreadyCancelled, string(cur.Status))
	}
	if err := statemachine.Check(cur.Status, models.RideStatusCancelled, actor); err != nil {
		return nil, err
	}

	ride, err := c.apply(ctx, cur, models.RideMutation{Status: models.RideStatusCancelled}, "cancel", actorLabel(actor, actorName), reason)
	if errors.Is(err, errs.ErrConflict) {
		if now, gerr := c.get(ctx, rideID); gerr == nil && now.Status == models.RideStatusCancelled {
			return nil, errs.NewStateGuardError(errs.ReasonAlreadyCancelled, string(now.Status))
		}
	}
	return ride, err
}

// Lock reserves the ride for lockedBy without binding a driver record.
func (c *Coordinator) Lock(ctx context.Context, rideID string, actor models.ActorRole, lockedBy, notes string) (*models.Ride, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	cur, err := c.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.RideStatusLocked {
		return nil, errs.NewStateGuardError(errs.ReasonAlreadyLocked, string(cur.Status))
	}
	if err := statemachine.Check(cur.Status, models.RideStatusLocked, actor); err != nil {
		return nil, err
	}
	if lockedBy == "" {
		lockedBy = string(actor)
	}

	ride, err := c.apply(ctx, cur, models.RideMutation{Status: models.RideStatusLocked, LockedBy: lockedBy}, "lock", lockedBy, notes)
	if errors.Is(err, errs.ErrConflict) {
		if now, gerr := c.get(ctx, rideID); gerr == nil && now.Status == models.RideStatusLocked {
			return nil, errs.NewStateGuardError(errs.ReasonAlreadyLocked, string(now.Status))
		}
	}
	return ride, err
}

// Unlock is Release exposed under the lock/unlock naming.
func (c *Coordinator) Unlock(ctx context.Context, rideID string, actor models.ActorRole, notes string) (*models.Ride, error) {
	return c.Release(ctx, rideID, actor, notes)
}

// apply runs the conditional update with the status read in cur as the only precondition.
func (c *Coordinator) apply(ctx context.Context, cur *models.Ride, m models.RideMutation, action, actor, notes string) (*models.Ride, error) {
	m.At = c.now()
	ride, err := c.store.ConditionalUpdate(ctx, cur.ID, []models.RideStatus{cur.Status}, m)
	if err != nil {
		if !isMiss(err) {
			return nil, errors.Wrap(err, "update ride")
		}
		return nil, c.lostRace(ctx, cur.ID, errs.ReasonStatusChanged)
	}
	observability.TransitionsTotal.WithLabelValues(string(cur.Status), string(ride.Status)).Inc()
	c.record(ctx, ride, action, actor, notes)
	return ride, nil
}

func (c *Coordinator) lostRace(ctx context.Context, rideID, reason string) error {
	cur, err := c.get(ctx, rideID)
	if err != nil {
		return err
	}
	return errs.NewConflictError(reason, rideID, string(cur.Status), cur.Assignee())
}

func (c *Coordinator) invalidTransition(ctx context.Context, rideID string, target models.RideStatus, role models.ActorRole) error {
	cur, err := c.get(ctx, rideID)
	if err != nil {
		return err
	}
	if err := statemachine.Check(cur.Status, target, role); err != nil {
		return err
	}
	// legal from the current status but not through this operation
	return errs.NewInvalidTransitionError(string(cur.Status), string(target), string(role), nil)
}

func (c *Coordinator) get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := c.store.GetRide(ctx, id)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, errs.NewNotFoundError("ride", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get ride")
	}
	return r, nil
}

func (c *Coordinator) record(ctx context.Context, r *models.Ride, action, actor, details string) {
	if c.rec == nil {
		return
	}
	c.rec.Record(ctx, history.Entry{
		RideID:     r.ID,
		RideNumber: r.RideNumber,
		Action:     action,
		Status:     r.Status,
		Actor:      actor,
		Details:    details,
	})
}

func requireRole(actor models.ActorRole) error {
	if actor == "" {
		return errs.NewValidationError("actorRole", "required")
	}
	if _, ok := models.ParseActorRole(string(actor)); !ok {
		return errs.NewValidationError("actorRole", "unknown role "+string(actor))
	}
	return nil
}

func isMiss(err error) bool {
	return errors.Is(err, models.ErrNoMatch) || errors.Is(err, models.ErrRideNotFound)
}

func legalSources(pre []models.RideStatus, target models.RideStatus) []models.RideStatus {
	out := make([]models.RideStatus, 0, len(pre))
	for _, s := range pre {
		if statemachine.IsLegalEdge(s, target) {
			out = append(out, s)
		}
	}
	return out
}

func actorLabel(role models.ActorRole, name string) string {
	if name != "" {
		return name + " (" + string(role) + ")"
	}
	return string(role)
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
