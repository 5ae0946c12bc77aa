package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrConflict           = errors.New("conflict")
	ErrStateGuard         = errors.New("state guard")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")

	ErrAlreadyCancelled = errors.New("ride already cancelled")
	ErrAlreadyLocked    = errors.New("ride already locked")
	ErrNotLocked        = errors.New("ride not locked")
)

// Conflict reasons.
const (
	ReasonAlreadyAssigned = "ALREADY_ASSIGNED"
	ReasonAlreadyTaken    = "ALREADY_TAKEN"
	ReasonStatusChanged   = "STATUS_CHANGED"
)

// Guard reasons.
const (
	ReasonAlreadyCancelled = "ALREADY_CANCELLED"
	ReasonAlreadyLocked    = "ALREADY_LOCKED"
	ReasonNotLocked        = "NOT_LOCKED"
	ReasonNotDispatchable  = "NOT_DISPATCHABLE"
)

type InvalidTransitionError struct {
	Current   string
	Requested string
	Role      string
	Allowed   []string
}

func NewInvalidTransitionError(current, requested, role string, allowed []string) *InvalidTransitionError {
	return &InvalidTransitionError{Current: current, Requested: requested, Role: role, Allowed: allowed}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s is not allowed for role %s (allowed: %s)",
		ErrInvalidTransition, e.Current, e.Requested, e.Role, strings.Join(e.Allowed, ","))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a lost race: the ride is no longer in an expected status.
type ConflictError struct {
	Reason        string
	RideID        string
	CurrentStatus string
	AssignedTo    string
}

func NewConflictError(reason, rideID, currentStatus, assignedTo string) *ConflictError {
	return &ConflictError{Reason: reason, RideID: rideID, CurrentStatus: currentStatus, AssignedTo: assignedTo}
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s: %s: ride %s is %s", ErrConflict, e.Reason, e.RideID, e.CurrentStatus)
	if e.AssignedTo != "" {
		msg += " (assigned to " + sanitize(e.AssignedTo) + ")"
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StateGuardError rejects a command that is meaningless in the current status.
type StateGuardError struct {
	Reason  string
	Current string
}

func NewStateGuardError(reason, current string) *StateGuardError {
	return &StateGuardError{Reason: reason, Current: current}
}

func (e *StateGuardError) Error() string {
	return fmt.Sprintf("%s: %s (status %s)", ErrStateGuard, e.Reason, e.Current)
}

func (e *StateGuardError) Unwrap() error { return ErrStateGuard }

// Is matches the reason-specific sentinel as well as ErrStateGuard.
func (e *StateGuardError) Is(target error) bool {
	switch e.Reason {
	case ReasonAlreadyCancelled:
		return target == ErrAlreadyCancelled
	case ReasonAlreadyLocked:
		return target == ErrAlreadyLocked
	case ReasonNotLocked:
		return target == ErrNotLocked
	}
	return false
}

type ChannelFailure struct {
	Channel string `json:"channel"`
	Err     string `json:"error"`
}

type ChannelUnavailableError struct {
	Attempted []string
	Failures  []ChannelFailure
	LastErr   error
}

func NewChannelUnavailableError(attempted []string, failures []ChannelFailure, lastErr error) *ChannelUnavailableError {
	return &ChannelUnavailableError{Attempted: attempted, Failures: failures, LastErr: lastErr}
}

func (e *ChannelUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Channel+": "+sanitize(f.Err))
	}
	return fmt.Sprintf("%s: tried [%s]: %s", ErrChannelUnavailable, strings.Join(e.Attempted, ","), strings.Join(parts, "; "))
}

func (e *ChannelUnavailableError) Unwrap() error { return ErrChannelUnavailable }

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrNotFound, e.Kind, sanitize(e.ID))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type RateLimitedError struct {
	Key   string
	Count int64
	Limit int64
}

func NewRateLimitedError(key string, count, limit int64) *RateLimitedError {
	return &RateLimitedError{Key: key, Count: count, Limit: limit}
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s (%d/%d)", ErrRateLimited, e.Key, e.Count, e.Limit)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

func sanitize(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
