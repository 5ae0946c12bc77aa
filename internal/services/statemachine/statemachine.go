// Package statemachine holds the ride lifecycle graph and the role permissions on top of it.
// It is pure: no I/O, no clock.
package statemachine

import (
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
)

var transitions = map[models.RideStatus][]models.RideStatus{
	models.RideStatusCreated: {
		models.RideStatusDistributed, models.RideStatusSent, models.RideStatusLocked,
		models.RideStatusApproved, models.RideStatusCancelled,
	},
	models.RideStatusDistributed: {
		models.RideStatusSent, models.RideStatusLocked, models.RideStatusApproved,
		models.RideStatusCancelled, models.RideStatusCreated,
	},
	models.RideStatusSent: {
		models.RideStatusLocked, models.RideStatusApproved, models.RideStatusCancelled,
		models.RideStatusCreated,
	},
	models.RideStatusLocked: {
		models.RideStatusApproved, models.RideStatusCancelled, models.RideStatusCreated,
	},
	models.RideStatusApproved: {
		models.RideStatusEnroute, models.RideStatusArrived, models.RideStatusCancelled,
	},
	models.RideStatusEnroute: {
		models.RideStatusArrived, models.RideStatusCancelled,
	},
	models.RideStatusArrived: {
		models.RideStatusCompleted, models.RideStatusCancelled,
	},
	models.RideStatusCompleted: {},
	models.RideStatusCancelled: {},
}

// Targets a non-privileged role may request. system and admin are checked before this table.
var roleTargets = map[models.ActorRole]map[models.RideStatus]struct{}{
	models.ActorBot: {
		models.RideStatusLocked:   {},
		models.RideStatusApproved: {},
	},
	models.ActorDriver: {
		models.RideStatusEnroute:   {},
		models.RideStatusArrived:   {},
		models.RideStatusCompleted: {},
	},
	models.ActorClient: {
		models.RideStatusCreated: {},
	},
}

// IsLegalEdge reports whether from -> to exists in the lifecycle graph, regardless of role.
func IsLegalEdge(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RoleMayRequest reports whether role is permitted to ask for target at all.
func RoleMayRequest(role models.ActorRole, target models.RideStatus) bool {
	if role.IsPrivileged() {
		return true
	}
	_, ok := roleTargets[role][target]
	return ok
}

// CanTransition is true iff the edge is legal and the role may request the target.
// Unknown statuses and roles yield false.
func CanTransition(from, to models.RideStatus, role models.ActorRole) bool {
	if _, ok := transitions[from]; !ok {
		return false
	}
	return IsLegalEdge(from, to) && RoleMayRequest(role, to)
}

// Next returns the legal successors of current.
func Next(current models.RideStatus) []models.RideStatus {
	next := transitions[current]
	out := make([]models.RideStatus, len(next))
	copy(out, next)
	return out
}

// AllowedNext returns the successors of current that role may request.
func AllowedNext(current models.RideStatus, role models.ActorRole) []models.RideStatus {
	out := make([]models.RideStatus, 0, len(transitions[current]))
	for _, s := range transitions[current] {
		if RoleMayRequest(role, s) {
			out = append(out, s)
		}
	}
	return out
}

// Check returns an *errs.InvalidTransitionError when CanTransition is false.
func Check(from, to models.RideStatus, role models.ActorRole) error {
	if CanTransition(from, to, role) {
		return nil
	}
	allowed := AllowedNext(from, role)
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		names = append(names, string(s))
	}
	return errs.NewInvalidTransitionError(string(from), string(to), string(role), names)
}
