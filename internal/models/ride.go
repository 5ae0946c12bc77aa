package models

import (
	"errors"
	"time"
)

type RideStatus string

// Статусы жизненного цикла поездки.
const (
	RideStatusCreated     RideStatus = "created"
	RideStatusDistributed RideStatus = "distributed"
	RideStatusSent        RideStatus = "sent"
	RideStatusLocked      RideStatus = "locked"
	RideStatusApproved    RideStatus = "approved"
	RideStatusEnroute     RideStatus = "enroute"
	RideStatusArrived     RideStatus = "arrived"
	RideStatusCompleted   RideStatus = "completed"
	RideStatusCancelled   RideStatus = "cancelled"
)

var AllRideStatuses = []RideStatus{
	RideStatusCreated,
	RideStatusDistributed,
	RideStatusSent,
	RideStatusLocked,
	RideStatusApproved,
	RideStatusEnroute,
	RideStatusArrived,
	RideStatusCompleted,
	RideStatusCancelled,
}

func ParseRideStatus(s string) (RideStatus, bool) {
	for _, st := range AllRideStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s RideStatus) IsTerminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled
}

// DispatchableStatuses are the statuses a ride may be offered to drivers from.
var DispatchableStatuses = []RideStatus{
	RideStatusCreated,
	RideStatusDistributed,
	RideStatusSent,
}

func (s RideStatus) IsDispatchable() bool {
	for _, st := range DispatchableStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// ActorRole is the category of caller requesting a ride mutation.
type ActorRole string

const (
	ActorSystem ActorRole = "system"
	ActorAdmin  ActorRole = "admin"
	ActorBot    ActorRole = "bot"
	ActorDriver ActorRole = "driver"
	ActorClient ActorRole = "client"
)

var AllActorRoles = []ActorRole{ActorSystem, ActorAdmin, ActorBot, ActorDriver, ActorClient}

func ParseActorRole(s string) (ActorRole, bool) {
	for _, r := range AllActorRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// IsPrivileged reports whether the role may request any legal transition.
func (r ActorRole) IsPrivileged() bool {
	return r == ActorSystem || r == ActorAdmin
}

type Ride struct {
	ID            string     `json:"id"`
	RideNumber    string     `json:"rideNumber"`
	Customer      string     `json:"customer"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	Pickup        string     `json:"pickup"`
	Destination   string     `json:"destination"`
	Price         int64      `json:"price"`
	Status        RideStatus `json:"status"`
	StatusVersion int64      `json:"statusVersion"`

	DriverID    *string    `json:"driverId,omitempty"`
	DriverPhone *string    `json:"driverPhone,omitempty"`
	DriverName  *string    `json:"driverName,omitempty"`
	LockedBy    *string    `json:"lockedBy,omitempty"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	AssignedBy  *string    `json:"assignedBy,omitempty"`

	DispatchAttempts    int32      `json:"dispatchAttempts"`
	NextDispatchAt      *time.Time `json:"nextDispatchAt,omitempty"`
	LastDispatchChannel string     `json:"lastDispatchChannel,omitempty"`

	History  []HistoryEntry  `json:"history,omitempty"`
	Timeline []TimelineEntry `json:"timeline,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Assignee returns the best human-readable name of whoever holds the ride.
func (r *Ride) Assignee() string {
	switch {
	case r.DriverName != nil && *r.DriverName != "":
		return *r.DriverName
	case r.DriverPhone != nil && *r.DriverPhone != "":
		return *r.DriverPhone
	case r.DriverID != nil:
		return *r.DriverID
	case r.LockedBy != nil:
		return *r.LockedBy
	}
	return ""
}

// HistoryEntry and TimelineEntry are audit data only, nothing reads them to make decisions.
type HistoryEntry struct {
	Action  string     `json:"action"`
	Status  RideStatus `json:"status"`
	Actor   string     `json:"actor"`
	At      time.Time  `json:"at"`
	Details string     `json:"details,omitempty"`
}

type TimelineEntry struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Details string    `json:"details,omitempty"`
}

type DriverBinding struct {
	ID    string
	Phone string
	Name  string
}

// RideMutation is applied atomically by a store together with its status precondition.
type RideMutation struct {
	Status RideStatus

	// Driver binds driver fields and sets assigned_at/assigned_by.
	Driver     *DriverBinding
	AssignedBy string

	// LockedBy sets locked_by/locked_at when not empty.
	LockedBy string

	// ClearAssignment resets driver and lock fields. Takes precedence over Driver and LockedBy.
	ClearAssignment bool

	At time.Time
}

// ApplyTo mutates r in place the same way the SQL store does.
func (m RideMutation) ApplyTo(r *Ride) {
	at := m.At
	r.Status = m.Status
	r.StatusVersion++
	r.UpdatedAt = at

	if m.ClearAssignment {
		r.DriverID, r.DriverPhone, r.DriverName = nil, nil, nil
		r.AssignedAt, r.AssignedBy = nil, nil
		r.LockedBy, r.LockedAt = nil, nil
		return
	}
	if m.Driver != nil {
		id, phone, name, by := m.Driver.ID, m.Driver.Phone, m.Driver.Name, m.AssignedBy
		r.DriverID, r.DriverPhone, r.DriverName = &id, &phone, &name
		r.AssignedAt, r.AssignedBy = &at, &by
	}
	if m.LockedBy != "" {
		lb := m.LockedBy
		r.LockedBy, r.LockedAt = &lb, &at
	}
}

type RideCreateInput struct {
	Customer      string
	CustomerPhone string
	Pickup        string
	Destination   string
	Price         int64
	// NextDispatchAt is when the redispatch worker may pick the ride up.
	NextDispatchAt time.Time
}

// DispatchOutcome is persisted after each notification attempt for a ride.
type DispatchOutcome struct {
	Delivered      bool
	Channel        string
	NextDispatchAt *time.Time
}

type Driver struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	AutoCreated bool      `json:"autoCreated"`
	CreatedAt   time.Time `json:"createdAt"`
}

var (
	// ErrNoMatch is returned by a conditional update when the ride is not in any expected status.
	ErrNoMatch        = errors.New("ride status precondition not matched")
	ErrRideNotFound   = errors.New("ride not found")
	ErrDriverNotFound = errors.New("driver not found")
)
