package statemachine

import (
	"errors"
	"testing"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Matrix(t *testing.T) {
	legal := map[models.RideStatus][]models.RideStatus{
		models.RideStatusCreated:     {"distributed", "sent", "locked", "approved", "cancelled"},
		models.RideStatusDistributed: {"sent", "locked", "approved", "cancelled", "created"},
		models.RideStatusSent:        {"locked", "approved", "cancelled", "created"},
		models.RideStatusLocked:      {"approved", "cancelled", "created"},
		models.RideStatusApproved:    {"enroute", "arrived", "cancelled"},
		models.RideStatusEnroute:     {"arrived", "cancelled"},
		models.RideStatusArrived:     {"completed", "cancelled"},
		models.RideStatusCompleted:   {},
		models.RideStatusCancelled:   {},
	}
	roleTargets := map[models.ActorRole][]models.RideStatus{
		models.ActorBot:    {"locked", "approved"},
		models.ActorDriver: {"enroute", "arrived", "completed"},
		models.ActorClient: {"created"},
	}
	contains := func(list []models.RideStatus, s models.RideStatus) bool {
		for _, x := range list {
			if x == s {
				return true
			}
		}
		return false
	}

	for _, from := range models.AllRideStatuses {
		for _, to := range models.AllRideStatuses {
			for _, role := range models.AllActorRoles {
				want := contains(legal[from], to) &&
					(role.IsPrivileged() || contains(roleTargets[role], to))
				got := CanTransition(from, to, role)
				assert.Equalf(t, want, got, "%s -> %s as %s", from, to, role)
			}
		}
	}
}

func TestCanTransition_TerminalStatesHaveNoExit(t *testing.T) {
	for _, terminal := range []models.RideStatus{models.RideStatusCompleted, models.RideStatusCancelled} {
		require.True(t, terminal.IsTerminal())
		assert.Empty(t, Next(terminal))
		for _, to := range models.AllRideStatuses {
			assert.False(t, CanTransition(terminal, to, models.ActorSystem))
		}
	}
}

func TestCanTransition_UnknownValues(t *testing.T) {
	assert.False(t, CanTransition("bogus", models.RideStatusCancelled, models.ActorSystem))
	assert.False(t, CanTransition(models.RideStatusCreated, "bogus", models.ActorSystem))
	assert.False(t, CanTransition(models.RideStatusCreated, models.RideStatusLocked, "martian"))
}

func TestCanTransition_NoSelfLoops(t *testing.T) {
	for _, s := range models.AllRideStatuses {
		assert.False(t, IsLegalEdge(s, s), string(s))
	}
}

func TestAllowedNext(t *testing.T) {
	assert.Equal(t,
		[]models.RideStatus{models.RideStatusLocked, models.RideStatusApproved},
		AllowedNext(models.RideStatusCreated, models.ActorBot))
	assert.Equal(t,
		[]models.RideStatus{models.RideStatusEnroute, models.RideStatusArrived},
		AllowedNext(models.RideStatusApproved, models.ActorDriver))
	assert.Empty(t, AllowedNext(models.RideStatusApproved, models.ActorClient))
	assert.Len(t, AllowedNext(models.RideStatusCreated, models.ActorAdmin), 5)
}

func TestNext_ReturnsCopy(t *testing.T) {
	next := Next(models.RideStatusCreated)
	next[0] = models.RideStatusCompleted
	assert.Equal(t, models.RideStatusDistributed, Next(models.RideStatusCreated)[0])
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(models.RideStatusArrived, models.RideStatusCompleted, models.ActorDriver))

	err := Check(models.RideStatusApproved, models.RideStatusCompleted, models.ActorDriver)
	require.Error(t, err)

	var ite *errs.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "approved", ite.Current)
	assert.Equal(t, "completed", ite.Requested)
	assert.Equal(t, "driver", ite.Role)
	assert.Equal(t, []string{"enroute", "arrived"}, ite.Allowed)
}
