package memrides

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/stretchr/testify/require"
)

func TestStorage_CreateAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRide(ctx, "a", models.RideCreateInput{Customer: "Ann", Pickup: "P", Destination: "D", Price: 100})
	require.NoError(t, err)
	require.Equal(t, "R-1", r.RideNumber)
	require.Equal(t, models.RideStatusCreated, r.Status)

	_, err = s.CreateRide(ctx, "a", models.RideCreateInput{})
	require.Error(t, err)

	r2, err := s.CreateRide(ctx, "b", models.RideCreateInput{})
	require.NoError(t, err)
	require.Equal(t, "R-2", r2.RideNumber)

	got, err := s.GetRideByNumber(ctx, "R-1")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	_, err = s.GetRide(ctx, "zzz")
	require.ErrorIs(t, err, models.ErrRideNotFound)
	_, err = s.GetRideByNumber(ctx, "R-99")
	require.ErrorIs(t, err, models.ErrRideNotFound)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRide(ctx, "a", models.RideCreateInput{})
	require.NoError(t, err)

	got, err := s.GetRide(ctx, "a")
	require.NoError(t, err)
	got.Status = models.RideStatusCompleted

	again, err := s.GetRide(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, models.RideStatusCreated, again.Status)
}

func TestStorage_ConditionalUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRide(ctx, "a", models.RideCreateInput{})
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r, err := s.ConditionalUpdate(ctx, "a", []models.RideStatus{models.RideStatusCreated},
		models.RideMutation{
			Status:     models.RideStatusLocked,
			Driver:     &models.DriverBinding{ID: "d1", Phone: "+7000", Name: "Dan"},
			AssignedBy: "bot",
			LockedBy:   "Dan",
			At:         at,
		})
	require.NoError(t, err)
	require.Equal(t, models.RideStatusLocked, r.Status)
	require.Equal(t, "d1", *r.DriverID)
	require.Equal(t, "bot", *r.AssignedBy)
	require.Equal(t, at, *r.LockedAt)
	require.Equal(t, int64(1), r.StatusVersion)

	_, err = s.ConditionalUpdate(ctx, "a", []models.RideStatus{models.RideStatusCreated},
		models.RideMutation{Status: models.RideStatusLocked})
	require.ErrorIs(t, err, models.ErrNoMatch)

	_, err = s.ConditionalUpdate(ctx, "missing", []models.RideStatus{models.RideStatusCreated},
		models.RideMutation{Status: models.RideStatusLocked})
	require.ErrorIs(t, err, models.ErrNoMatch)

	r, err = s.ConditionalUpdate(ctx, "a", []models.RideStatus{models.RideStatusLocked},
		models.RideMutation{Status: models.RideStatusCreated, ClearAssignment: true})
	require.NoError(t, err)
	require.Nil(t, r.DriverID)
	require.Nil(t, r.LockedBy)
	require.Nil(t, r.LockedAt)
	require.Nil(t, r.AssignedBy)
}

func TestStorage_ConcurrentClaimsExactlyOneWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRide(ctx, "race", models.RideCreateInput{})
	require.NoError(t, err)

	const n = 100
	var wins, conflicts atomic.Int64
	var winner atomic.Value
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			name := fmt.Sprintf("D%d", i)
			_, err := s.ConditionalUpdate(ctx, "race",
				[]models.RideStatus{models.RideStatusCreated, models.RideStatusSent},
				models.RideMutation{Status: models.RideStatusLocked, Driver: &models.DriverBinding{ID: name}, LockedBy: name})
			if err == nil {
				wins.Add(1)
				winner.Store(name)
				return
			}
			if err == models.ErrNoMatch {
				conflicts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(1), wins.Load())
	require.Equal(t, int64(n-1), conflicts.Load())

	r, err := s.GetRide(ctx, "race")
	require.NoError(t, err)
	require.Equal(t, winner.Load().(string), *r.DriverID)
	require.Equal(t, int64(1), r.StatusVersion)
}

func TestStorage_AppendHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRide(ctx, "a", models.RideCreateInput{})
	require.NoError(t, err)

	require.NoError(t, s.AppendHistory(ctx, "a", models.HistoryEntry{Action: "created"}, models.TimelineEntry{Event: "created"}))
	require.NoError(t, s.AppendHistory(ctx, "a", models.HistoryEntry{Action: "lock"}, models.TimelineEntry{Event: "lock"}))
	require.ErrorIs(t, s.AppendHistory(ctx, "x", models.HistoryEntry{}, models.TimelineEntry{}), models.ErrRideNotFound)

	r, err := s.GetRide(ctx, "a")
	require.NoError(t, err)
	require.Len(t, r.History, 2)
	require.Equal(t, "lock", r.History[1].Action)
	require.Len(t, r.Timeline, 2)

	// conditional update result carries no audit
	u, err := s.ConditionalUpdate(ctx, "a", []models.RideStatus{models.RideStatusCreated}, models.RideMutation{Status: models.RideStatusCancelled})
	require.NoError(t, err)
	require.Empty(t, u.History)
}

func TestStorage_ClaimDueRides(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateRide(ctx, "late", models.RideCreateInput{NextDispatchAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = s.CreateRide(ctx, "early", models.RideCreateInput{NextDispatchAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.CreateRide(ctx, "future", models.RideCreateInput{NextDispatchAt: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.CreateRide(ctx, "none", models.RideCreateInput{})
	require.NoError(t, err)
	_, err = s.CreateRide(ctx, "taken", models.RideCreateInput{NextDispatchAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = s.ConditionalUpdate(ctx, "taken", []models.RideStatus{models.RideStatusCreated}, models.RideMutation{Status: models.RideStatusLocked, LockedBy: "D1"})
	require.NoError(t, err)

	due, err := s.ClaimDueRides(ctx, now, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "early", due[0].ID)
	require.Equal(t, now.Add(time.Minute), *due[0].NextDispatchAt)

	due, err = s.ClaimDueRides(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "late", due[0].ID)

	due, err = s.ClaimDueRides(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestStorage_RecordDispatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRide(ctx, "a", models.RideCreateInput{})
	require.NoError(t, err)

	next := time.Now().Add(time.Minute)
	require.NoError(t, s.RecordDispatch(ctx, "a", models.DispatchOutcome{Channel: "bot", NextDispatchAt: &next}))
	require.NoError(t, s.RecordDispatch(ctx, "a", models.DispatchOutcome{Delivered: true, Channel: "sms"}))

	r, err := s.GetRide(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int32(2), r.DispatchAttempts)
	require.Equal(t, "sms", r.LastDispatchChannel)
	require.Nil(t, r.NextDispatchAt)

	require.ErrorIs(t, s.RecordDispatch(ctx, "x", models.DispatchOutcome{}), models.ErrRideNotFound)
}

func TestStorage_Drivers(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetDriverByPhone(ctx, "+7")
	require.ErrorIs(t, err, models.ErrDriverNotFound)

	d, err := s.CreateDriver(ctx, models.Driver{ID: "d1", Phone: "+7", Name: "Dan"})
	require.NoError(t, err)
	require.Equal(t, "d1", d.ID)

	dup, err := s.CreateDriver(ctx, models.Driver{ID: "d2", Phone: "+7"})
	require.NoError(t, err)
	require.Equal(t, "d1", dup.ID)
}
