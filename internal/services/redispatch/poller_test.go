package redispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/BearBump/RideDispatch/internal/integrations/channel/fake"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/executor"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/BearBump/RideDispatch/internal/storage/memrides"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu    sync.Mutex
	calls int
	out   []*models.Ride
	err   error
}

func (r *fakeRepo) ClaimDueRides(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Ride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := r.out
	r.out = nil
	return out, r.err
}

func (r *fakeRepo) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeDispatcher struct {
	mu    sync.Mutex
	ids   []string
	errBy map[string]error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, rideID, actor string) (*rides.DispatchReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, rideID)
	if err := d.errBy[rideID]; err != nil {
		return nil, err
	}
	return &rides.DispatchReport{}, nil
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	keys    []string
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	return r.allowed, r.count, r.err
}

func TestPoller_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	p := New(repo, &fakeDispatcher{}, nil).WithSettings(5*time.Millisecond, 1, 1, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, repo.Calls(), 1)
}

func TestPoller_Trigger_RunsImmediately(t *testing.T) {
	repo := &fakeRepo{}
	p := New(repo, &fakeDispatcher{}, nil).WithSettings(time.Hour, 1, 1, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	p.Trigger()
	p.Trigger() // coalesced
	require.Eventually(t, func() bool { return repo.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, p.Stats().LastTriggerAt)
	cancel()
	<-done
}

func TestPoller_runOnce_Outcomes(t *testing.T) {
	repo := &fakeRepo{out: []*models.Ride{{ID: "ok"}, {ID: "down"}, {ID: "gone"}, {ID: "boom"}}}
	d := &fakeDispatcher{errBy: map[string]error{
		"down": errs.NewChannelUnavailableError([]string{"bot", "sms"}, nil, errors.New("timeout")),
		"gone": errs.NewStateGuardError(errs.ReasonNotDispatchable, "locked"),
		"boom": errors.New("db down"),
	}}
	p := New(repo, d, nil).WithSettings(0, 10, 2, 0, 0)

	p.runOnce(context.Background())

	require.ElementsMatch(t, []string{"ok", "down", "gone", "boom"}, d.ids)
	st := p.Stats()
	require.Equal(t, int64(4), st.TotalClaimed)
	require.Equal(t, int64(4), st.TotalProcessed)
	require.Equal(t, int64(1), st.TotalDelivered)
	require.Equal(t, int64(1), st.TotalUndelivered)
	require.Equal(t, int64(1), st.TotalErrors)
	require.Equal(t, int64(0), st.InFlight)
	require.Equal(t, "db down", st.LastError)
	require.NotNil(t, st.LastCycleAt)
}

func TestPoller_runOnce_ClaimError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("pg down")}
	p := New(repo, &fakeDispatcher{}, nil)
	p.runOnce(context.Background())
	require.Equal(t, "pg down", p.Stats().LastError)
	require.Equal(t, int64(0), p.Stats().TotalClaimed)
}

func TestPoller_processOne_RateLimit(t *testing.T) {
	d := &fakeDispatcher{}
	rl := &fakeRL{allowed: false, count: 11}
	p := New(nil, d, rl).WithSettings(0, 0, 0, 0, 10)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC) }

	require.NoError(t, p.processOne(context.Background(), &models.Ride{ID: "r1"}))
	require.Empty(t, d.ids)
	require.Equal(t, []string{"rl:dispatch:202603011230"}, rl.keys)
	require.Equal(t, int64(1), p.Stats().TotalDeferred)

	rl.allowed = true
	require.NoError(t, p.processOne(context.Background(), &models.Ride{ID: "r1"}))
	require.Equal(t, []string{"r1"}, d.ids)

	rl.err = errors.New("redis down")
	require.Error(t, p.processOne(context.Background(), &models.Ride{ID: "r2"}))
}

func TestPoller_processOne_NoLimitWithoutSetting(t *testing.T) {
	d := &fakeDispatcher{}
	rl := &fakeRL{}
	p := New(nil, d, rl)
	require.NoError(t, p.processOne(context.Background(), &models.Ride{ID: "r1"}))
	require.Empty(t, rl.keys)
	require.Equal(t, []string{"r1"}, d.ids)
}

func TestPoller_WithSettings(t *testing.T) {
	p := New(nil, nil, nil).WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, Settings{PollInterval: "5s", BatchSize: 7, Concurrency: 9, Lease: "11s", RateLimitPerMinute: 13}, p.Settings())

	p = New(nil, nil, nil).WithSettings(0, 0, 0, 0, 0)
	require.Equal(t, 2*time.Second, p.pollInterval)
	require.Equal(t, 50, p.batchSize)
	require.Equal(t, int64(0), p.rateLimitPerMinute)
}

func TestPoller_RedispatchesDueRidesEndToEnd(t *testing.T) {
	store := memrides.New()
	primary, fallback := fake.New("bot"), fake.New("sms")
	ex := executor.New(executor.Config{Timeout: time.Second, MaxRetries: 0},
		map[string]channel.Transport{"bot": primary, "sms": fallback}, nil)
	r, err := router.New(ex, router.Config{Primary: "bot", Fallback: "sms"}, nil)
	require.NoError(t, err)
	rec := history.NewRecorder(store, nil, "", nil)
	coord := assignment.New(store, store, nil, rec, assignment.Config{}, nil)
	planner := NewPlanner(PlannerConfig{}, nil)
	svc := rides.New(store, coord, r, planner, rec, nil, rides.Config{}, nil)

	ride, err := svc.Create(context.Background(), rides.CreateInput{Customer: "c", Pickup: "p", Destination: "d"})
	require.NoError(t, err)

	// both channels down: the ride stays created and gets the first backoff
	primary.SetDown(true)
	fallback.SetDown(true)
	p := New(store, svc, nil).WithSettings(0, 10, 4, time.Minute, 0)
	p.runOnce(context.Background())

	got, err := store.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, models.RideStatusCreated, got.Status)
	require.Equal(t, int32(1), got.DispatchAttempts)
	require.WithinDuration(t, time.Now().Add(30*time.Second), *got.NextDispatchAt, 5*time.Second)
	require.Equal(t, int64(1), p.Stats().TotalUndelivered)

	// not due yet
	p.runOnce(context.Background())
	require.Equal(t, int64(1), p.Stats().TotalClaimed)

	primary.SetDown(false)
	var clock atomic.Int64
	clock.Store(time.Now().Add(time.Minute).UnixNano())
	p.now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }
	p.runOnce(context.Background())

	got, err = store.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, models.RideStatusDistributed, got.Status)
	require.Nil(t, got.NextDispatchAt)
	require.Equal(t, int64(1), p.Stats().TotalDelivered)
	require.Len(t, primary.Sent(), 1)
}
