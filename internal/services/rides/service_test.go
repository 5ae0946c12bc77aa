package rides

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/BearBump/RideDispatch/internal/integrations/channel/fake"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/executor"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/BearBump/RideDispatch/internal/storage/memrides"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type cacheMock struct{ mock.Mock }

func (m *cacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *cacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *cacheMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.m[key]
	return b, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

type stepBackoff time.Duration

func (b stepBackoff) BackoffDelay(attempts int) time.Duration {
	return time.Duration(attempts) * time.Duration(b)
}

type ServiceSuite struct {
	suite.Suite

	store    *memrides.Storage
	cache    *mapCache
	primary  *fake.Transport
	fallback *fake.Transport
	router   *router.Router
	svc      *Service
}

func (s *ServiceSuite) SetupTest() {
	s.store = memrides.New()
	s.cache = &mapCache{m: map[string][]byte{}}
	s.primary, s.fallback = fake.New("bot"), fake.New("sms")

	ex := executor.New(executor.Config{Timeout: time.Second, MaxRetries: 0},
		map[string]channel.Transport{"bot": s.primary, "sms": s.fallback}, nil)
	r, err := router.New(ex, router.Config{Primary: "bot", Fallback: "sms", MaxFailures: 3}, nil)
	s.Require().NoError(err)
	s.router = r

	rec := history.NewRecorder(s.store, nil, "", nil)
	coord := assignment.New(s.store, s.store, nil, rec, assignment.Config{}, nil)
	s.svc = New(s.store, coord, r, stepBackoff(time.Minute), rec, s.cache, Config{CacheTTL: time.Minute}, nil)
}

func (s *ServiceSuite) create() *models.Ride {
	r, err := s.svc.Create(context.Background(), CreateInput{Customer: "Anna", Pickup: "Airport", Destination: "Center", Price: 1500})
	s.Require().NoError(err)
	return r
}

func (s *ServiceSuite) TestCreate() {
	r := s.create()
	s.Require().NotEmpty(r.ID)
	s.Require().Equal("R-1", r.RideNumber)
	s.Require().Equal(models.RideStatusCreated, r.Status)
	s.Require().NotNil(r.NextDispatchAt)
	s.Require().Len(r.History, 1)
	s.Require().Equal("created", r.History[0].Action)
	s.Require().Equal("system", r.History[0].Actor)

	_, cached := s.cache.m[CacheKey(r.ID)]
	s.Require().True(cached)
}

func (s *ServiceSuite) TestCreate_Validation() {
	cases := []CreateInput{
		{Pickup: "a", Destination: "b"},
		{Customer: "c", Destination: "b"},
		{Customer: "c", Pickup: "a", Destination: "  "},
		{Customer: "c", Pickup: "a", Destination: "b", Price: -1},
	}
	for _, in := range cases {
		_, err := s.svc.Create(context.Background(), in)
		s.Require().ErrorIs(err, errs.ErrValidation)
	}
}

func (s *ServiceSuite) TestCreate_DispatchDelayNegativeDisablesScheduling() {
	s.svc.cfg.DispatchDelay = -1
	r := s.create()
	s.Require().Nil(r.NextDispatchAt)
}

func (s *ServiceSuite) TestGet_CacheHitSkipsStore() {
	want := &models.Ride{ID: "cached", RideNumber: "R-99", Status: models.RideStatusSent}
	b, _ := json.Marshal(want)
	s.cache.m[CacheKey("cached")] = b

	got, err := s.svc.Get(context.Background(), "cached")
	s.Require().NoError(err)
	s.Require().Equal("R-99", got.RideNumber)
}

func (s *ServiceSuite) TestGet_NotFound() {
	_, err := s.svc.Get(context.Background(), "missing")
	s.Require().ErrorIs(err, errs.ErrNotFound)
	_, err = s.svc.Get(context.Background(), "")
	s.Require().ErrorIs(err, errs.ErrValidation)
}

func (s *ServiceSuite) TestGetByIdentifier_ByNumber() {
	r := s.create()
	got, err := s.svc.GetByIdentifier(context.Background(), r.RideNumber)
	s.Require().NoError(err)
	s.Require().Equal(r.ID, got.ID)

	got, err = s.svc.GetByIdentifier(context.Background(), " "+r.ID+" ")
	s.Require().NoError(err)
	s.Require().Equal(r.ID, got.ID)

	_, err = s.svc.GetByIdentifier(context.Background(), "R-404")
	s.Require().ErrorIs(err, errs.ErrNotFound)
}

func (s *ServiceSuite) TestDispatch_PrimaryMovesToDistributed() {
	r := s.create()

	rep, err := s.svc.Dispatch(context.Background(), r.ID, "admin")
	s.Require().NoError(err)
	s.Require().Equal("bot", rep.Result.Channel)
	s.Require().Equal(models.RideStatusDistributed, rep.Ride.Status)
	s.Require().Equal(int32(1), rep.Ride.DispatchAttempts)
	s.Require().Nil(rep.Ride.NextDispatchAt)
	s.Require().Equal("bot", rep.Ride.LastDispatchChannel)

	actions := make([]string, 0, len(rep.Ride.History))
	for _, h := range rep.Ride.History {
		actions = append(actions, h.Action)
	}
	s.Require().Equal([]string{"created", "dispatched", "status:distributed"}, actions)
}

func (s *ServiceSuite) TestDispatch_FallbackMovesToSent() {
	r := s.create()
	s.primary.SetDown(true)

	rep, err := s.svc.Dispatch(context.Background(), r.ID, "")
	s.Require().NoError(err)
	s.Require().True(rep.Result.Fallback)
	s.Require().Equal(models.RideStatusSent, rep.Ride.Status)

	// sent -> distributed is not an edge, the status stays
	s.primary.SetDown(false)
	rep, err = s.svc.Dispatch(context.Background(), r.ID, "")
	s.Require().NoError(err)
	s.Require().Equal("bot", rep.Result.Channel)
	s.Require().Equal(models.RideStatusSent, rep.Ride.Status)
}

func (s *ServiceSuite) TestDispatch_AllChannelsFailKeepsStatusAndSchedulesRetry() {
	r := s.create()
	s.primary.SetDown(true)
	s.fallback.SetDown(true)
	before := time.Now().UTC()

	_, err := s.svc.Dispatch(context.Background(), r.ID, "")
	var cu *errs.ChannelUnavailableError
	s.Require().True(errors.As(err, &cu))
	s.Require().Equal([]string{"bot", "sms"}, cu.Attempted)

	got, err := s.store.GetRide(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusCreated, got.Status)
	s.Require().Equal(int32(1), got.DispatchAttempts)
	s.Require().NotNil(got.NextDispatchAt)
	s.Require().WithinDuration(before.Add(time.Minute), *got.NextDispatchAt, 5*time.Second)
	s.Require().Equal("dispatch_failed", got.History[len(got.History)-1].Action)

	_, err = s.svc.Dispatch(context.Background(), r.ID, "")
	s.Require().Error(err)
	got, err = s.store.GetRide(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Require().WithinDuration(before.Add(2*time.Minute), *got.NextDispatchAt, 5*time.Second)
}

func (s *ServiceSuite) TestDispatch_Guards() {
	_, err := s.svc.Dispatch(context.Background(), "missing", "")
	s.Require().ErrorIs(err, errs.ErrNotFound)

	r := s.create()
	_, err = s.svc.Cancel(context.Background(), r.ID, models.ActorAdmin, "", "")
	s.Require().NoError(err)

	_, err = s.svc.Dispatch(context.Background(), r.ID, "")
	var sg *errs.StateGuardError
	s.Require().True(errors.As(err, &sg))
	s.Require().Equal(errs.ReasonNotDispatchable, sg.Reason)
	s.Require().Equal(0, s.primary.Calls())
}

func (s *ServiceSuite) TestDriverResponse_AcceptThenLosingAccept() {
	r := s.create()
	_, err := s.svc.Dispatch(context.Background(), r.ID, "")
	s.Require().NoError(err)

	sum, err := s.svc.DriverResponse(context.Background(), DriverResponseInput{
		RideIdentifier: r.RideNumber,
		Driver:         assignment.DriverIdentity{Phone: "+79000000001", Name: "D1"},
		Response:       "ACCEPT",
	})
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusLocked, sum.Status)
	s.Require().Equal("D1", *sum.DriverName)

	// the cached copy reflects the claim
	cached, err := s.svc.Get(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusLocked, cached.Status)

	_, err = s.svc.DriverResponse(context.Background(), DriverResponseInput{
		RideIdentifier: r.ID,
		Driver:         assignment.DriverIdentity{Phone: "+79000000002", Name: "D2"},
		Response:       "accept",
	})
	var ce *errs.ConflictError
	s.Require().True(errors.As(err, &ce))
	s.Require().Equal(errs.ReasonAlreadyTaken, ce.Reason)
	s.Require().Equal("D1", ce.AssignedTo)
}

func (s *ServiceSuite) TestDriverResponse_RejectOnlyRecordsHistory() {
	r := s.create()

	sum, err := s.svc.DriverResponse(context.Background(), DriverResponseInput{
		RideIdentifier: r.ID,
		Driver:         assignment.DriverIdentity{Phone: "+79000000003"},
		Response:       "reject",
	})
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusCreated, sum.Status)
	s.Require().Nil(sum.DriverID)

	got, err := s.store.GetRide(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusCreated, got.Status)
	last := got.History[len(got.History)-1]
	s.Require().Equal("driver_reject", last.Action)
	s.Require().Equal("+79000000003", last.Actor)
}

func (s *ServiceSuite) TestDriverResponse_Validation() {
	r := s.create()
	_, err := s.svc.DriverResponse(context.Background(), DriverResponseInput{RideIdentifier: r.ID, Response: "maybe"})
	s.Require().ErrorIs(err, errs.ErrValidation)

	_, err = s.svc.DriverResponse(context.Background(), DriverResponseInput{RideIdentifier: r.ID, Response: "reject", Driver: assignment.DriverIdentity{Phone: "x"}})
	s.Require().ErrorIs(err, errs.ErrValidation)

	_, err = s.svc.DriverResponse(context.Background(), DriverResponseInput{RideIdentifier: "R-777", Response: "accept", Driver: assignment.DriverIdentity{Phone: "+79000000001"}})
	s.Require().ErrorIs(err, errs.ErrNotFound)
}

func (s *ServiceSuite) TestAdminOperationsRefreshCache() {
	r := s.create()
	ctx := context.Background()

	_, err := s.svc.Lock(ctx, r.ID, models.ActorAdmin, "ops", "")
	s.Require().NoError(err)
	got, err := s.svc.Get(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusLocked, got.Status)

	_, err = s.svc.Unlock(ctx, r.ID, models.ActorAdmin, "")
	s.Require().NoError(err)

	_, err = s.svc.Assign(ctx, assignment.AssignCommand{RideID: r.ID, Driver: assignment.DriverIdentity{Phone: "+79000000001"}, Actor: models.ActorAdmin})
	s.Require().NoError(err)

	_, err = s.svc.Transition(ctx, assignment.TransitionCommand{RideID: r.ID, Target: models.RideStatusEnroute, Actor: models.ActorDriver})
	s.Require().NoError(err)
	got, err = s.svc.Get(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusEnroute, got.Status)

	_, err = s.svc.Transition(ctx, assignment.TransitionCommand{RideID: r.ID, Target: models.RideStatusCompleted, Actor: models.ActorDriver})
	s.Require().ErrorIs(err, errs.ErrInvalidTransition)
}

func (s *ServiceSuite) TestApplyDriverResponse() {
	r := s.create()
	ctx := context.Background()

	s.Require().NoError(s.svc.ApplyDriverResponse(ctx, messages.DriverResponse{
		RideIdentifier: r.RideNumber, DriverPhone: "+79990000001", DriverName: "D1", Response: messages.DriverResponseAccept,
	}))
	got, err := s.store.GetRide(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.RideStatusLocked, got.Status)

	// lost race, unknown ride and garbage are committed, not retried
	for _, m := range []messages.DriverResponse{
		{RideIdentifier: r.ID, DriverPhone: "+79990000002", DriverName: "D2", Response: messages.DriverResponseAccept},
		{RideIdentifier: "R-404", DriverPhone: "+79990000002", Response: messages.DriverResponseAccept},
		{RideIdentifier: r.ID, DriverPhone: "+79990000002", Response: "maybe"},
	} {
		s.Require().NoError(s.svc.ApplyDriverResponse(ctx, m))
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func TestGet_CacheErrorsAreMisses(t *testing.T) {
	store := memrides.New()
	_, err := store.CreateRide(context.Background(), "r1", models.RideCreateInput{Customer: "c", Pickup: "p", Destination: "d"})
	require.NoError(t, err)

	c := &cacheMock{}
	c.On("Get", mock.Anything, "ride:r1:current").Return([]byte(nil), false, errors.New("redis down")).Once()
	c.On("Get", mock.Anything, "ride:r1:current").Return([]byte("not-json"), true, nil).Once()
	c.On("Set", mock.Anything, "ride:r1:current", mock.Anything, time.Minute).Return(errors.New("set failed")).Twice()

	svc := New(store, nil, nil, nil, nil, c, Config{CacheTTL: time.Minute}, nil)
	for i := 0; i < 2; i++ {
		r, err := svc.Get(context.Background(), "r1")
		require.NoError(t, err)
		require.Equal(t, "r1", r.ID)
	}
	c.AssertExpectations(t)
}

func TestGet_CacheDisabledWhenTTLZero(t *testing.T) {
	store := memrides.New()
	_, err := store.CreateRide(context.Background(), "r1", models.RideCreateInput{})
	require.NoError(t, err)

	c := &cacheMock{}
	svc := New(store, nil, nil, nil, nil, c, Config{}, nil)
	_, err = svc.Get(context.Background(), "r1")
	require.NoError(t, err)
	c.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	c.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

type brokenStore struct{ Store }

func (brokenStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return nil, errors.New("connection refused")
}

func TestApplyDriverResponse_InfraErrorIsReturned(t *testing.T) {
	svc := New(brokenStore{}, nil, nil, nil, nil, nil, Config{}, nil)
	err := svc.ApplyDriverResponse(context.Background(), messages.DriverResponse{
		RideIdentifier: "r1", DriverPhone: "+79990000001", Response: messages.DriverResponseAccept,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}
