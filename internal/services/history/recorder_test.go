package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type storeMock struct{ mock.Mock }

func (m *storeMock) AppendHistory(ctx context.Context, rideID string, h models.HistoryEntry, tl models.TimelineEntry) error {
	return m.Called(ctx, rideID, h, tl).Error(0)
}

type producerMock struct{ mock.Mock }

func (m *producerMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	return m.Called(ctx, topic, key, value).Error(0)
}

func TestRecorder_Record(t *testing.T) {
	st := &storeMock{}
	st.On("AppendHistory", mock.Anything, "R1",
		mock.MatchedBy(func(h models.HistoryEntry) bool {
			return h.Action == "claim" && h.Status == models.RideStatusLocked && h.Actor == "D1" && !h.At.IsZero()
		}),
		mock.MatchedBy(func(tl models.TimelineEntry) bool {
			return tl.Event == "driver_claimed" && tl.Details == "via bot"
		}),
	).Return(nil).Once()

	pr := &producerMock{}
	pr.On("Publish", mock.Anything, "ride.events", []byte("R1"), mock.MatchedBy(func(v []byte) bool {
		var ev messages.RideEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return false
		}
		return ev.RideID == "R1" && ev.RideNumber == "R-1" && ev.Status == "locked" && ev.Actor == "D1"
	})).Return(nil).Once()

	r := NewRecorder(st, pr, "ride.events", nil)
	r.Record(context.Background(), Entry{
		RideID: "R1", RideNumber: "R-1", Action: "claim", Status: models.RideStatusLocked,
		Actor: "D1", Details: "via bot", Event: "driver_claimed",
	})
	require.NoError(t, r.Close(context.Background()))

	st.AssertExpectations(t)
	pr.AssertExpectations(t)
	require.Equal(t, Stats{Recorded: 1}, r.Stats())
}

func TestRecorder_EventDefaultsToAction(t *testing.T) {
	st := &storeMock{}
	st.On("AppendHistory", mock.Anything, "R1", mock.Anything,
		mock.MatchedBy(func(tl models.TimelineEntry) bool { return tl.Event == "cancel" }),
	).Return(nil).Once()

	NewRecorder(st, nil, "", nil).Record(context.Background(), Entry{RideID: "R1", Action: "cancel"})
	st.AssertExpectations(t)
}

func TestRecorder_FailuresAreSwallowed(t *testing.T) {
	st := &storeMock{}
	st.On("AppendHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	pr := &producerMock{}
	pr.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("kafka down"))

	r := NewRecorder(st, pr, "ride.events", nil)
	require.NotPanics(t, func() {
		r.Record(context.Background(), Entry{RideID: "R1", Action: "lock"})
	})
	require.NoError(t, r.Close(context.Background()))
	require.Equal(t, Stats{StoreFailures: 1, PublishFailures: 1}, r.Stats())
}

// blockingProducer holds every publish until release is closed.
type blockingProducer struct {
	release chan struct{}
	keys    chan string
}

func (p *blockingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	<-p.release
	p.keys <- string(key)
	return nil
}

func TestRecorder_SlowBrokerDoesNotBlockRecord(t *testing.T) {
	st := &storeMock{}
	st.On("AppendHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	pr := &blockingProducer{release: make(chan struct{}), keys: make(chan string, 3)}

	r := NewRecorder(st, pr, "ride.events", nil)
	start := time.Now()
	for _, id := range []string{"R1", "R2", "R3"} {
		r.Record(context.Background(), Entry{RideID: id, Action: "claim"})
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, int64(3), r.Stats().Recorded, "store append stays synchronous")

	close(pr.release)
	require.NoError(t, r.Close(context.Background()))
	require.Equal(t, "R1", <-pr.keys)
	require.Equal(t, "R2", <-pr.keys)
	require.Equal(t, "R3", <-pr.keys)
}

func TestRecorder_CloseIsBoundedAndIdempotent(t *testing.T) {
	st := &storeMock{}
	st.On("AppendHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	pr := &blockingProducer{release: make(chan struct{}), keys: make(chan string, 1)}
	r := NewRecorder(st, pr, "ride.events", nil)
	r.Record(context.Background(), Entry{RideID: "R1", Action: "lock"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	require.NoError(t, r.Close(context.Background()))

	r.Record(context.Background(), Entry{RideID: "R2", Action: "cancel"})
	require.Equal(t, int64(1), r.Stats().PublishDropped)
	close(pr.release)
}
