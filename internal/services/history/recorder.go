package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/BearBump/RideDispatch/internal/models"
)

type Store interface {
	AppendHistory(ctx context.Context, rideID string, h models.HistoryEntry, tl models.TimelineEntry) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Entry struct {
	RideID     string
	RideNumber string
	Action     string
	Status     models.RideStatus
	Actor      string
	Details    string
	// Event names the timeline entry. Empty means Action.
	Event string
}

const (
	publishQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

type outgoing struct {
	rideID string
	value  []byte
}

// Recorder appends audit entries for ride mutations. It never fails the caller:
// store and publish errors are logged and counted.
//
// The store append is synchronous. Events are published by a single background
// goroutine, so per-ride order is kept and a slow broker never delays the caller.
// A full queue drops the event.
type Recorder struct {
	store    Store
	producer Producer
	topic    string
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan outgoing
	done   chan struct{}

	recorded      atomic.Int64
	storeFailures atomic.Int64
	pubFailures   atomic.Int64
	pubDropped    atomic.Int64
}

func NewRecorder(store Store, producer Producer, topic string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:    store,
		producer: producer,
		topic:    topic,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if producer != nil && topic != "" {
		r.queue = make(chan outgoing, publishQueueSize)
		r.done = make(chan struct{})
		go r.publishLoop()
	}
	return r
}

func (r *Recorder) publishLoop() {
	defer close(r.done)
	for m := range r.queue {
		// отдельный контекст: запрос, породивший событие, мог уже завершиться
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := r.producer.Publish(ctx, r.topic, []byte(m.rideID), m.value); err != nil {
			r.pubFailures.Add(1)
			r.log.Warn("publish ride event", "ride_id", m.rideID, "error", err.Error())
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are published or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.queue == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	at := r.now()
	event := e.Event
	if event == "" {
		event = e.Action
	}

	h := models.HistoryEntry{Action: e.Action, Status: e.Status, Actor: e.Actor, At: at, Details: e.Details}
	tl := models.TimelineEntry{Event: event, At: at, Details: e.Details}

	if err := r.store.AppendHistory(ctx, e.RideID, h, tl); err != nil {
		r.storeFailures.Add(1)
		r.log.Error("append ride history", "ride_id", e.RideID, "action", e.Action, "error", err.Error())
	} else {
		r.recorded.Add(1)
	}

	if r.queue == nil {
		return
	}
	b, err := json.Marshal(messages.RideEvent{
		RideID:     e.RideID,
		RideNumber: e.RideNumber,
		Action:     e.Action,
		Status:     string(e.Status),
		Actor:      e.Actor,
		Details:    e.Details,
		At:         at,
	})
	if err != nil {
		r.pubFailures.Add(1)
		r.log.Error("marshal ride event", "ride_id", e.RideID, "error", err.Error())
		return
	}
	r.enqueue(outgoing{rideID: e.RideID, value: b})
}

func (r *Recorder) enqueue(m outgoing) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.pubDropped.Add(1)
		return
	}
	select {
	case r.queue <- m:
	default:
		r.pubDropped.Add(1)
		r.log.Warn("ride event queue full, event dropped", "ride_id", m.rideID)
	}
}

type Stats struct {
	Recorded        int64 `json:"recorded"`
	StoreFailures   int64 `json:"storeFailures"`
	PublishFailures int64 `json:"publishFailures"`
	PublishDropped  int64 `json:"publishDropped"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:        r.recorded.Load(),
		StoreFailures:   r.storeFailures.Load(),
		PublishFailures: r.pubFailures.Load(),
		PublishDropped:  r.pubDropped.Load(),
	}
}
