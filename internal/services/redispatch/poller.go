package redispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueRides(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Ride, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rideID, actor string) (*rides.DispatchReport, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

const actor = "dispatch-worker"

// Poller periodically picks rides whose redispatch time has come and offers them again.
type Poller struct {
	repo       Repository
	dispatcher Dispatcher
	rl         RateLimiter

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}
	now       func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalDelivered      atomic.Int64
	totalUndelivered    atomic.Int64
	totalDeferred       atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, d Dispatcher, rl RateLimiter) *Poller {
	return &Poller{
		repo:              repo,
		dispatcher:        d,
		rl:                rl,
		pollInterval:      2 * time.Second,
		batchSize:         50,
		concurrency:       10,
		lease:             60 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		now:               func() time.Time { return time.Now().UTC() },
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// WithSettings overrides the positive values only. rlPerMin <= 0 leaves dispatch unlimited.
func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalProcessed   int64      `json:"totalProcessed"`
	TotalDelivered   int64      `json:"totalDelivered"`
	TotalUndelivered int64      `json:"totalUndelivered"`
	TotalDeferred    int64      `json:"totalDeferred"`
	TotalErrors      int64      `json:"totalErrors"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:     p.totalClaimed.Load(),
		TotalProcessed:   p.totalProcessed.Load(),
		TotalDelivered:   p.totalDelivered.Load(),
		TotalUndelivered: p.totalUndelivered.Load(),
		TotalDeferred:    p.totalDeferred.Load(),
		TotalErrors:      p.totalErrors.Load(),
		InFlight:         p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

type Settings struct {
	PollInterval       string `json:"pollInterval"`
	BatchSize          int    `json:"batchSize"`
	Concurrency        int    `json:"concurrency"`
	Lease              string `json:"lease"`
	RateLimitPerMinute int64  `json:"rateLimitPerMinute"`
}

func (p *Poller) Settings() Settings {
	return Settings{
		PollInterval:       p.pollInterval.String(),
		BatchSize:          p.batchSize,
		Concurrency:        p.concurrency,
		Lease:              p.lease.String(),
		RateLimitPerMinute: p.rateLimitPerMinute,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := p.now()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueRides(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due rides", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))
	observability.RedispatchClaimed.Add(float64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, r := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func(r *models.Ride) {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, r); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("redispatch ride", "ride_id", r.ID, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}(r)
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, r *models.Ride) error {
	if p.rl != nil && p.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:dispatch:%s", p.now().Format("200601021504"))
		allowed, n, err := p.rl.Allow(ctx, minuteKey, p.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return errors.Wrap(err, "dispatch rate limit")
		}
		if !allowed {
			// лимит на минуту исчерпан: поездка вернётся в выборку после истечения lease
			slog.Warn("dispatch rate limit exceeded", "ride_id", r.ID, "count", n)
			p.totalDeferred.Add(1)
			return nil
		}
	}

	_, err := p.dispatcher.Dispatch(ctx, r.ID, actor)
	switch {
	case err == nil:
		p.totalDelivered.Add(1)
		return nil
	case errors.Is(err, errs.ErrChannelUnavailable):
		// the service already scheduled the next attempt
		p.totalUndelivered.Add(1)
		slog.Warn("redispatch undelivered", "ride_id", r.ID, "attempts", r.DispatchAttempts+1, "error", err.Error())
		return nil
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrStateGuard):
		// claimed, cancelled or removed since the lease was taken
		return nil
	}
	return err
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
