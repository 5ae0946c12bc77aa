// Package executor performs single notification sends against one channel with a
// per-call timeout and bounded exponential-backoff retries, and keeps per-channel stats.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/pkg/errors"
)

var ErrUnknownChannel = errors.New("unknown channel")

type Config struct {
	Timeout    time.Duration // default: 5s
	MaxRetries int           // default: 2, so 3 attempts total
	BaseDelay  time.Duration // default: 100ms
}

func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Result struct {
	Channel  string
	Ack      channel.Ack
	Attempts int
	Latency  time.Duration
}

// ChannelError is returned once retries are exhausted or the failure is permanent.
type ChannelError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type ChannelStats struct {
	Attempts     int64   `json:"attempts"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	Retries      int64   `json:"retries"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

type Executor struct {
	cfg      Config
	channels map[string]channel.Transport
	sleep    SleepFunc
	log      *slog.Logger

	mu    sync.Mutex
	stats map[string]*ChannelStats
}

func New(cfg Config, channels map[string]channel.Transport, log *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if log == nil {
		log = slog.Default()
	}
	stats := make(map[string]*ChannelStats, len(channels))
	for id := range channels {
		stats[id] = &ChannelStats{}
	}
	return &Executor{
		cfg:      cfg,
		channels: channels,
		sleep:    sleepCtx,
		log:      log,
		stats:    stats,
	}
}

func (e *Executor) WithSleep(fn SleepFunc) *Executor {
	if fn != nil {
		e.sleep = fn
	}
	return e
}

func (e *Executor) Config() Config { return e.cfg }

// BackoffDelay returns the wait before retry number attempt (1-based): base * 2^(attempt-1).
func (e *Executor) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return e.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
}

func (e *Executor) Channels() []string {
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) HasChannel(id string) bool {
	_, ok := e.channels[id]
	return ok
}

// Execute sends req over channelID. Transient failures are retried up to MaxRetries times.
func (e *Executor) Execute(ctx context.Context, channelID string, req channel.Request) (Result, error) {
	tr, ok := e.channels[channelID]
	if !ok {
		return Result{}, &ChannelError{Channel: channelID, Err: ErrUnknownChannel}
	}

	var lastErr error
	maxAttempts := e.cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		ack, err := e.attempt(ctx, tr, req)
		latency := time.Since(start)
		if err != nil && ctx.Err() != nil {
			// caller cancellation says nothing about the channel
			return Result{}, &ChannelError{Channel: channelID, Attempts: attempt, Err: err}
		}
		e.record(channelID, latency, err == nil)
		observability.ChannelAttemptSeconds.WithLabelValues(channelID).Observe(latency.Seconds())

		if err == nil {
			return Result{Channel: channelID, Ack: ack, Attempts: attempt, Latency: latency}, nil
		}
		lastErr = err

		if channel.IsPermanent(err) || ctx.Err() != nil || attempt == maxAttempts {
			return Result{}, &ChannelError{Channel: channelID, Attempts: attempt, Err: lastErr}
		}

		delay := e.BackoffDelay(attempt)
		e.countRetry(channelID)
		observability.ChannelRetriesTotal.WithLabelValues(channelID).Inc()
		e.log.Warn("channel send failed, retrying",
			"channel", channelID, "attempt", attempt, "delay", delay.String(), "error", err.Error())

		if err := e.sleep(ctx, delay); err != nil {
			return Result{}, &ChannelError{Channel: channelID, Attempts: attempt, Err: lastErr}
		}
	}
	return Result{}, &ChannelError{Channel: channelID, Attempts: maxAttempts, Err: lastErr}
}

// Probe runs one health probe under the configured timeout, without retries or stats.
func (e *Executor) Probe(ctx context.Context, channelID string) error {
	tr, ok := e.channels[channelID]
	if !ok {
		return &ChannelError{Channel: channelID, Err: ErrUnknownChannel}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return tr.HealthProbe(callCtx)
}

func (e *Executor) attempt(ctx context.Context, tr channel.Transport, req channel.Request) (channel.Ack, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return tr.Send(callCtx, req)
}

func (e *Executor) record(channelID string, latency time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statsFor(channelID)
	st.Attempts++
	if ok {
		st.Successes++
	} else {
		st.Failures++
	}
	ms := float64(latency) / float64(time.Millisecond)
	st.AvgLatencyMs += (ms - st.AvgLatencyMs) / float64(st.Attempts)
}

func (e *Executor) countRetry(channelID string) {
	e.mu.Lock()
	e.statsFor(channelID).Retries++
	e.mu.Unlock()
}

func (e *Executor) statsFor(channelID string) *ChannelStats {
	st, ok := e.stats[channelID]
	if !ok {
		st = &ChannelStats{}
		e.stats[channelID] = st
	}
	return st
}

func (e *Executor) Stats() map[string]ChannelStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ChannelStats, len(e.stats))
	for id, st := range e.stats {
		out[id] = *st
	}
	return out
}

func (e *Executor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.stats {
		e.stats[id] = &ChannelStats{}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
