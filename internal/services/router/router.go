// Package router picks the dispatch channel for a ride, fails over between the
// primary and fallback channels, and keeps channel health current.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/executor"
	"github.com/pkg/errors"
)

type Mode string

const (
	ModeAuto         Mode = "auto"
	ModePrimaryOnly  Mode = "primary_only"
	ModeFallbackOnly Mode = "fallback_only"
)

var AllModes = []Mode{ModeAuto, ModePrimaryOnly, ModeFallbackOnly}

func ParseMode(s string) (Mode, bool) {
	for _, m := range AllModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

type ChannelStatus string

const (
	ChannelUnknown ChannelStatus = "unknown"
	ChannelOnline  ChannelStatus = "online"
	ChannelOffline ChannelStatus = "offline"
)

type ChannelState struct {
	Name                string        `json:"name"`
	Role                string        `json:"role"`
	Status              ChannelStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time    `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time    `json:"lastFailureAt,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, channelID string, req channel.Request) (executor.Result, error)
	Probe(ctx context.Context, channelID string) error
	Stats() map[string]executor.ChannelStats
	ResetStats()
}

type Config struct {
	Primary  string
	Fallback string

	// Endpoint per channel name, passed through to the transport.
	Endpoints map[string]string

	MaxFailures    int           // default: 3
	HealthInterval time.Duration // default: 30s
	InitialMode    Mode          // default: auto
}

type DispatchResult struct {
	Channel   string      `json:"channel"`
	Fallback  bool        `json:"fallback"`
	Attempted []string    `json:"attempted"`
	Attempts  int         `json:"attempts"`
	Ack       channel.Ack `json:"-"`
}

type Router struct {
	exec Executor
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	mu            sync.Mutex
	mode          Mode
	autoSwitched  bool
	modeChangedAt time.Time
	modeChangedBy string
	states        map[string]*ChannelState

	checking          atomic.Bool
	checksRun         atomic.Int64
	checksSkipped     atomic.Int64
	lastCheckUnixNano atomic.Int64

	totalDispatches atomic.Int64
	totalFallbacks  atomic.Int64
	totalFailed     atomic.Int64
}

func New(exec Executor, cfg Config, log *slog.Logger) (*Router, error) {
	if cfg.Primary == "" || cfg.Fallback == "" {
		return nil, errors.New("router: primary and fallback channels are required")
	}
	if cfg.Primary == cfg.Fallback {
		return nil, errors.New("router: primary and fallback must differ")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.InitialMode == "" {
		cfg.InitialMode = ModeAuto
	}
	if _, ok := ParseMode(string(cfg.InitialMode)); !ok {
		return nil, errors.Errorf("router: unknown mode %q", cfg.InitialMode)
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Router{
		exec: exec,
		cfg:  cfg,
		log:  log.With("component", "dispatch_router"),
		now:  func() time.Time { return time.Now().UTC() },
		mode: cfg.InitialMode,
		states: map[string]*ChannelState{
			cfg.Primary:  {Name: cfg.Primary, Role: "primary", Status: ChannelUnknown},
			cfg.Fallback: {Name: cfg.Fallback, Role: "fallback", Status: ChannelUnknown},
		},
	}
	r.modeChangedAt = r.now()
	r.modeChangedBy = "startup"
	observability.SetRouterMode(string(r.mode), modeNames())
	return r, nil
}

func (r *Router) Config() Config { return r.cfg }

// Dispatch notifies drivers about ride through the channel(s) the current mode allows.
// It never mutates the ride; the caller applies the resulting status.
func (r *Router) Dispatch(ctx context.Context, ride *models.Ride) (DispatchResult, error) {
	payload, err := json.Marshal(messages.RideOffer{
		RideID:      ride.ID,
		RideNumber:  ride.RideNumber,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
		Price:       ride.Price,
		Status:      string(ride.Status),
		OfferedAt:   r.now(),
	})
	if err != nil {
		return DispatchResult{}, errors.Wrap(err, "marshal ride offer")
	}
	r.totalDispatches.Add(1)

	plan := r.plan()
	res := DispatchResult{Attempted: make([]string, 0, len(plan))}
	var failures []errs.ChannelFailure
	var lastErr error

	for _, ch := range plan {
		res.Attempted = append(res.Attempted, ch)
		out, err := r.exec.Execute(ctx, ch, channel.Request{Endpoint: r.cfg.Endpoints[ch], Payload: payload})
		if err != nil {
			if ctx.Err() != nil {
				// вызывающий ушёл: канал тут ни при чём
				r.log.Info("dispatch cancelled by caller", "ride_id", ride.ID, "channel", ch)
				return res, errors.Wrap(ctx.Err(), "dispatch cancelled")
			}
			lastErr = err
			failures = append(failures, errs.ChannelFailure{Channel: ch, Err: err.Error()})
			observability.DispatchTotal.WithLabelValues(ch, "failure").Inc()
			r.markFailure(ch, err, "dispatch")
			r.log.Warn("dispatch attempt failed", "ride_id", ride.ID, "channel", ch, "error", err.Error())
			continue
		}

		r.markSuccess(ch)
		res.Channel = ch
		res.Ack = out.Ack
		res.Attempts = out.Attempts
		res.Fallback = ch != r.cfg.Primary
		result := "primary"
		if res.Fallback {
			r.totalFallbacks.Add(1)
			result = "fallback"
		}
		observability.DispatchTotal.WithLabelValues(ch, result).Inc()
		return res, nil
	}

	r.totalFailed.Add(1)
	return res, errs.NewChannelUnavailableError(res.Attempted, failures, lastErr)
}

// plan returns channels to try, in order.
func (r *Router) plan() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case ModePrimaryOnly:
		return []string{r.cfg.Primary}
	case ModeFallbackOnly:
		return []string{r.cfg.Fallback}
	}
	if r.states[r.cfg.Primary].Status == ChannelOffline {
		return []string{r.cfg.Fallback}
	}
	return []string{r.cfg.Primary, r.cfg.Fallback}
}

func (r *Router) markSuccess(ch string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[ch]
	now := r.now()
	st.ConsecutiveFailures = 0
	st.Status = ChannelOnline
	st.LastSuccessAt = &now
	st.LastError = ""
	observability.ChannelOnline.WithLabelValues(ch).Set(1)
}

func (r *Router) markFailure(ch string, err error, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[ch]
	now := r.now()
	st.ConsecutiveFailures++
	st.LastFailureAt = &now
	st.LastError = err.Error()
	if st.ConsecutiveFailures < r.cfg.MaxFailures {
		return
	}
	if st.Status != ChannelOffline {
		r.log.Warn("channel marked offline", "channel", ch, "failures", st.ConsecutiveFailures, "source", source)
	}
	st.Status = ChannelOffline
	observability.ChannelOnline.WithLabelValues(ch).Set(0)

	if ch == r.cfg.Primary && r.mode == ModeAuto {
		r.setModeLocked(ModeFallbackOnly, "auto-failover")
		r.autoSwitched = true
	}
}

// markHealthy returns to auto after a passing primary probe, but only if the router left auto by itself.
func (r *Router) markHealthy(ch string) {
	r.markSuccess(ch)
	if ch != r.cfg.Primary {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.autoSwitched && r.mode == ModeFallbackOnly {
		r.setModeLocked(ModeAuto, "health-check")
		r.autoSwitched = false
	}
}

func (r *Router) setModeLocked(m Mode, by string) {
	if r.mode == m {
		return
	}
	r.log.Info("router mode changed", "from", string(r.mode), "to", string(m), "by", by)
	r.mode = m
	r.modeChangedAt = r.now()
	r.modeChangedBy = by
	observability.SetRouterMode(string(m), modeNames())
}

// SwitchMode is an operator override. It clears any pending automatic recovery.
func (r *Router) SwitchMode(m Mode, actor string) error {
	if _, ok := ParseMode(string(m)); !ok {
		return errs.NewValidationError("mode", "unknown mode "+string(m))
	}
	if actor == "" {
		actor = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setModeLocked(m, actor)
	r.autoSwitched = false
	r.log.Info("router mode switched by operator", "mode", string(m), "actor", actor)
	return nil
}

func (r *Router) ResetStats(actor string) {
	if actor == "" {
		actor = "unknown"
	}
	r.exec.ResetStats()
	r.totalDispatches.Store(0)
	r.totalFallbacks.Store(0)
	r.totalFailed.Store(0)
	r.checksRun.Store(0)
	r.checksSkipped.Store(0)
	r.log.Info("router stats reset", "actor", actor)
}

func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

type Status struct {
	Mode          Mode           `json:"mode"`
	AutoSwitched  bool           `json:"autoSwitched"`
	ModeChangedAt time.Time      `json:"modeChangedAt"`
	ModeChangedBy string         `json:"modeChangedBy"`
	Primary       string         `json:"primary"`
	Fallback      string         `json:"fallback"`
	MaxFailures   int            `json:"maxFailures"`
	Channels      []ChannelState `json:"channels"`
	LastCheckAt   *time.Time     `json:"lastCheckAt,omitempty"`
	CheckRunning  bool           `json:"checkRunning"`
}

func (r *Router) Status() Status {
	r.mu.Lock()
	st := Status{
		Mode:          r.mode,
		AutoSwitched:  r.autoSwitched,
		ModeChangedAt: r.modeChangedAt,
		ModeChangedBy: r.modeChangedBy,
		Primary:       r.cfg.Primary,
		Fallback:      r.cfg.Fallback,
		MaxFailures:   r.cfg.MaxFailures,
		Channels: []ChannelState{
			copyState(r.states[r.cfg.Primary]),
			copyState(r.states[r.cfg.Fallback]),
		},
	}
	r.mu.Unlock()

	if n := r.lastCheckUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCheckAt = &t
	}
	st.CheckRunning = r.checking.Load()
	return st
}

// ChannelState returns a copy of one channel's state.
func (r *Router) ChannelState(ch string) (ChannelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[ch]
	if !ok {
		return ChannelState{}, false
	}
	return copyState(st), true
}

type Stats struct {
	TotalDispatches int64                            `json:"totalDispatches"`
	TotalFallbacks  int64                            `json:"totalFallbacks"`
	TotalFailed     int64                            `json:"totalFailed"`
	ChecksRun       int64                            `json:"checksRun"`
	ChecksSkipped   int64                            `json:"checksSkipped"`
	Channels        map[string]executor.ChannelStats `json:"channels"`
}

func (r *Router) Stats() Stats {
	return Stats{
		TotalDispatches: r.totalDispatches.Load(),
		TotalFallbacks:  r.totalFallbacks.Load(),
		TotalFailed:     r.totalFailed.Load(),
		ChecksRun:       r.checksRun.Load(),
		ChecksSkipped:   r.checksSkipped.Load(),
		Channels:        r.exec.Stats(),
	}
}

func copyState(s *ChannelState) ChannelState {
	out := *s
	if s.LastSuccessAt != nil {
		t := *s.LastSuccessAt
		out.LastSuccessAt = &t
	}
	if s.LastFailureAt != nil {
		t := *s.LastFailureAt
		out.LastFailureAt = &t
	}
	return out
}

func modeNames() []string {
	out := make([]string, 0, len(AllModes))
	for _, m := range AllModes {
		out = append(out, string(m))
	}
	return out
}
