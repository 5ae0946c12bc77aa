// Package app builds the dispatch components shared by ride-api and dispatch-worker
// from config, applying defaults for zero values.
package app

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/RideDispatch/config"
	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/BearBump/RideDispatch/internal/integrations/channel/botapi"
	"github.com/BearBump/RideDispatch/internal/integrations/channel/fake"
	"github.com/BearBump/RideDispatch/internal/integrations/channel/smsgateway"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/executor"
	"github.com/BearBump/RideDispatch/internal/services/redispatch"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/pkg/errors"
)

const (
	DefaultRideEventsTopic      = "ride.events"
	DefaultDriverResponsesTopic = "driver.responses"
)

// Channels holds the configured transports by name, plus each channel's endpoint.
type Channels struct {
	Transports map[string]channel.Transport
	Endpoints  map[string]string
	Order      []string
}

// NewChannels builds transports from config. Without any configured channel two fakes,
// "bot" and "sms", are used so a local setup works out of the box.
func NewChannels(defs []config.ChannelConfig) (*Channels, error) {
	if len(defs) == 0 {
		defs = []config.ChannelConfig{
			{Name: "bot", Kind: "fake"},
			{Name: "sms", Kind: "fake"},
		}
	}
	out := &Channels{
		Transports: make(map[string]channel.Transport, len(defs)),
		Endpoints:  make(map[string]string, len(defs)),
	}
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, errors.New("channel name is required")
		}
		if _, dup := out.Transports[name]; dup {
			return nil, errors.Errorf("duplicate channel %q", name)
		}
		var t channel.Transport
		switch strings.ToLower(d.Kind) {
		case "bot":
			t = botapi.New(d.BaseURL, d.APIKey)
		case "sms":
			t = smsgateway.New(d.BaseURL, d.APIKey, d.Sender)
		case "", "fake":
			t = fake.New(name)
		default:
			return nil, errors.Errorf("channel %q: unknown kind %q", name, d.Kind)
		}
		out.Transports[name] = t
		out.Endpoints[name] = d.Endpoint
		out.Order = append(out.Order, name)
	}
	return out, nil
}

func NewExecutor(cfg config.DispatchConfig, ch *Channels, log *slog.Logger) *executor.Executor {
	def := executor.DefaultConfig()
	ec := executor.Config{
		Timeout:    time.Duration(cfg.ExecutorTimeoutMs) * time.Millisecond,
		MaxRetries: cfg.ExecutorMaxRetries,
		BaseDelay:  time.Duration(cfg.ExecutorBaseDelayMs) * time.Millisecond,
	}
	// 0 means default, negative disables retries
	switch {
	case ec.MaxRetries == 0:
		ec.MaxRetries = def.MaxRetries
	case ec.MaxRetries < 0:
		ec.MaxRetries = 0
	}
	return executor.New(ec, ch.Transports, log)
}

// NewRouter picks primary/fallback from config, or the first two channels in order.
func NewRouter(cfg config.DispatchConfig, exec router.Executor, ch *Channels, log *slog.Logger) (*router.Router, error) {
	primary, fallback := cfg.PrimaryChannel, cfg.FallbackChannel
	if primary == "" && len(ch.Order) > 0 {
		primary = ch.Order[0]
	}
	if fallback == "" {
		for _, name := range ch.Order {
			if name != primary {
				fallback = name
				break
			}
		}
	}
	for _, name := range []string{primary, fallback} {
		if _, ok := ch.Transports[name]; !ok && name != "" {
			return nil, errors.Errorf("channel %q is not configured", name)
		}
	}

	mode := router.Mode(cfg.RouterInitialMode)
	if mode == "" {
		mode = router.ModeAuto
	}
	return router.New(exec, router.Config{
		Primary:        primary,
		Fallback:       fallback,
		Endpoints:      ch.Endpoints,
		MaxFailures:    cfg.RouterMaxFailures,
		HealthInterval: time.Duration(cfg.RouterHealthIntervalSeconds) * time.Second,
		InitialMode:    mode,
	}, log)
}

func NewPlanner(cfg config.DispatchConfig) *redispatch.Planner {
	return redispatch.NewPlanner(redispatch.PlannerConfig{
		Backoff1: time.Duration(cfg.WorkerBackoff1Seconds) * time.Second,
		Backoff2: time.Duration(cfg.WorkerBackoff2Seconds) * time.Second,
		Backoff3: time.Duration(cfg.WorkerBackoff3Seconds) * time.Second,
		Backoff4: time.Duration(cfg.WorkerBackoff4Seconds) * time.Second,
		Jitter:   time.Duration(cfg.WorkerJitterSeconds) * time.Second,
	}, nil)
}

func AssignmentConfig(cfg config.DispatchConfig) assignment.Config {
	return assignment.Config{
		AutoCreateLimit:  int64(cfg.AutoCreateLimit),
		AutoCreateWindow: time.Duration(cfg.AutoCreateWindowSeconds) * time.Second,
	}
}

func RidesConfig(cfg config.DispatchConfig) rides.Config {
	ttl := time.Duration(cfg.RideCacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	delay := time.Duration(cfg.FirstDispatchDelaySeconds) * time.Second
	if cfg.FirstDispatchDelaySeconds < 0 {
		delay = -1
	}
	return rides.Config{CacheTTL: ttl, DispatchDelay: delay}
}

// WorkerSettings are the redispatch poller knobs with defaults applied.
type WorkerSettings struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	Lease        time.Duration
	RatePerMin   int64
}

func NewWorkerSettings(cfg config.DispatchConfig) WorkerSettings {
	s := WorkerSettings{
		PollInterval: time.Duration(cfg.WorkerPollIntervalSeconds) * time.Second,
		BatchSize:    cfg.WorkerBatchSize,
		Concurrency:  cfg.WorkerConcurrency,
		Lease:        time.Duration(cfg.WorkerLeaseSeconds) * time.Second,
		RatePerMin:   int64(cfg.WorkerRateLimitPerMinute),
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 10
	}
	if s.Lease <= 0 {
		s.Lease = 60 * time.Second
	}
	if s.RatePerMin <= 0 {
		s.RatePerMin = 120
	}
	return s
}

func RideEventsTopic(cfg *config.Config) string {
	if cfg.Kafka.RideEventsTopicName != "" {
		return cfg.Kafka.RideEventsTopicName
	}
	return DefaultRideEventsTopic
}

func DriverResponsesTopic(cfg *config.Config) string {
	if cfg.Kafka.DriverResponsesTopicName != "" {
		return cfg.Kafka.DriverResponsesTopicName
	}
	return DefaultDriverResponsesTopic
}
