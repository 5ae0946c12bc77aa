package redispatch

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Backoff1 time.Duration // default: 30 seconds
	Backoff2 time.Duration // default: 1 minute
	Backoff3 time.Duration // default: 5 minutes
	Backoff4 time.Duration // default: 15 minutes

	// Jitter adds up to this much on top of every step. Zero disables it.
	Jitter time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1: 30 * time.Second,
		Backoff2: 1 * time.Minute,
		Backoff3: 5 * time.Minute,
		Backoff4: 15 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func (p *Planner) Config() PlannerConfig { return p.cfg }

// BackoffDelay returns the wait before the attempts-th redispatch of a ride.
func (p *Planner) BackoffDelay(attempts int) time.Duration {
	var d time.Duration
	switch {
	case attempts <= 1:
		d = p.cfg.Backoff1
	case attempts == 2:
		d = p.cfg.Backoff2
	case attempts == 3:
		d = p.cfg.Backoff3
	default:
		d = p.cfg.Backoff4
	}
	if sec := int(p.cfg.Jitter.Seconds()); sec > 0 {
		d += time.Duration(p.r.Intn(sec+1)) * time.Second
	}
	return d
}
