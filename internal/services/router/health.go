package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/robfig/cron/v3"
)

type ProbeResult struct {
	Channel string `json:"channel"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthReport struct {
	Skipped bool          `json:"skipped"`
	Mode    Mode          `json:"mode"`
	Results []ProbeResult `json:"results,omitempty"`
}

// CheckHealth probes every channel in parallel. If a check is already running
// the call returns at once with Skipped set.
func (r *Router) CheckHealth(ctx context.Context) HealthReport {
	if !r.checking.CompareAndSwap(false, true) {
		r.checksSkipped.Add(1)
		observability.HealthChecksSkipped.Inc()
		r.log.Debug("health check skipped, previous run still in progress")
		return HealthReport{Skipped: true, Mode: r.Mode()}
	}
	defer r.checking.Store(false)

	r.checksRun.Add(1)
	r.lastCheckUnixNano.Store(time.Now().UTC().UnixNano())

	chans := []string{r.cfg.Primary, r.cfg.Fallback}
	results := make([]ProbeResult, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			results[i] = ProbeResult{Channel: ch}
			if err := r.exec.Probe(ctx, ch); err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Healthy = true
		}(i, ch)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// probes were aborted, not failed
		return HealthReport{Mode: r.Mode(), Results: results}
	}
	for _, res := range results {
		if res.Healthy {
			r.markHealthy(res.Channel)
			continue
		}
		r.markFailure(res.Channel, fmt.Errorf("%s", res.Error), "health-check")
	}
	return HealthReport{Mode: r.Mode(), Results: results}
}

// HealthJob runs CheckHealth on a fixed interval.
type HealthJob struct {
	router *Router
	cron   *cron.Cron
	logger *slog.Logger
	cancel context.CancelFunc
}

func NewHealthJob(r *Router, logger *slog.Logger) *HealthJob {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router_health_job")
	cl := cronLogger{l: logger}
	return &HealthJob{
		router: r,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
}

func (j *HealthJob) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	schedule := fmt.Sprintf("@every %s", j.router.cfg.HealthInterval)
	if _, err := j.cron.AddFunc(schedule, func() {
		rep := j.router.CheckHealth(ctx)
		if rep.Skipped {
			return
		}
		for _, res := range rep.Results {
			if !res.Healthy {
				j.logger.Warn("channel probe failed", "channel", res.Channel, "error", res.Error)
			}
		}
	}); err != nil {
		cancel()
		return err
	}

	j.cron.Start()
	j.logger.Info("router health job started", "interval", j.router.cfg.HealthInterval.String())
	return nil
}

// Stop waits for a running check to finish.
func (j *HealthJob) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	<-j.cron.Stop().Done()
	j.logger.Info("router health job stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	kv := make([]interface{}, 0, len(keysAndValues)+2)
	kv = append(kv, keysAndValues...)
	kv = append(kv, "error", err.Error())
	c.l.Error(msg, kv...)
}
