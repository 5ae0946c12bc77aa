package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/RideDispatch/config"
	"github.com/BearBump/RideDispatch/internal/app"
	"github.com/BearBump/RideDispatch/internal/broker/kafka"
	"github.com/BearBump/RideDispatch/internal/cache"
	"github.com/BearBump/RideDispatch/internal/cache/rediscache"
	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/redispatch"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/BearBump/RideDispatch/internal/storage/pgrides"
)

// workerStore is everything the worker needs from storage.
type workerStore interface {
	rides.Store
	assignment.Store
	assignment.DriverRepository
	history.Store
	redispatch.Repository
}

type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (st workerStore, closeFn func(), err error)
	newProducer    func(cfg *config.Config) history.Producer
	newRateLimiter func(cfg *config.Config) rateLimiter
	newCache       func(cfg *config.Config) cache.BytesCache
	newChannels    func(cfg *config.Config) (*app.Channels, error)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			st, err := pgrides.New(cfg.Database.PostgresConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) history.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) rateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.Redis.Addr())
		},
		newChannels: func(cfg *config.Config) (*app.Channels, error) {
			return app.NewChannels(cfg.Dispatch.Channels)
		},
	}
}

// RunDispatchWorker wires the redispatch poller with its own router and runs it
// together with the ops HTTP server until ctx is done.
func RunDispatchWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	log := httpOpts.log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	channels, err := f.newChannels(cfg)
	if err != nil {
		return err
	}
	exec := app.NewExecutor(cfg.Dispatch, channels, log)
	rt, err := app.NewRouter(cfg.Dispatch, exec, channels, log)
	if err != nil {
		return err
	}

	rl := f.newRateLimiter(cfg)
	rec := history.NewRecorder(st, f.newProducer(cfg), app.RideEventsTopic(cfg), log)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := rec.Close(flushCtx); err != nil {
			log.Warn("ride events not flushed", "error", err.Error())
		}
	}()
	coord := assignment.New(st, st, rl, rec, app.AssignmentConfig(cfg.Dispatch), log)
	svc := rides.New(st, coord, rt, app.NewPlanner(cfg.Dispatch), rec, f.newCache(cfg), app.RidesConfig(cfg.Dispatch), log)

	ws := app.NewWorkerSettings(cfg.Dispatch)
	p := redispatch.New(st, svc, rl).
		WithSettings(ws.PollInterval, ws.BatchSize, ws.Concurrency, ws.Lease, ws.RatePerMin)

	health := router.NewHealthJob(rt, log)
	if err := health.Start(ctx); err != nil {
		return err
	}
	defer health.Stop()

	httpOpts.poller = p
	httpOpts.router = rt
	httpOpts.cfg = cfg
	if pg, ok := st.(pinger); ok {
		httpOpts.db = pg
	}

	pollErr := make(chan error, 1)
	go func() { pollErr <- p.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() { httpErr <- runWorkerHTTPServer(ctx, httpOpts) }()

	select {
	case err = <-pollErr:
	case err = <-httpErr:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

var _ workerStore = (*pgrides.Storage)(nil)

// ride statuses the worker redispatches, for the /config endpoint
func dispatchableStatuses() []string {
	out := make([]string, 0, len(models.DispatchableStatuses))
	for _, s := range models.DispatchableStatuses {
		out = append(out, string(s))
	}
	return out
}
