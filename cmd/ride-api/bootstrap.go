package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/RideDispatch/config"
	ridesapi "github.com/BearBump/RideDispatch/internal/api/rides_api"
	"github.com/BearBump/RideDispatch/internal/app"
	"github.com/BearBump/RideDispatch/internal/broker/kafka"
	"github.com/BearBump/RideDispatch/internal/cache/rediscache"
	"github.com/BearBump/RideDispatch/internal/logging"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/history"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/BearBump/RideDispatch/internal/storage/pgrides"
	"github.com/joho/godotenv"
)

type rideAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   rideAPIOpts
	deps   rideAPIDeps

	closers []func()
}

func mustBootstrapRideAPI() *rideAPIApp {
	// .env is optional, real env wins
	_ = godotenv.Load()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	log := logging.NewLogger(cfg.Dispatch.LogLevel)
	slog.SetDefault(log)

	httpAddr := cfg.Dispatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Dispatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ride-api"
	}
	eventsTopic := app.RideEventsTopic(cfg)
	responsesTopic := app.DriverResponsesTopic(cfg)

	st := mustOpenPostgresWithRetry(cfg.Database.PostgresConnString(), 60*time.Second)
	a := &rideAPIApp{closers: []func(){st.Close}}

	cache := rediscache.New(cfg.Redis.Addr())
	limiter := rediscache.NewRateLimiter(cfg.Redis.Addr())
	a.closers = append(a.closers, func() { _ = cache.Close() })

	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	a.closers = append(a.closers, func() { _ = producer.Close() })
	rec := history.NewRecorder(st, producer, eventsTopic, log)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.Close(ctx); err != nil {
			log.Warn("ride events not flushed", "error", err.Error())
		}
	})

	channels, err := app.NewChannels(cfg.Dispatch.Channels)
	if err != nil {
		panic(err)
	}
	exec := app.NewExecutor(cfg.Dispatch, channels, log)
	rt, err := app.NewRouter(cfg.Dispatch, exec, channels, log)
	if err != nil {
		panic(err)
	}

	coord := assignment.New(st, st, limiter, rec, app.AssignmentConfig(cfg.Dispatch), log)
	svc := rides.New(st, coord, rt, app.NewPlanner(cfg.Dispatch), rec, cache, app.RidesConfig(cfg.Dispatch), log)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), responsesTopic, consumerGroup)
	a.closers = append(a.closers, func() { _ = consumer.Close() })

	a.ctx, a.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.opts = rideAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         responsesTopic,
		consumerGroup: consumerGroup,
	}
	a.deps = rideAPIDeps{
		api:      ridesapi.New(svc, rt, log),
		applier:  svc,
		consumer: consumer,
		health:   router.NewHealthJob(rt, log),
		db:       st,
		log:      log,
	}
	return a
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgrides.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgrides.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *rideAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *rideAPIApp) Run() error {
	return runRideAPI(a.ctx, a.opts, a.deps)
}
