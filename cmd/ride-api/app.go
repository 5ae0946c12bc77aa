package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	ridesapi "github.com/BearBump/RideDispatch/internal/api/rides_api"
	"github.com/BearBump/RideDispatch/internal/broker/kafka"
	"github.com/BearBump/RideDispatch/internal/broker/messages"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type rideAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, h kafka.Handler) error
}

type driverResponseApplier interface {
	ApplyDriverResponse(ctx context.Context, m messages.DriverResponse) error
}

type healthJob interface {
	Start(ctx context.Context) error
	Stop()
}

type pinger interface {
	Ping(ctx context.Context) error
}

type rideAPIDeps struct {
	api      *ridesapi.RidesAPI
	applier  driverResponseApplier
	consumer kafkaConsumer
	health   healthJob
	db       pinger
	log      *slog.Logger
}

func runRideAPI(ctx context.Context, opts rideAPIOpts, deps rideAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}
	if deps.log == nil {
		deps.log = slog.Default()
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	if deps.health != nil {
		if err := deps.health.Start(ctx); err != nil {
			_ = lis.Close()
			return err
		}
		defer deps.health.Stop()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, opts.swaggerPath, deps)
	}()

	consumerErr := make(chan error, 1)
	if deps.consumer != nil && deps.applier != nil {
		go func() {
			deps.log.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			consumerErr <- deps.consumer.Consume(ctx, driverResponseHandler(deps.applier, deps.log))
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-consumerErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("driver responses consumer stopped: %w", err)
	}
}

// driverResponseHandler skips messages that are not JSON; retrying them cannot help.
func driverResponseHandler(a driverResponseApplier, log *slog.Logger) kafka.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, msg kafka.Message) error {
		var m messages.DriverResponse
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			log.Warn("skip malformed driver response",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err.Error(),
			)
			return nil
		}
		return a.ApplyDriverResponse(ctx, m)
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, swaggerPath string, deps rideAPIDeps) error {
	r := chi.NewRouter()
	ridesapi.Use(r, deps.log)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.db != nil {
			pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.db.Ping(pctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	if deps.api != nil {
		deps.api.Register(r)
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	deps.log.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
