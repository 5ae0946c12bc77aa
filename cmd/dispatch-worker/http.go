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

	"github.com/BearBump/RideDispatch/config"
	ridesapi "github.com/BearBump/RideDispatch/internal/api/rides_api"
	"github.com/BearBump/RideDispatch/internal/services/redispatch"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)
	log         *slog.Logger

	poller *redispatch.Poller
	router *router.Router
	cfg    *config.Config
	db     pinger
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()
	ridesapi.Use(r, opts.log)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.db != nil {
			pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.db.Ping(pctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.poller.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil || opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// только рабочие настройки, без секретов каналов
		out := map[string]any{
			"poller":               opts.poller.Settings(),
			"dispatchableStatuses": dispatchableStatuses(),
			"primaryChannel":       opts.cfg.Dispatch.PrimaryChannel,
			"fallbackChannel":      opts.cfg.Dispatch.FallbackChannel,
			"routerMaxFailures":    opts.cfg.Dispatch.RouterMaxFailures,
			"executorMaxRetries":   opts.cfg.Dispatch.ExecutorMaxRetries,
			"executorTimeoutMs":    opts.cfg.Dispatch.ExecutorTimeoutMs,
			"backoff1Seconds":      opts.cfg.Dispatch.WorkerBackoff1Seconds,
			"backoff2Seconds":      opts.cfg.Dispatch.WorkerBackoff2Seconds,
			"backoff3Seconds":      opts.cfg.Dispatch.WorkerBackoff3Seconds,
			"backoff4Seconds":      opts.cfg.Dispatch.WorkerBackoff4Seconds,
			"backoffJitterSeconds": opts.cfg.Dispatch.WorkerJitterSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		opts.poller.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Route("/router", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if opts.router == nil {
				_, _ = w.Write([]byte(`{"error":"router not wired"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(opts.router.Status())
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if opts.router == nil {
				_, _ = w.Write([]byte(`{"error":"router not wired"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(opts.router.Stats())
		})
		r.Post("/mode", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if opts.router == nil {
				_, _ = w.Write([]byte(`{"error":"router not wired"}`))
				return
			}
			var req struct {
				Mode  string `json:"mode"`
				Actor string `json:"actor"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"malformed JSON"}`))
				return
			}
			if req.Actor == "" {
				req.Actor = "worker-ops"
			}
			if err := opts.router.SwitchMode(router.Mode(req.Mode), req.Actor); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			_ = json.NewEncoder(w).Encode(opts.router.Status())
		})
	})

	// swagger без кеша + cachebuster, как в ride-api
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
