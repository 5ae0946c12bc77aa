package rides_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/BearBump/RideDispatch/internal/services/router"
	"github.com/go-chi/chi/v5"
)

type RideService interface {
	Create(ctx context.Context, in rides.CreateInput) (*models.Ride, error)
	GetByIdentifier(ctx context.Context, ident string) (*models.Ride, error)
	Dispatch(ctx context.Context, rideID, actor string) (*rides.DispatchReport, error)
	DriverResponse(ctx context.Context, in rides.DriverResponseInput) (*rides.Summary, error)
	Assign(ctx context.Context, cmd assignment.AssignCommand) (*models.Ride, error)
	Transition(ctx context.Context, cmd assignment.TransitionCommand) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, actor models.ActorRole, actorName, reason string) (*models.Ride, error)
	Lock(ctx context.Context, rideID string, actor models.ActorRole, lockedBy, notes string) (*models.Ride, error)
	Unlock(ctx context.Context, rideID string, actor models.ActorRole, notes string) (*models.Ride, error)
}

type RouterAdmin interface {
	Status() router.Status
	Stats() router.Stats
	SwitchMode(m router.Mode, actor string) error
	ResetStats(actor string)
	CheckHealth(ctx context.Context) router.HealthReport
}

type RidesAPI struct {
	svc    RideService
	router RouterAdmin
	log    *slog.Logger
}

func New(svc RideService, rt RouterAdmin, log *slog.Logger) *RidesAPI {
	if log == nil {
		log = slog.Default()
	}
	return &RidesAPI{svc: svc, router: rt, log: log.With("component", "rides_api")}
}

// Register mounts the /api/v1 routes on r.
func (a *RidesAPI) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/rides", a.createRide)
		r.Route("/rides/{id}", func(r chi.Router) {
			r.Get("/", a.getRide)
			r.Post("/assign", a.assignRide)
			r.Post("/dispatch", a.dispatchRide)
			r.Put("/status", a.updateStatus)
			r.Post("/cancel", a.cancelRide)
			r.Post("/lock", a.lockRide)
			r.Post("/unlock", a.unlockRide)
		})
		r.Post("/driver/claims", a.driverClaim)

		r.Route("/router", func(r chi.Router) {
			r.Get("/status", a.routerStatus)
			r.Get("/stats", a.routerStats)
			r.Post("/mode", a.switchMode)
			r.Post("/reset-stats", a.resetStats)
			r.Post("/health-check", a.healthCheck)
		})
	})
}

// Handler returns a standalone router with the middleware chain and the API routes.
func (a *RidesAPI) Handler() http.Handler {
	r := chi.NewRouter()
	Use(r, a.log)
	a.Register(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
