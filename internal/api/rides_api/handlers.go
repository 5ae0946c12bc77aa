package rides_api

import (
	"net/http"
	"strings"

	"github.com/BearBump/RideDispatch/internal/models"
	"github.com/BearBump/RideDispatch/internal/pkg/errs"
	"github.com/BearBump/RideDispatch/internal/services/assignment"
	"github.com/BearBump/RideDispatch/internal/services/rides"
	"github.com/go-chi/chi/v5"
)

func (a *RidesAPI) createRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ride, err := a.svc.Create(r.Context(), rides.CreateInput{
		Customer:      req.Customer,
		CustomerPhone: req.CustomerPhone,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Price:         req.Price,
		CreatedBy:     req.CreatedBy,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) getRide(w http.ResponseWriter, r *http.Request) {
	ride, err := a.svc.GetByIdentifier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) assignRide(w http.ResponseWriter, r *http.Request) {
	var req assignRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ride, err := a.svc.Assign(r.Context(), assignment.AssignCommand{
		RideID:    chi.URLParam(r, "id"),
		Driver:    assignment.DriverIdentity{Phone: req.DriverPhone, Name: req.DriverName},
		Actor:     models.ActorRole(strings.TrimSpace(req.ActorRole)),
		ActorName: req.ActorName,
		Notes:     req.Notes,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) dispatchRide(w http.ResponseWriter, r *http.Request) {
	var req dispatchRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	actor := req.ActorName
	if actor == "" {
		actor = string(models.ActorAdmin)
	}
	rep, err := a.svc.Dispatch(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *RidesAPI) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	raw := req.target()
	if raw == "" {
		a.writeError(w, r, errs.NewValidationError("targetStatus", "required"))
		return
	}
	target, ok := models.ParseRideStatus(raw)
	if !ok {
		a.writeError(w, r, errs.NewValidationError("targetStatus", "unknown status "+raw))
		return
	}
	ride, err := a.svc.Transition(r.Context(), assignment.TransitionCommand{
		RideID:    chi.URLParam(r, "id"),
		Target:    target,
		Actor:     models.ActorRole(strings.TrimSpace(req.ActorRole)),
		ActorName: req.ActorName,
		Notes:     req.Notes,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) cancelRide(w http.ResponseWriter, r *http.Request) {
	var req cancelRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ride, err := a.svc.Cancel(r.Context(), chi.URLParam(r, "id"),
		models.ActorRole(strings.TrimSpace(req.ActorRole)), req.ActorName, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) lockRide(w http.ResponseWriter, r *http.Request) {
	var req lockRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ride, err := a.svc.Lock(r.Context(), chi.URLParam(r, "id"),
		models.ActorRole(strings.TrimSpace(req.ActorRole)), req.LockedBy, req.Notes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) unlockRide(w http.ResponseWriter, r *http.Request) {
	var req unlockRideRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ride, err := a.svc.Unlock(r.Context(), chi.URLParam(r, "id"),
		models.ActorRole(strings.TrimSpace(req.ActorRole)), req.Notes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (a *RidesAPI) driverClaim(w http.ResponseWriter, r *http.Request) {
	var req driverClaimRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sum, err := a.svc.DriverResponse(r.Context(), rides.DriverResponseInput{
		RideIdentifier: req.RideIdentifier,
		Driver:         assignment.DriverIdentity{Phone: req.DriverPhone, Name: req.DriverName},
		Response:       req.Response,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.EqualFold(strings.TrimSpace(req.Response), rides.ResponseReject) {
		writeJSON(w, http.StatusOK, driverRejectResponse{Acknowledged: true, Ride: sum})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
