package rides_api

import (
	"net/http"
	"strings"

	"github.com/BearBump/RideDispatch/internal/services/router"
)

func (a *RidesAPI) routerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.Status())
}

func (a *RidesAPI) routerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.Stats())
}

func (a *RidesAPI) switchMode(w http.ResponseWriter, r *http.Request) {
	var req switchModeRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.router.SwitchMode(router.Mode(strings.TrimSpace(req.Mode)), actorOrDefault(req.Actor)); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.router.Status())
}

func (a *RidesAPI) resetStats(w http.ResponseWriter, r *http.Request) {
	var req resetStatsRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.router.ResetStats(actorOrDefault(req.Actor))
	writeJSON(w, http.StatusOK, a.router.Stats())
}

func (a *RidesAPI) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.CheckHealth(r.Context()))
}

func actorOrDefault(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return "api"
}
