package rides_api

import (
	"errors"
	"net/http"

	"github.com/BearBump/RideDispatch/internal/pkg/errs"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	CurrentStatus string `json:"currentStatus,omitempty"`
	AssignedTo    string `json:"assignedTo,omitempty"`
	Field         string `json:"field,omitempty"`

	Attempted []string              `json:"attempted,omitempty"`
	Failures  []errs.ChannelFailure `json:"failures,omitempty"`
}

// invalidTransitionResponse always carries allowedStatuses, even when empty.
type invalidTransitionResponse struct {
	Error           string   `json:"error"`
	Message         string   `json:"message"`
	CurrentStatus   string   `json:"currentStatus"`
	RequestedStatus string   `json:"requestedStatus"`
	ActorRole       string   `json:"actorRole"`
	AllowedStatuses []string `json:"allowedStatuses"`
}

const (
	codeInvalidTransition  = "INVALID_TRANSITION"
	codeValidation         = "VALIDATION_ERROR"
	codeNotFound           = "NOT_FOUND"
	codeRateLimited        = "RATE_LIMITED"
	codeChannelUnavailable = "CHANNEL_UNAVAILABLE"
	codeInternal           = "INTERNAL"
)

// writeError renders err according to the error taxonomy.
// Unknown errors are logged and hidden behind "internal error".
func (a *RidesAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := toResponse(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err.Error(),
		)
	}
	writeJSON(w, status, body)
}

func toResponse(err error) (int, any) {
	var (
		it *errs.InvalidTransitionError
		cf *errs.ConflictError
		sg *errs.StateGuardError
		ve *errs.ValidationError
		nf *errs.NotFoundError
		rl *errs.RateLimitedError
		cu *errs.ChannelUnavailableError
	)
	switch {
	case errors.As(err, &it):
		allowed := it.Allowed
		if allowed == nil {
			allowed = []string{}
		}
		return http.StatusForbidden, invalidTransitionResponse{
			Error:           codeInvalidTransition,
			Message:         err.Error(),
			CurrentStatus:   it.Current,
			RequestedStatus: it.Requested,
			ActorRole:       it.Role,
			AllowedStatuses: allowed,
		}
	case errors.As(err, &cf):
		return http.StatusConflict, errorResponse{
			Error:         cf.Reason,
			Message:       err.Error(),
			CurrentStatus: cf.CurrentStatus,
			AssignedTo:    cf.AssignedTo,
		}
	case errors.As(err, &sg):
		return http.StatusBadRequest, errorResponse{
			Error:         sg.Reason,
			Message:       err.Error(),
			CurrentStatus: sg.Current,
		}
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{
			Error:   codeValidation,
			Message: err.Error(),
			Field:   ve.Field,
		}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorResponse{Error: codeNotFound, Message: err.Error()}
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, errorResponse{Error: codeRateLimited, Message: err.Error()}
	case errors.As(err, &cu):
		return http.StatusServiceUnavailable, errorResponse{
			Error:     codeChannelUnavailable,
			Message:   err.Error(),
			Attempted: cu.Attempted,
			Failures:  cu.Failures,
		}
	}
	return http.StatusInternalServerError, errorResponse{Error: codeInternal, Message: "internal error"}
}
