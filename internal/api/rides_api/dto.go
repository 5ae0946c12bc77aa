package rides_api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/BearBump/RideDispatch/internal/pkg/errs"
)

const maxBodyBytes = 1 << 20

type createRideRequest struct {
	Customer      string `json:"customer"`
	CustomerPhone string `json:"customerPhone"`
	Pickup        string `json:"pickup"`
	Destination   string `json:"destination"`
	Price         int64  `json:"price"`
	CreatedBy     string `json:"createdBy"`
}

type assignRideRequest struct {
	DriverPhone string `json:"driverPhone"`
	DriverName  string `json:"driverName"`
	ActorRole   string `json:"actorRole"`
	ActorName   string `json:"actorName"`
	Notes       string `json:"notes"`
}

type dispatchRideRequest struct {
	ActorName string `json:"actorName"`
}

// updateStatusRequest takes the target in targetStatus; status is the older alias.
type updateStatusRequest struct {
	TargetStatus string `json:"targetStatus"`
	Status       string `json:"status"`
	ActorRole    string `json:"actorRole"`
	ActorName    string `json:"actorName"`
	Notes        string `json:"notes"`
}

func (r updateStatusRequest) target() string {
	if t := strings.TrimSpace(r.TargetStatus); t != "" {
		return t
	}
	return strings.TrimSpace(r.Status)
}

type cancelRideRequest struct {
	ActorRole string `json:"actorRole"`
	ActorName string `json:"actorName"`
	Reason    string `json:"reason"`
}

type lockRideRequest struct {
	ActorRole string `json:"actorRole"`
	LockedBy  string `json:"lockedBy"`
	Notes     string `json:"notes"`
}

type unlockRideRequest struct {
	ActorRole string `json:"actorRole"`
	Notes     string `json:"notes"`
}

type driverClaimRequest struct {
	RideIdentifier string `json:"rideIdentifier"`
	DriverPhone    string `json:"driverPhone"`
	DriverName     string `json:"driverName"`
	Response       string `json:"response"`
}

type driverRejectResponse struct {
	Acknowledged bool `json:"acknowledged"`
	Ride         any  `json:"ride"`
}

type switchModeRequest struct {
	Mode  string `json:"mode"`
	Actor string `json:"actor"`
}

type resetStatsRequest struct {
	Actor string `json:"actor"`
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return errs.NewValidationError("body", "malformed JSON")
	}
	return nil
}
