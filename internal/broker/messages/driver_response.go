package messages

const (
	DriverResponseAccept = "accept"
	DriverResponseReject = "reject"
)

// DriverResponse is what the bot gateway emits when a driver answers an offer.
// RideIdentifier is either the ride id or its ride number.
type DriverResponse struct {
	RideIdentifier string `json:"ride_identifier"`
	DriverPhone    string `json:"driver_phone"`
	DriverName     string `json:"driver_name,omitempty"`
	Response       string `json:"response"`
}
