package messages

import "time"

// RideEvent is published to the ride events topic for every recorded ride mutation.
type RideEvent struct {
	RideID     string    `json:"ride_id"`
	RideNumber string    `json:"ride_number,omitempty"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Actor      string    `json:"actor"`
	Details    string    `json:"details,omitempty"`
	At         time.Time `json:"at"`
}
