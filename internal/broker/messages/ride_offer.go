package messages

import "time"

// RideOffer is the payload pushed to drivers through a dispatch channel.
type RideOffer struct {
	RideID      string    `json:"ride_id"`
	RideNumber  string    `json:"ride_number"`
	Pickup      string    `json:"pickup"`
	Destination string    `json:"destination"`
	Price       int64     `json:"price"`
	Status      string    `json:"status"`
	OfferedAt   time.Time `json:"offered_at"`
}
