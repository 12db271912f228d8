package entity

import (
	"time"
)

// RequestEvent is emitted once per successful status transition.
type RequestEvent struct {
	RequestId  string        `json:"requestId"`
	HospitalId string        `json:"hospitalId"`
	From       RequestStatus `json:"from,omitempty"`
	To         RequestStatus `json:"to"`
	Actor      string        `json:"actor"`
	At         time.Time     `json:"at"`
	Version    int           `json:"version"`
}
