package entity

import (
	"time"
)

type MatchResponse string

const (
	ResponsePending    MatchResponse = "pending"
	ResponseAccepted   MatchResponse = "accepted"
	ResponseDeclined   MatchResponse = "declined"
	ResponseNoResponse MatchResponse = "no-response"
)

func (r MatchResponse) Valid() bool {
	switch r {
	case ResponsePending, ResponseAccepted, ResponseDeclined, ResponseNoResponse:
		return true
	}

	return false
}

// db model, unique on (request_id, donor_id)
type MatchRecord struct {
	RequestId   string        `json:"requestId" db:"request_id"`
	DonorId     string        `json:"donorId" db:"donor_id"`
	Tier        int           `json:"tier" db:"tier"`
	ContactedAt time.Time     `json:"contactedAt" db:"contacted_at"`
	Response    MatchResponse `json:"response" db:"response"`
	RespondedAt *time.Time    `json:"respondedAt,omitempty" db:"responded_at"`
}

// service input model
type ResponseInput struct {
	RequestId string
	DonorId   string
	Response  MatchResponse
}

type DeliveryResult struct {
	Delivered   bool   `json:"delivered"`
	ProviderRef string `json:"providerRef,omitempty"`
}

// controller model
type MatchOutputModel struct {
	RequestId   string `json:"requestId"`
	DonorId     string `json:"donorId"`
	Tier        int    `json:"tier"`
	ContactedAt string `json:"contactedAt"`
	Response    string `json:"response"`
	RespondedAt string `json:"respondedAt,omitempty"`
}
