package entity

import (
	"time"
)

type Urgency string

const (
	Critical Urgency = "critical"
	Urgent   Urgency = "urgent"
	Routine  Urgency = "routine"
)

func (u Urgency) Valid() bool {
	switch u {
	case Critical, Urgent, Routine:
		return true
	}

	return false
}

type RequestStatus string

const (
	StatusPending         RequestStatus = "pending"
	StatusApproved        RequestStatus = "approved"
	StatusDonorsContacted RequestStatus = "donors-contacted"
	StatusFulfilled       RequestStatus = "fulfilled"
	StatusRejected        RequestStatus = "rejected"
	StatusExpired         RequestStatus = "expired"
)

var AllRequestStatuses = []RequestStatus{
	StatusPending, StatusApproved, StatusDonorsContacted,
	StatusFulfilled, StatusRejected, StatusExpired,
}

func (s RequestStatus) Valid() bool {
	for _, st := range AllRequestStatuses {
		if st == s {
			return true
		}
	}

	return false
}

func (s RequestStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusRejected || s == StatusExpired
}

// OpenStatuses are the states the expiry sweep has to look at.
var OpenStatuses = []RequestStatus{StatusPending, StatusApproved, StatusDonorsContacted}

type StatusEntry struct {
	Status RequestStatus `json:"status"`
	At     time.Time     `json:"at"`
	Actor  string        `json:"actor"`
}

// db model
type BloodRequest struct {
	Id               string        `json:"id" db:"id"`
	HospitalId       string        `json:"hospitalId" db:"hospital_id"`
	BloodType        BloodType     `json:"bloodType" db:"blood_type"`
	UnitsRequired    int           `json:"unitsRequired" db:"units_required"`
	UnitsSecured     int           `json:"unitsSecured" db:"units_secured"`
	Urgency          Urgency       `json:"urgency" db:"urgency"`
	RequiredByTime   time.Time     `json:"requiredByTime" db:"required_by_time"`
	PatientCondition string        `json:"patientCondition" db:"patient_condition"`
	Notes            string        `json:"notes" db:"notes"`
	Location         Location      `json:"location"`
	Status           RequestStatus `json:"status" db:"status"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
	StatusHistory    []StatusEntry `json:"statusHistory" db:"status_history"`
	Version          int           `json:"version" db:"version"`
}

// Overdue reports whether the request passed its deadline without reaching a terminal state.
func (r *BloodRequest) Overdue(now time.Time) bool {
	return !r.Status.Terminal() && now.After(r.RequiredByTime)
}

func (r *BloodRequest) Clone() *BloodRequest {
	c := *r
	c.StatusHistory = append([]StatusEntry(nil), r.StatusHistory...)
	return &c
}

// service input model
type CreateRequestInput struct {
	HospitalId       string    // given
	BloodType        BloodType // given
	Units            int       // given
	Urgency          Urgency   // given
	RequiredByTime   time.Time // given
	PatientCondition string    // given
	Notes            string    // optional
	Location         Location  // optional, hospital coordinates
	// Id, Status, CreatedAt and Version are set by the lifecycle manager
}

type TransitionInput struct {
	RequestId    string
	Target       RequestStatus
	Actor        string
	UnitsSecured int // only read for the fulfilled transition
}

type RequestFilter struct {
	HospitalId string
	Statuses   []RequestStatus
}

// Compact view handed to the notifier.
type RequestSummary struct {
	RequestId      string    `json:"requestId"`
	HospitalId     string    `json:"hospitalId"`
	BloodType      BloodType `json:"bloodType"`
	Urgency        Urgency   `json:"urgency"`
	UnitsRequired  int       `json:"unitsRequired"`
	RequiredByTime time.Time `json:"requiredByTime"`
	Tier           int       `json:"tier"`
}

type RequestStats struct {
	HospitalId string                `json:"hospitalId"`
	Total      int                   `json:"total"`
	ByStatus   map[RequestStatus]int `json:"byStatus"`
}

// controller model
type RequestOutputModel struct {
	Id               string        `json:"id"`
	HospitalId       string        `json:"hospitalId"`
	BloodType        string        `json:"bloodType"`
	UnitsRequired    int           `json:"unitsRequired"`
	UnitsSecured     int           `json:"unitsSecured"`
	Urgency          string        `json:"urgency"`
	RequiredByTime   string        `json:"requiredByTime"`
	PatientCondition string        `json:"patientCondition"`
	Notes            string        `json:"notes,omitempty"`
	Location         Location      `json:"location"`
	Status           string        `json:"status"`
	CreatedAt        string        `json:"createdAt"`
	StatusHistory    []StatusEntry `json:"statusHistory"`
	Version          int           `json:"version"`
}
