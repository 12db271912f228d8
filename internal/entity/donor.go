package entity

import (
	"time"
)

type DonorStatus string

const (
	DonorActive    DonorStatus = "active"
	DonorSuspended DonorStatus = "suspended"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// db model
type Donor struct {
	Id               string      `json:"id" db:"id"`
	BloodType        BloodType   `json:"bloodType" db:"blood_type"`
	LastDonationDate *time.Time  `json:"lastDonationDate,omitempty" db:"last_donation_date"`
	Age              int         `json:"age" db:"age"`
	WeightKg         float64     `json:"weightKg" db:"weight_kg"`
	MedicalFlags     []string    `json:"medicalFlags" db:"medical_flags"`
	Location         Location    `json:"location"`
	Status           DonorStatus `json:"status" db:"status"`
}

func (s DonorStatus) Valid() bool {
	return s == DonorActive || s == DonorSuspended
}

// service input model
type RegisterDonorInput struct {
	Id               string      // given
	BloodType        BloodType   // given
	LastDonationDate *time.Time  // optional, nil for first-time donors
	Age              int         // given
	WeightKg         float64     // given
	MedicalFlags     []string    // optional
	Location         Location    // given
	Status           DonorStatus // optional, defaults to active
}

// controller model
type EligibilityOutputModel struct {
	DonorId      string `json:"donorId"`
	Eligible     bool   `json:"eligible"`
	Reason       string `json:"reason,omitempty"`
	AsOf         string `json:"asOf"`
	EligibleFrom string `json:"eligibleFrom,omitempty"`
}

type DonorOutputModel struct {
	Id               string   `json:"id"`
	BloodType        string   `json:"bloodType"`
	LastDonationDate string   `json:"lastDonationDate,omitempty"`
	Age              int      `json:"age"`
	WeightKg         float64  `json:"weightKg"`
	MedicalFlags     []string `json:"medicalFlags"`
	Location         Location `json:"location"`
	Status           string   `json:"status"`
}
