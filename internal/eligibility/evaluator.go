// Package eligibility decides whether a donor may donate at a given moment.
// It has no side effects: the answer depends only on the donor, asOf and Config.
package eligibility

import (
	"sort"
	"strings"
	"time"

	"blood-request-engine/internal/entity"
)

type Reason string

const (
	ReasonNone              Reason = ""
	ReasonIncompleteProfile Reason = "incomplete-profile"
	ReasonSuspended         Reason = "suspended"
	ReasonTooYoung          Reason = "too-young"
	ReasonTooOld            Reason = "too-old"
	ReasonUnderweight       Reason = "underweight"
	ReasonTooRecentDonation Reason = "too-recent-donation"

	medicalFlagPrefix = "medical-flag:"
)

func MedicalFlagReason(flag string) Reason {
	return Reason(medicalFlagPrefix + flag)
}

type Config struct {
	MinAge              int
	MaxAge              int
	MinWeightKg         float64
	MinDonationInterval time.Duration
	DisqualifyingFlags  []string
}

func DefaultConfig() Config {
	return Config{
		MinAge:              18,
		MaxAge:              65,
		MinWeightKg:         50,
		MinDonationInterval: 56 * 24 * time.Hour,
		DisqualifyingFlags:  []string{"hiv", "hepatitis-b", "hepatitis-c", "htlv", "babesiosis", "vcjd-risk"},
	}
}

type Evaluator struct {
	cfg   Config
	flags map[string]struct{}
}

func NewEvaluator(cfg Config) *Evaluator {
	flags := make(map[string]struct{}, len(cfg.DisqualifyingFlags))
	for _, f := range cfg.DisqualifyingFlags {
		flags[normalizeFlag(f)] = struct{}{}
	}

	return &Evaluator{cfg: cfg, flags: flags}
}

// IsEligible fails closed: a profile missing blood type, age or weight is never eligible.
// Checks run in a fixed order and the first failed one is reported.
func (e *Evaluator) IsEligible(d *entity.Donor, asOf time.Time) (bool, Reason) {
	if d == nil || !d.BloodType.Valid() || d.Age <= 0 || d.WeightKg <= 0 {
		return false, ReasonIncompleteProfile
	}

	if d.Status != entity.DonorActive {
		return false, ReasonSuspended
	}

	if d.Age < e.cfg.MinAge {
		return false, ReasonTooYoung
	}

	if e.cfg.MaxAge > 0 && d.Age > e.cfg.MaxAge {
		return false, ReasonTooOld
	}

	if d.WeightKg < e.cfg.MinWeightKg {
		return false, ReasonUnderweight
	}

	if d.LastDonationDate != nil && asOf.Sub(*d.LastDonationDate) < e.cfg.MinDonationInterval {
		return false, ReasonTooRecentDonation
	}

	if flag, ok := e.disqualifyingFlag(d.MedicalFlags); ok {
		return false, MedicalFlagReason(flag)
	}

	return true, ReasonNone
}

// Assessment is a donor's standing at one moment.
type Assessment struct {
	AsOf     time.Time
	Eligible bool
	Reason   Reason

	// EligibleFrom is when the donation interval stops blocking the donor.
	// It is zero for a donor who never donated.
	EligibleFrom time.Time
}

func (e *Evaluator) Assess(d *entity.Donor, asOf time.Time) Assessment {
	ok, reason := e.IsEligible(d, asOf)

	return Assessment{AsOf: asOf, Eligible: ok, Reason: reason, EligibleFrom: e.EligibleFrom(d)}
}

// EligibleFrom returns the earliest moment the interval rule stops blocking the donor.
func (e *Evaluator) EligibleFrom(d *entity.Donor) time.Time {
	if d == nil || d.LastDonationDate == nil {
		return time.Time{}
	}

	return d.LastDonationDate.Add(e.cfg.MinDonationInterval)
}

// Filter keeps the donors eligible at asOf, preserving order.
func (e *Evaluator) Filter(donors []entity.Donor, asOf time.Time) []entity.Donor {
	out := make([]entity.Donor, 0, len(donors))
	for i := range donors {
		if ok, _ := e.IsEligible(&donors[i], asOf); ok {
			out = append(out, donors[i])
		}
	}

	return out
}

func (e *Evaluator) disqualifyingFlag(flags []string) (string, bool) {
	hits := make([]string, 0)
	for _, f := range flags {
		n := normalizeFlag(f)
		if _, ok := e.flags[n]; ok {
			hits = append(hits, n)
		}
	}
	if len(hits) == 0 {
		return "", false
	}

	// several flags may match; report the same one every time
	sort.Strings(hits)
	return hits[0], true
}

func normalizeFlag(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}
