package service

import (
	"time"

	"blood-request-engine/internal/eligibility"
	"blood-request-engine/internal/entity"
)

func MapRequest(r *entity.BloodRequest) *entity.RequestOutputModel {
	return &entity.RequestOutputModel{
		Id:               r.Id,
		HospitalId:       r.HospitalId,
		BloodType:        string(r.BloodType),
		UnitsRequired:    r.UnitsRequired,
		UnitsSecured:     r.UnitsSecured,
		Urgency:          string(r.Urgency),
		RequiredByTime:   r.RequiredByTime.Format(time.RFC3339),
		PatientCondition: r.PatientCondition,
		Notes:            r.Notes,
		Location:         r.Location,
		Status:           string(r.Status),
		CreatedAt:        r.CreatedAt.Format(time.RFC3339Nano),
		StatusHistory:    r.StatusHistory,
		Version:          r.Version,
	}
}

func MapRequests(requests []entity.BloodRequest) []entity.RequestOutputModel {
	s := make([]entity.RequestOutputModel, 0, len(requests))
	for i := range requests {
		s = append(s, *MapRequest(&requests[i]))
	}

	return s
}

func MapMatch(m *entity.MatchRecord) *entity.MatchOutputModel {
	out := &entity.MatchOutputModel{
		RequestId:   m.RequestId,
		DonorId:     m.DonorId,
		Tier:        m.Tier,
		ContactedAt: m.ContactedAt.Format(time.RFC3339),
		Response:    string(m.Response),
	}
	if m.RespondedAt != nil {
		out.RespondedAt = m.RespondedAt.Format(time.RFC3339)
	}

	return out
}

func MapMatches(records []entity.MatchRecord) []entity.MatchOutputModel {
	s := make([]entity.MatchOutputModel, 0, len(records))
	for i := range records {
		s = append(s, *MapMatch(&records[i]))
	}

	return s
}

func MapDonor(d *entity.Donor) *entity.DonorOutputModel {
	out := &entity.DonorOutputModel{
		Id:           d.Id,
		BloodType:    string(d.BloodType),
		Age:          d.Age,
		WeightKg:     d.WeightKg,
		MedicalFlags: d.MedicalFlags,
		Location:     d.Location,
		Status:       string(d.Status),
	}
	if out.MedicalFlags == nil {
		out.MedicalFlags = []string{}
	}
	if d.LastDonationDate != nil {
		out.LastDonationDate = d.LastDonationDate.Format(time.DateOnly)
	}

	return out
}

func MapEligibility(donorId string, a eligibility.Assessment) *entity.EligibilityOutputModel {
	out := &entity.EligibilityOutputModel{
		DonorId:  donorId,
		Eligible: a.Eligible,
		Reason:   string(a.Reason),
		AsOf:     a.AsOf.UTC().Format(time.RFC3339),
	}
	if !a.EligibleFrom.IsZero() {
		out.EligibleFrom = a.EligibleFrom.UTC().Format(time.RFC3339)
	}

	return out
}
