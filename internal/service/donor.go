package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo"
	"blood-request-engine/internal/repo/repo_errors"

	"go.uber.org/zap"
)

// DonorService is the registration feed for donor profiles. Eligibility is not
// judged here; an ineligible donor is stored and simply never matched.
type DonorService struct {
	donorRepo repo.Donor
	log       *zap.Logger
}

func NewDonorService(repos *repo.Repositories, opts Options) *DonorService {
	return &DonorService{
		donorRepo: repos.Donor,
		log:       opts.logger().Named("donor"),
	}
}

func validateDonor(input *entity.RegisterDonorInput) error {
	var problems []string
	if strings.TrimSpace(input.Id) == "" {
		problems = append(problems, "donor id is empty")
	}
	if !input.BloodType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown blood type %q", input.BloodType))
	}
	if input.Age < 0 {
		problems = append(problems, "age is negative")
	}
	if input.WeightKg < 0 {
		problems = append(problems, "weight is negative")
	}
	if input.Status != "" && !input.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown donor status %q", input.Status))
	}
	if input.Location.Lat < -90 || input.Location.Lat > 90 || input.Location.Lon < -180 || input.Location.Lon > 180 {
		problems = append(problems, "location is out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDonor, strings.Join(problems, "; "))
	}

	return nil
}

// RegisterDonor creates or replaces the profile with the given id.
func (s *DonorService) RegisterDonor(ctx context.Context, input *entity.RegisterDonorInput) (*entity.Donor, error) {
	if err := validateDonor(input); err != nil {
		return nil, err
	}

	status := input.Status
	if status == "" {
		status = entity.DonorActive
	}
	flags := make([]string, 0, len(input.MedicalFlags))
	for _, f := range input.MedicalFlags {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			flags = append(flags, f)
		}
	}

	donor := &entity.Donor{
		Id:               input.Id,
		BloodType:        input.BloodType,
		LastDonationDate: input.LastDonationDate,
		Age:              input.Age,
		WeightKg:         input.WeightKg,
		MedicalFlags:     flags,
		Location:         input.Location,
		Status:           status,
	}
	if donor.LastDonationDate != nil {
		t := donor.LastDonationDate.UTC()
		donor.LastDonationDate = &t
	}

	if err := s.donorRepo.PutDonor(ctx, donor); err != nil {
		return nil, err
	}
	s.log.Info("donor registered", zap.String("donor_id", donor.Id), zap.String("blood_type", string(donor.BloodType)))

	return donor, nil
}

func (s *DonorService) GetDonor(ctx context.Context, id string) (*entity.Donor, error) {
	donor, err := s.donorRepo.GetDonor(ctx, id)
	if err != nil {
		if errors.Is(err, repo_errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDonorNotFound, id)
		}

		return nil, err
	}

	return donor, nil
}

// SetDonorStatus suspends or reactivates a donor. Records of requests already
// contacting the donor are left as they are.
func (s *DonorService) SetDonorStatus(ctx context.Context, id string, status entity.DonorStatus) (*entity.Donor, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown donor status %q", ErrInvalidDonor, status)
	}

	donor, err := s.GetDonor(ctx, id)
	if err != nil {
		return nil, err
	}
	if donor.Status == status {
		return donor, nil
	}

	donor.Status = status
	if err := s.donorRepo.PutDonor(ctx, donor); err != nil {
		return nil, err
	}
	s.log.Info("donor status changed", zap.String("donor_id", id), zap.String("status", string(status)))

	return donor, nil
}
