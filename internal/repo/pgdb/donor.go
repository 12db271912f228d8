package pgdb

import (
	"context"
	"database/sql"
	"errors"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/repo_errors"
	"blood-request-engine/pkg/postgres"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

var donorColumns = []string{
	"id", "blood_type", "last_donation_date", "age", "weight_kg",
	"medical_flags", "location_lat", "location_lon", "status",
}

type DonorRepo struct {
	*postgres.Postgres
}

func NewDonorRepo(pgdb *postgres.Postgres) *DonorRepo {
	return &DonorRepo{pgdb}
}

func (r *DonorRepo) GetDonor(ctx context.Context, id string) (*entity.Donor, error) {
	getSql, args, _ := r.SqlBuilder.
		Select(donorColumns...).
		From("donor").
		Where("id = ?", id).
		ToSql()

	donor, err := scanDonor(r.Database.QueryRowContext(ctx, getSql, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repo_errors.ErrNotFound
		}

		return nil, err
	}

	return donor, nil
}

func (r *DonorRepo) QueryDonorsByTypeAndStatus(ctx context.Context, types []entity.BloodType, status entity.DonorStatus) ([]entity.Donor, error) {
	donors := make([]entity.Donor, 0)
	if len(types) == 0 {
		return donors, nil
	}

	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	querySql, args, _ := r.SqlBuilder.
		Select(donorColumns...).
		From("donor").
		Where(squirrel.Eq{"blood_type": names}).
		Where("status = ?", string(status)).
		OrderBy("id ASC").
		ToSql()

	rows, err := r.Database.QueryContext(ctx, querySql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		donor, err := scanDonor(rows)
		if err != nil {
			return nil, err
		}
		donors = append(donors, *donor)
	}

	return donors, rows.Err()
}

func (r *DonorRepo) PutDonor(ctx context.Context, donor *entity.Donor) error {
	var lastDonation sql.NullTime
	if donor.LastDonationDate != nil {
		lastDonation = sql.NullTime{Time: *donor.LastDonationDate, Valid: true}
	}
	flags := donor.MedicalFlags
	if flags == nil {
		flags = []string{}
	}

	putSql, args, _ := r.SqlBuilder.
		Insert("donor").
		Columns(donorColumns...).
		Values(donor.Id, string(donor.BloodType), lastDonation, donor.Age, donor.WeightKg,
			pq.Array(flags), donor.Location.Lat, donor.Location.Lon, string(donor.Status)).
		Suffix("ON CONFLICT (id) DO UPDATE SET blood_type = EXCLUDED.blood_type, " +
			"last_donation_date = EXCLUDED.last_donation_date, age = EXCLUDED.age, " +
			"weight_kg = EXCLUDED.weight_kg, medical_flags = EXCLUDED.medical_flags, " +
			"location_lat = EXCLUDED.location_lat, location_lon = EXCLUDED.location_lon, " +
			"status = EXCLUDED.status").
		ToSql()

	_, err := r.Database.ExecContext(ctx, putSql, args...)

	return err
}

func scanDonor(row rowScanner) (*entity.Donor, error) {
	var donor entity.Donor
	var bloodType, status string
	var lastDonation sql.NullTime
	var flags []string

	err := row.Scan(&donor.Id, &bloodType, &lastDonation, &donor.Age, &donor.WeightKg,
		pq.Array(&flags), &donor.Location.Lat, &donor.Location.Lon, &status)
	if err != nil {
		return nil, err
	}

	donor.BloodType = entity.BloodType(bloodType)
	donor.Status = entity.DonorStatus(status)
	donor.MedicalFlags = flags
	if lastDonation.Valid {
		t := lastDonation.Time
		donor.LastDonationDate = &t
	}

	return &donor, nil
}
