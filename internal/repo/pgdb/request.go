package pgdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/repo_errors"
	"blood-request-engine/pkg/postgres"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var requestColumns = []string{
	"id", "hospital_id", "blood_type", "units_required", "units_secured", "urgency",
	"required_by_time", "patient_condition", "notes", "location_lat", "location_lon",
	"status", "status_history", "created_at", "version",
}

type RequestRepo struct {
	*postgres.Postgres
}

func NewRequestRepo(pgdb *postgres.Postgres) *RequestRepo {
	return &RequestRepo{pgdb}
}

func (r *RequestRepo) CreateRequest(ctx context.Context, request *entity.BloodRequest) error {
	history, err := json.Marshal(request.StatusHistory)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}

	createSql, args, _ := r.SqlBuilder.
		Insert("blood_request").
		Columns(requestColumns...).
		Values(request.Id, request.HospitalId, string(request.BloodType), request.UnitsRequired,
			request.UnitsSecured, string(request.Urgency), request.RequiredByTime, request.PatientCondition,
			request.Notes, request.Location.Lat, request.Location.Lon, string(request.Status),
			history, request.CreatedAt, request.Version).
		ToSql()

	if _, err = r.Database.ExecContext(ctx, createSql, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repo_errors.ErrAlreadyExists
		}

		return err
	}

	return nil
}

func (r *RequestRepo) GetRequest(ctx context.Context, id string) (*entity.BloodRequest, error) {
	getSql, args, _ := r.SqlBuilder.
		Select(requestColumns...).
		From("blood_request").
		Where("id = ?", id).
		ToSql()

	request, err := scanRequest(r.Database.QueryRowContext(ctx, getSql, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repo_errors.ErrNotFound
		}

		return nil, err
	}

	return request, nil
}

func (r *RequestRepo) PutRequest(ctx context.Context, request *entity.BloodRequest, expectedVersion int) error {
	history, err := json.Marshal(request.StatusHistory)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}

	updateSql, args, _ := r.SqlBuilder.
		Update("blood_request").
		Set("status", string(request.Status)).
		Set("units_secured", request.UnitsSecured).
		Set("status_history", history).
		Set("version", expectedVersion+1).
		Where("id = ?", request.Id).
		Where("version = ?", expectedVersion).
		ToSql()

	res, err := r.Database.ExecContext(ctx, updateSql, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.missingOrStale(ctx, request.Id)
	}

	request.Version = expectedVersion + 1

	return nil
}

func (r *RequestRepo) missingOrStale(ctx context.Context, id string) error {
	existsSql, args, _ := r.SqlBuilder.
		Select("version").
		From("blood_request").
		Where("id = ?", id).
		ToSql()

	var version int
	err := r.Database.QueryRowContext(ctx, existsSql, args...).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo_errors.ErrNotFound
		}

		return err
	}

	return repo_errors.ErrVersionConflict
}

func (r *RequestRepo) ListRequests(ctx context.Context, filter entity.RequestFilter, pg *entity.PaginationInput) ([]entity.BloodRequest, error) {
	query := r.SqlBuilder.
		Select(requestColumns...).
		From("blood_request").
		OrderBy("created_at DESC", "id ASC")

	if filter.HospitalId != "" {
		query = query.Where("hospital_id = ?", filter.HospitalId)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		query = query.Where(squirrel.Eq{"status": statuses})
	}
	if pg != nil {
		query = query.Limit(uint64(pg.Limit)).Offset(uint64(pg.Offset))
	}

	listSql, args, _ := query.ToSql()

	rows, err := r.Database.QueryContext(ctx, listSql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]entity.BloodRequest, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *request)
	}

	return requests, rows.Err()
}

func (r *RequestRepo) ListOpenRequests(ctx context.Context) ([]entity.BloodRequest, error) {
	return r.ListRequests(ctx, entity.RequestFilter{Statuses: entity.OpenStatuses}, nil)
}

func (r *RequestRepo) CountRequestsByStatus(ctx context.Context, hospitalId string) (map[entity.RequestStatus]int, error) {
	query := r.SqlBuilder.
		Select("status", "count(*)").
		From("blood_request").
		GroupBy("status")
	if hospitalId != "" {
		query = query.Where("hospital_id = ?", hospitalId)
	}

	countSql, args, _ := query.ToSql()

	rows, err := r.Database.QueryContext(ctx, countSql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[entity.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[entity.RequestStatus(status)] = n
	}

	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*entity.BloodRequest, error) {
	var request entity.BloodRequest
	var bloodType, urgency, status string
	var history []byte

	err := row.Scan(&request.Id, &request.HospitalId, &bloodType, &request.UnitsRequired,
		&request.UnitsSecured, &urgency, &request.RequiredByTime, &request.PatientCondition,
		&request.Notes, &request.Location.Lat, &request.Location.Lon, &status, &history,
		&request.CreatedAt, &request.Version)
	if err != nil {
		return nil, err
	}

	request.BloodType = entity.BloodType(bloodType)
	request.Urgency = entity.Urgency(urgency)
	request.Status = entity.RequestStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &request.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode status history of %s: %w", request.Id, err)
		}
	}

	return &request, nil
}
