package pgdb

import (
	"context"
	"database/sql"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/repo_errors"
	"blood-request-engine/pkg/postgres"
)

var matchColumns = []string{"request_id", "donor_id", "tier", "contacted_at", "response", "responded_at"}

type MatchRepo struct {
	*postgres.Postgres
}

func NewMatchRepo(pgdb *postgres.Postgres) *MatchRepo {
	return &MatchRepo{pgdb}
}

func (r *MatchRepo) CreateMatchRecord(ctx context.Context, record *entity.MatchRecord) error {
	createSql, args, _ := r.SqlBuilder.
		Insert("match_record").
		Columns(matchColumns...).
		Values(record.RequestId, record.DonorId, record.Tier, record.ContactedAt,
			string(record.Response), nullTime(record.RespondedAt)).
		Suffix("ON CONFLICT (request_id, donor_id) DO NOTHING").
		ToSql()

	res, err := r.Database.ExecContext(ctx, createSql, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repo_errors.ErrDuplicateMatch
	}

	return nil
}

func (r *MatchRepo) UpdateMatchRecord(ctx context.Context, record *entity.MatchRecord) error {
	updateSql, args, _ := r.SqlBuilder.
		Update("match_record").
		Set("response", string(record.Response)).
		Set("responded_at", nullTime(record.RespondedAt)).
		Where("request_id = ?", record.RequestId).
		Where("donor_id = ?", record.DonorId).
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
		return repo_errors.ErrNotFound
	}

	return nil
}

func (r *MatchRepo) GetMatchRecords(ctx context.Context, requestId string) ([]entity.MatchRecord, error) {
	getSql, args, _ := r.SqlBuilder.
		Select(matchColumns...).
		From("match_record").
		Where("request_id = ?", requestId).
		OrderBy("tier ASC", "contacted_at ASC", "donor_id ASC").
		ToSql()

	rows, err := r.Database.QueryContext(ctx, getSql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]entity.MatchRecord, 0)
	for rows.Next() {
		var record entity.MatchRecord
		var response string
		var respondedAt sql.NullTime
		if err := rows.Scan(&record.RequestId, &record.DonorId, &record.Tier,
			&record.ContactedAt, &response, &respondedAt); err != nil {
			return nil, err
		}
		record.Response = entity.MatchResponse(response)
		if respondedAt.Valid {
			t := respondedAt.Time
			record.RespondedAt = &t
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
