package pgdb

import (
	"context"
	"errors"
	"time"

	"blood-request-engine/pkg/postgres"
)

const pingTimeout = 2 * time.Second

type DiagnosticsRepo struct {
	*postgres.Postgres
}

func NewDiagnosticsRepo(pgdb *postgres.Postgres) *DiagnosticsRepo {
	return &DiagnosticsRepo{pgdb}
}

// Ping fails when the database is unreachable or the migrations have not created the request table.
func (r *DiagnosticsRepo) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := r.Database.PingContext(ctx); err != nil {
		return err
	}

	var migrated bool
	err := r.Database.QueryRowContext(ctx, "SELECT to_regclass('blood_request') IS NOT NULL").Scan(&migrated)
	if err != nil {
		return err
	}
	if !migrated {
		return errors.New("table blood_request does not exist, migrations were not applied")
	}

	return nil
}
