package repo

import (
	"context"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/memdb"
	"blood-request-engine/internal/repo/pgdb"
	"blood-request-engine/pkg/postgres"
)

type Diagnostics interface {
	Ping() error
}

type Request interface {
	CreateRequest(ctx context.Context, request *entity.BloodRequest) error
	GetRequest(ctx context.Context, id string) (*entity.BloodRequest, error)
	// PutRequest replaces the document when the stored version equals expectedVersion
	// and stores it as expectedVersion+1, otherwise fails with repo_errors.ErrVersionConflict.
	PutRequest(ctx context.Context, request *entity.BloodRequest, expectedVersion int) error
	ListRequests(ctx context.Context, filter entity.RequestFilter, pg *entity.PaginationInput) ([]entity.BloodRequest, error)
	ListOpenRequests(ctx context.Context) ([]entity.BloodRequest, error)
	CountRequestsByStatus(ctx context.Context, hospitalId string) (map[entity.RequestStatus]int, error)
}

type Donor interface {
	GetDonor(ctx context.Context, id string) (*entity.Donor, error)
	QueryDonorsByTypeAndStatus(ctx context.Context, types []entity.BloodType, status entity.DonorStatus) ([]entity.Donor, error)
	PutDonor(ctx context.Context, donor *entity.Donor) error
}

type Match interface {
	// CreateMatchRecord fails with repo_errors.ErrDuplicateMatch when the pair already exists.
	CreateMatchRecord(ctx context.Context, record *entity.MatchRecord) error
	UpdateMatchRecord(ctx context.Context, record *entity.MatchRecord) error
	GetMatchRecords(ctx context.Context, requestId string) ([]entity.MatchRecord, error)
}

type Repositories struct {
	Diagnostics
	Request
	Donor
	Match
}

func NewRepositories(p *postgres.Postgres) *Repositories {
	return &Repositories{
		Diagnostics: pgdb.NewDiagnosticsRepo(p),
		Request:     pgdb.NewRequestRepo(p),
		Donor:       pgdb.NewDonorRepo(p),
		Match:       pgdb.NewMatchRepo(p),
	}
}

// NewMemoryRepositories backs every repository with one in-process store.
func NewMemoryRepositories() *Repositories {
	store := memdb.NewStore()

	return &Repositories{
		Diagnostics: store,
		Request:     store,
		Donor:       store,
		Match:       store,
	}
}
