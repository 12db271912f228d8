package service

import (
	"context"
	"time"

	"blood-request-engine/internal/eligibility"
	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/events"
	"blood-request-engine/internal/notify"
	"blood-request-engine/internal/repo"

	"go.uber.org/zap"
)

type Diagnostics interface {
	Ping() error
	Health(ctx context.Context) *entity.HealthReport
}

type Request interface {
	CreateRequest(ctx context.Context, input *entity.CreateRequestInput) (*entity.BloodRequest, error)
	GetRequest(ctx context.Context, id string) (*entity.BloodRequest, error)
	Transition(ctx context.Context, input entity.TransitionInput) (*entity.BloodRequest, error)
	Cancel(ctx context.Context, id string, actor string) (*entity.BloodRequest, error)

	ListRequests(ctx context.Context, filter entity.RequestFilter, pg *entity.PaginationInput) ([]entity.BloodRequest, error)
	GetRequestStats(ctx context.Context, hospitalId string) (*entity.RequestStats, error)
}

type Matching interface {
	Approve(ctx context.Context, id string, actor string) (*entity.BloodRequest, error)
	HandleResponse(ctx context.Context, input entity.ResponseInput) (*entity.MatchRecord, error)
	EnqueueResponse(ctx context.Context, input entity.ResponseInput) error
	Escalate(ctx context.Context, id string) (*entity.BloodRequest, bool, error)

	ListMatches(ctx context.Context, requestId string) ([]entity.MatchRecord, error)
	CheckEligibility(ctx context.Context, donorId string, asOf time.Time) (eligibility.Assessment, error)
}

type Donor interface {
	RegisterDonor(ctx context.Context, input *entity.RegisterDonorInput) (*entity.Donor, error)
	GetDonor(ctx context.Context, id string) (*entity.Donor, error)
	SetDonorStatus(ctx context.Context, id string, status entity.DonorStatus) (*entity.Donor, error)
}

// Options configure the engine. Zero values fall back to the defaults of each field.
type Options struct {
	Logger     *zap.Logger
	Publisher  events.Publisher
	Dispatcher notify.Dispatcher
	Clock      func() time.Time

	MaxWriteRetries int
	PublishTimeout  time.Duration
	Eligibility     eligibility.Config
	Matching        MatchingConfig
	SweepInterval   time.Duration
	HealthChecks    map[string]HealthCheck
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}

	return o.Logger
}

func (o Options) publisher() events.Publisher {
	if o.Publisher == nil {
		return events.Nop{}
	}

	return o.Publisher
}

func (o Options) clock() func() time.Time {
	if o.Clock == nil {
		return time.Now
	}

	return o.Clock
}

type Services struct {
	Diagnostics Diagnostics
	Request     Request
	Matching    Matching
	Donor       Donor
	Sweeper     *Sweeper

	matching *MatchingService
}

func NewServices(repos *repo.Repositories, opts Options) *Services {
	lanes := newRequestLanes()
	requests := NewRequestService(repos, lanes, opts)
	matching := NewMatchingService(repos, requests, opts)

	return &Services{
		Diagnostics: NewDiagnosticsService(repos, opts.HealthChecks),
		Request:     requests,
		Matching:    matching,
		Donor:       NewDonorService(repos, opts),
		Sweeper:     NewSweeper(repos, requests, matching, opts),
		matching:    matching,
	}
}

// Close stops dispatch retries and waits for queued work to finish.
func (s *Services) Close() {
	s.matching.Close()
}
