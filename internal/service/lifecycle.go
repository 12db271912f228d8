package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/events"
	"blood-request-engine/internal/repo"
	"blood-request-engine/internal/repo/repo_errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SystemActor is recorded in the history for transitions the engine makes on its own.
const SystemActor = "system"

const (
	DefaultMaxWriteRetries = 5
	DefaultPublishTimeout  = 2 * time.Second
)

var allowedTransitions = map[entity.RequestStatus][]entity.RequestStatus{
	entity.StatusPending:         {entity.StatusApproved, entity.StatusRejected, entity.StatusExpired},
	entity.StatusApproved:        {entity.StatusDonorsContacted, entity.StatusRejected, entity.StatusExpired},
	entity.StatusDonorsContacted: {entity.StatusFulfilled, entity.StatusRejected, entity.StatusExpired},
}

// origin tells a transition asked for through the API from one the engine makes itself.
type origin int

const (
	byCaller origin = iota
	byEngine
)

func checkTransition(from, to entity.RequestStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type RequestService struct {
	requestRepo     repo.Request
	publisher       events.Publisher
	lanes           *requestLanes
	log             *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
	maxWriteRetries int
	publishTimeout  time.Duration
}

func NewRequestService(repos *repo.Repositories, lanes *requestLanes, opts Options) *RequestService {
	retries := opts.MaxWriteRetries
	if retries <= 0 {
		retries = DefaultMaxWriteRetries
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}

	return &RequestService{
		requestRepo:     repos.Request,
		publisher:       opts.publisher(),
		lanes:           lanes,
		log:             opts.logger().Named("lifecycle"),
		tracer:          otel.Tracer("blood-request-engine/service"),
		now:             opts.clock(),
		maxWriteRetries: retries,
		publishTimeout:  publishTimeout,
	}
}

// clock returns the current time at the precision the store keeps.
func (s *RequestService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *RequestService) CreateRequest(ctx context.Context, input *entity.CreateRequestInput) (*entity.BloodRequest, error) {
	now := s.clock()
	if err := validateCreateInput(input, now); err != nil {
		return nil, err
	}

	request := &entity.BloodRequest{
		Id:               uuid.NewString(),
		HospitalId:       strings.TrimSpace(input.HospitalId),
		BloodType:        input.BloodType,
		UnitsRequired:    input.Units,
		Urgency:          input.Urgency,
		RequiredByTime:   input.RequiredByTime.UTC(),
		PatientCondition: input.PatientCondition,
		Notes:            input.Notes,
		Location:         input.Location,
		Status:           entity.StatusPending,
		CreatedAt:        now,
		StatusHistory: []entity.StatusEntry{{
			Status: entity.StatusPending,
			At:     now,
			Actor:  strings.TrimSpace(input.HospitalId),
		}},
		Version: 1,
	}

	if err := s.requestRepo.CreateRequest(ctx, request); err != nil {
		return nil, err
	}

	s.log.Info("request created",
		zap.String("request_id", request.Id),
		zap.String("hospital_id", request.HospitalId),
		zap.String("blood_type", string(request.BloodType)),
		zap.Int("units", request.UnitsRequired),
		zap.String("urgency", string(request.Urgency)))
	s.publish(ctx, request, "")

	return request, nil
}

func validateCreateInput(input *entity.CreateRequestInput, now time.Time) error {
	if strings.TrimSpace(input.HospitalId) == "" {
		return fmt.Errorf("%w: hospital id is required", ErrInvalidRequest)
	}
	if !input.BloodType.Valid() {
		return fmt.Errorf("%w: unknown blood type %q", ErrInvalidRequest, input.BloodType)
	}
	if input.Units <= 0 {
		return fmt.Errorf("%w: units must be positive, got %d", ErrInvalidRequest, input.Units)
	}
	if !input.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidRequest, input.Urgency)
	}
	if !input.RequiredByTime.After(now) {
		return fmt.Errorf("%w: requiredByTime %s is not in the future", ErrInvalidRequest, input.RequiredByTime.Format(time.RFC3339))
	}

	return nil
}

// GetRequest returns the request, expiring it first when its deadline has passed.
func (s *RequestService) GetRequest(ctx context.Context, id string) (*entity.BloodRequest, error) {
	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !request.Overdue(s.clock()) {
		return request, nil
	}

	var expired *entity.BloodRequest
	err = s.lanes.Do(ctx, id, func() error {
		var e error
		expired, _, e = s.expireLocked(ctx, id)
		return e
	})
	if err != nil {
		return nil, err
	}

	return expired, nil
}

// Transition applies a status change asked for by a caller. Donors-contacted
// is only set by the matching coordinator when it records a tier.
func (s *RequestService) Transition(ctx context.Context, input entity.TransitionInput) (*entity.BloodRequest, error) {
	ctx, span := s.tracer.Start(ctx, "RequestService.Transition", trace.WithAttributes(
		attribute.String("request.id", input.RequestId),
		attribute.String("request.target", string(input.Target)),
	))
	defer span.End()

	if !input.Target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, input.Target)
	}

	var request *entity.BloodRequest
	err := s.lanes.Do(ctx, input.RequestId, func() error {
		var err error
		request, err = s.transitionLocked(ctx, input, byCaller)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return request, nil
}

// Cancel is the hospital withdrawing its request.
func (s *RequestService) Cancel(ctx context.Context, id string, actor string) (*entity.BloodRequest, error) {
	return s.Transition(ctx, entity.TransitionInput{
		RequestId: id,
		Target:    entity.StatusRejected,
		Actor:     actor,
	})
}

// ListRequests expires overdue rows as it meets them. When that moves a row out of
// the status filter the page is read again, so it stays full while more rows exist.
func (s *RequestService) ListRequests(ctx context.Context, filter entity.RequestFilter, pg *entity.PaginationInput) ([]entity.BloodRequest, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, st)
		}
	}

	// Every pass that drops a row has expired it for good, so the loop ends.
	for {
		requests, err := s.requestRepo.ListRequests(ctx, filter, pg)
		if err != nil {
			return nil, err
		}

		listed, dropped := s.expireListed(ctx, filter, requests)
		if dropped == 0 {
			return listed, nil
		}
		s.log.Debug("rows expired while listing, reading the page again", zap.Int("dropped", dropped))
	}
}

// expireListed expires the overdue requests of one page and reports how many
// no longer match the status filter.
func (s *RequestService) expireListed(ctx context.Context, filter entity.RequestFilter, requests []entity.BloodRequest) ([]entity.BloodRequest, int) {
	now := s.clock()
	listed := requests[:0]
	dropped := 0
	for i := range requests {
		if !requests[i].Overdue(now) {
			listed = append(listed, requests[i])
			continue
		}
		id := requests[i].Id
		var expired *entity.BloodRequest
		err := s.lanes.Do(ctx, id, func() error {
			var e error
			expired, _, e = s.expireLocked(ctx, id)
			return e
		})
		if err != nil {
			s.log.Warn("lazy expiry failed", zap.String("request_id", id), zap.Error(err))
			listed = append(listed, requests[i])
			continue
		}
		if !matchesStatus(filter.Statuses, expired.Status) {
			dropped++
			continue
		}
		listed = append(listed, *expired)
	}

	return listed, dropped
}

func matchesStatus(statuses []entity.RequestStatus, status entity.RequestStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == status {
			return true
		}
	}

	return false
}

func (s *RequestService) GetRequestStats(ctx context.Context, hospitalId string) (*entity.RequestStats, error) {
	counts, err := s.requestRepo.CountRequestsByStatus(ctx, hospitalId)
	if err != nil {
		return nil, err
	}

	stats := &entity.RequestStats{
		HospitalId: hospitalId,
		ByStatus:   make(map[entity.RequestStatus]int, len(entity.AllRequestStatuses)),
	}
	for _, st := range entity.AllRequestStatuses {
		stats.ByStatus[st] = counts[st]
		stats.Total += counts[st]
	}

	return stats, nil
}

func (s *RequestService) load(ctx context.Context, id string) (*entity.BloodRequest, error) {
	request, err := s.requestRepo.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, repo_errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}

		return nil, err
	}

	return request, nil
}

// transitionLocked must run inside the lane of input.RequestId. A request that
// is past its deadline is expired instead and the call fails with ErrTerminalState.
// Expired is only accepted once the deadline has passed, and donors-contacted
// only from the engine.
func (s *RequestService) transitionLocked(ctx context.Context, input entity.TransitionInput, by origin) (*entity.BloodRequest, error) {
	var updated *entity.BloodRequest
	var lapsed bool

	err := s.withRetry(input.RequestId, func() error {
		current, err := s.load(ctx, input.RequestId)
		if err != nil {
			return err
		}

		now := s.clock()
		target, actor, units := input.Target, input.Actor, input.UnitsSecured
		overdue := current.Overdue(now)
		lapsed = overdue && target != entity.StatusExpired
		if lapsed {
			target, actor, units = entity.StatusExpired, SystemActor, 0
		}
		if err := checkTransition(current.Status, target); err != nil {
			return err
		}
		if by == byCaller && target == entity.StatusDonorsContacted {
			return fmt.Errorf("%w: %s is reached by contacting donors", ErrInvalidTransition, target)
		}
		if target == entity.StatusExpired && !overdue {
			return fmt.Errorf("%w: request %s is not due until %s", ErrInvalidTransition,
				current.Id, current.RequiredByTime.Format(time.RFC3339))
		}

		updated, err = s.commit(ctx, current, target, actor, units, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		return nil, fmt.Errorf("%w: request %s expired at %s", ErrTerminalState,
			updated.Id, updated.RequiredByTime.Format(time.RFC3339))
	}

	return updated, nil
}

// expireLocked moves an overdue request to expired. It reports whether it did.
func (s *RequestService) expireLocked(ctx context.Context, id string) (*entity.BloodRequest, bool, error) {
	var request *entity.BloodRequest
	var expired bool

	err := s.withRetry(id, func() error {
		current, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		now := s.clock()
		if !current.Overdue(now) {
			request, expired = current, false
			return nil
		}

		request, err = s.commit(ctx, current, entity.StatusExpired, SystemActor, 0, now)
		expired = err == nil
		return err
	})

	return request, expired, err
}

// withRetry re-runs fn while the store reports a stale version.
func (s *RequestService) withRetry(id string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, repo_errors.ErrVersionConflict) {
			return err
		}
		if attempt > s.maxWriteRetries {
			return fmt.Errorf("%w: request %s after %d attempts", ErrVersionConflict, id, attempt)
		}

		s.log.Debug("version conflict, re-reading", zap.String("request_id", id), zap.Int("attempt", attempt))
	}
}

// commit writes status and history entry in one compare-and-set.
func (s *RequestService) commit(ctx context.Context, current *entity.BloodRequest, target entity.RequestStatus, actor string, units int, now time.Time) (*entity.BloodRequest, error) {
	at := now
	if n := len(current.StatusHistory); n > 0 && !at.After(current.StatusHistory[n-1].At) {
		at = current.StatusHistory[n-1].At.Add(time.Microsecond)
	}
	if actor == "" {
		actor = SystemActor
	}

	next := current.Clone()
	next.Status = target
	next.StatusHistory = append(next.StatusHistory, entity.StatusEntry{Status: target, At: at, Actor: actor})
	if target == entity.StatusFulfilled && units > 0 {
		next.UnitsSecured = units
	}

	if err := s.requestRepo.PutRequest(ctx, next, current.Version); err != nil {
		if errors.Is(err, repo_errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, current.Id)
		}

		return nil, err
	}

	s.log.Info("request status changed",
		zap.String("request_id", next.Id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(target)),
		zap.String("actor", actor),
		zap.Int("version", next.Version))
	s.publish(ctx, next, current.Status)

	return next, nil
}

// publish runs inside the request's lane. The event outlives the caller's
// context and a slow publisher holds the lane for at most publishTimeout.
func (s *RequestService) publish(ctx context.Context, request *entity.BloodRequest, from entity.RequestStatus) {
	last := request.StatusHistory[len(request.StatusHistory)-1]
	event := entity.RequestEvent{
		RequestId:  request.Id,
		HospitalId: request.HospitalId,
		From:       from,
		To:         request.Status,
		Actor:      last.Actor,
		At:         last.At,
		Version:    request.Version,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("publish request event", zap.String("request_id", request.Id), zap.Error(err))
	}
}
