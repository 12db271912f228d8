package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"blood-request-engine/internal/compatibility"
	"blood-request-engine/internal/eligibility"
	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/notify"
	"blood-request-engine/internal/repo"
	"blood-request-engine/internal/repo/repo_errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type MatchingConfig struct {
	// donors contacted per tier, by urgency
	TierSizes map[entity.Urgency]int
	// units one accepting donor is expected to give
	UnitsPerDonor       float64
	TierResponseTimeout time.Duration

	DispatchConcurrency int
	DispatchMaxAttempts int
	DispatchBaseBackoff time.Duration
	DispatchTimeout     time.Duration
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		TierSizes: map[entity.Urgency]int{
			entity.Critical: 20,
			entity.Urgent:   10,
			entity.Routine:  5,
		},
		UnitsPerDonor:       1,
		TierResponseTimeout: 30 * time.Minute,
		DispatchConcurrency: 8,
		DispatchMaxAttempts: 3,
		DispatchBaseBackoff: 500 * time.Millisecond,
		DispatchTimeout:     5 * time.Second,
	}
}

func (c MatchingConfig) withDefaults() MatchingConfig {
	d := DefaultMatchingConfig()
	if len(c.TierSizes) == 0 {
		c.TierSizes = d.TierSizes
	}
	if c.UnitsPerDonor <= 0 {
		c.UnitsPerDonor = d.UnitsPerDonor
	}
	if c.TierResponseTimeout <= 0 {
		c.TierResponseTimeout = d.TierResponseTimeout
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = d.DispatchConcurrency
	}
	if c.DispatchMaxAttempts <= 0 {
		c.DispatchMaxAttempts = d.DispatchMaxAttempts
	}
	if c.DispatchBaseBackoff <= 0 {
		c.DispatchBaseBackoff = d.DispatchBaseBackoff
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}

	return c
}

func (c MatchingConfig) tierSize(u entity.Urgency) int {
	if n := c.TierSizes[u]; n > 0 {
		return n
	}

	return DefaultMatchingConfig().TierSizes[entity.Routine]
}

// MatchingService contacts donors in ranked tiers and collects their replies.
// It writes match records; request status only changes through RequestService.
type MatchingService struct {
	requests    *RequestService
	requestRepo repo.Request
	donorRepo   repo.Donor
	matchRepo   repo.Match
	dispatcher  notify.Dispatcher
	evaluator   *eligibility.Evaluator
	lanes       *requestLanes
	log         *zap.Logger
	tracer      trace.Tracer
	cfg         MatchingConfig

	// dispatch goroutines outlive the call that started them
	ctx      context.Context
	cancel   context.CancelFunc
	sem      chan struct{}
	inflight sync.WaitGroup
}

func NewMatchingService(repos *repo.Repositories, requests *RequestService, opts Options) *MatchingService {
	cfg := opts.Matching.withDefaults()
	eligibilityCfg := opts.Eligibility
	if eligibilityCfg.MinDonationInterval == 0 && eligibilityCfg.MaxAge == 0 {
		eligibilityCfg = eligibility.DefaultConfig()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(opts.logger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MatchingService{
		requests:    requests,
		requestRepo: repos.Request,
		donorRepo:   repos.Donor,
		matchRepo:   repos.Match,
		dispatcher:  dispatcher,
		evaluator:   eligibility.NewEvaluator(eligibilityCfg),
		lanes:       requests.lanes,
		log:         opts.logger().Named("matching"),
		tracer:      requests.tracer,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, cfg.DispatchConcurrency),
	}
}

// Approve moves the request to approved and contacts the first tier of donors.
// With no eligible donor the request stays approved and the sweep retries.
func (s *MatchingService) Approve(ctx context.Context, id string, actor string) (*entity.BloodRequest, error) {
	ctx, span := s.tracer.Start(ctx, "MatchingService.Approve", trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	var request *entity.BloodRequest
	err := s.lanes.Do(ctx, id, func() error {
		approved, err := s.requests.transitionLocked(ctx, entity.TransitionInput{
			RequestId: id,
			Target:    entity.StatusApproved,
			Actor:     actor,
		}, byEngine)
		if err != nil {
			return err
		}

		request, _, err = s.contactNextTierLocked(ctx, approved)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return request, nil
}

// contactNextTierLocked ranks the donors not yet contacted, records the next tier
// and dispatches it. It returns the request and the number of donors contacted.
func (s *MatchingService) contactNextTierLocked(ctx context.Context, request *entity.BloodRequest) (*entity.BloodRequest, int, error) {
	records, err := s.matchRepo.GetMatchRecords(ctx, request.Id)
	if err != nil {
		return nil, 0, err
	}

	contacted := make(map[string]struct{}, len(records))
	tier := 1
	for _, r := range records {
		contacted[r.DonorId] = struct{}{}
		if r.Tier >= tier {
			tier = r.Tier + 1
		}
	}

	now := s.requests.clock()
	candidates, err := s.candidates(ctx, request, contacted, now)
	if err != nil {
		return nil, 0, err
	}
	if size := s.cfg.tierSize(request.Urgency); len(candidates) > size {
		candidates = candidates[:size]
	}

	created := make([]entity.MatchRecord, 0, len(candidates))
	for _, donor := range candidates {
		record := entity.MatchRecord{
			RequestId:   request.Id,
			DonorId:     donor.Id,
			Tier:        tier,
			ContactedAt: now,
			Response:    entity.ResponsePending,
		}
		if err := s.matchRepo.CreateMatchRecord(ctx, &record); err != nil {
			if errors.Is(err, repo_errors.ErrDuplicateMatch) {
				s.log.Warn("skipping donor",
					zap.String("request_id", request.Id),
					zap.String("donor_id", donor.Id),
					zap.Error(ErrDuplicateContact))
				continue
			}

			return nil, 0, err
		}
		created = append(created, record)
	}

	if len(created) == 0 {
		s.log.Info("no eligible donors left to contact",
			zap.String("request_id", request.Id),
			zap.String("status", string(request.Status)),
			zap.Int("tier", tier))
		return request, 0, nil
	}

	if request.Status == entity.StatusApproved {
		request, err = s.requests.transitionLocked(ctx, entity.TransitionInput{
			RequestId: request.Id,
			Target:    entity.StatusDonorsContacted,
			Actor:     SystemActor,
		}, byEngine)
		if err != nil {
			return nil, 0, err
		}
	}

	summary := entity.RequestSummary{
		RequestId:      request.Id,
		HospitalId:     request.HospitalId,
		BloodType:      request.BloodType,
		Urgency:        request.Urgency,
		UnitsRequired:  request.UnitsRequired,
		RequiredByTime: request.RequiredByTime,
		Tier:           tier,
	}
	for _, record := range created {
		s.dispatch(record.DonorId, summary)
	}

	s.log.Info("tier contacted",
		zap.String("request_id", request.Id),
		zap.Int("tier", tier),
		zap.Int("donors", len(created)))

	return request, len(created), nil
}

func (s *MatchingService) candidates(ctx context.Context, request *entity.BloodRequest, contacted map[string]struct{}, now time.Time) ([]entity.Donor, error) {
	types := compatibility.CompatibleDonorTypes(request.BloodType)
	donors, err := s.donorRepo.QueryDonorsByTypeAndStatus(ctx, types, entity.DonorActive)
	if err != nil {
		return nil, err
	}

	fresh := make([]entity.Donor, 0, len(donors))
	for _, d := range s.evaluator.Filter(donors, now) {
		if _, ok := contacted[d.Id]; ok {
			continue
		}
		fresh = append(fresh, d)
	}

	return compatibility.Rank(fresh, request.Location), nil
}

// dispatch notifies one donor in the background. A donor that cannot be reached
// after every attempt is recorded as no-response.
func (s *MatchingService) dispatch(donorId string, summary entity.RequestSummary) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		err := s.notifyWithRetry(donorId, summary)
		if err == nil || s.ctx.Err() != nil {
			return
		}

		s.log.Warn("donor unreachable, recording no-response",
			zap.String("request_id", summary.RequestId),
			zap.String("donor_id", donorId),
			zap.Error(err))
		s.lanes.Go(summary.RequestId, func() {
			if err := s.markNoResponseLocked(context.Background(), summary.RequestId, donorId); err != nil {
				s.log.Error("record no-response",
					zap.String("request_id", summary.RequestId),
					zap.String("donor_id", donorId),
					zap.Error(err))
			}
		})
	}()
}

func (s *MatchingService) notifyWithRetry(donorId string, summary entity.RequestSummary) error {
	backoff := s.cfg.DispatchBaseBackoff
	var lastErr error

	for attempt := 1; attempt <= s.cfg.DispatchMaxAttempts; attempt++ {
		if !s.stillCollecting(summary.RequestId) {
			s.log.Debug("request closed, dropping notification",
				zap.String("request_id", summary.RequestId),
				zap.String("donor_id", donorId))
			return nil
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DispatchTimeout)
		result, err := s.dispatcher.Notify(ctx, donorId, summary)
		cancel()
		if err == nil && result.Delivered {
			return nil
		}
		if err == nil {
			err = errors.New("transport reported not delivered")
		}
		lastErr = err

		s.log.Debug("notify attempt failed",
			zap.String("request_id", summary.RequestId),
			zap.String("donor_id", donorId),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == s.cfg.DispatchMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return fmt.Errorf("%w: %v", ErrDispatchFailure, s.ctx.Err())
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: donor %s after %d attempts: %v", ErrDispatchFailure, donorId, s.cfg.DispatchMaxAttempts, lastErr)
}

// stillCollecting is false once the request reached a terminal state, so
// cancelled requests stop contacting donors that have not been sent to yet.
func (s *MatchingService) stillCollecting(requestId string) bool {
	request, err := s.requestRepo.GetRequest(s.ctx, requestId)
	if err != nil {
		return !errors.Is(err, repo_errors.ErrNotFound)
	}

	return !request.Status.Terminal()
}

func (s *MatchingService) markNoResponseLocked(ctx context.Context, requestId, donorId string) error {
	record, err := s.findRecord(ctx, requestId, donorId)
	if err != nil {
		return err
	}
	if record.Response != entity.ResponsePending {
		return nil
	}

	record.Response = entity.ResponseNoResponse
	return s.matchRepo.UpdateMatchRecord(ctx, record)
}

func (s *MatchingService) findRecord(ctx context.Context, requestId, donorId string) (*entity.MatchRecord, error) {
	records, err := s.matchRepo.GetMatchRecords(ctx, requestId)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].DonorId == donorId {
			return &records[i], nil
		}
	}

	return nil, fmt.Errorf("%w: donor %s, request %s", ErrMatchNotFound, donorId, requestId)
}

func validateResponse(input entity.ResponseInput) error {
	if input.RequestId == "" || input.DonorId == "" {
		return fmt.Errorf("%w: requestId and donorId are required", ErrInvalidResponse)
	}
	if input.Response != entity.ResponseAccepted && input.Response != entity.ResponseDeclined {
		return fmt.Errorf("%w: response must be accepted or declined, got %q", ErrInvalidResponse, input.Response)
	}

	return nil
}

// HandleResponse records a donor reply and waits until it is applied.
func (s *MatchingService) HandleResponse(ctx context.Context, input entity.ResponseInput) (*entity.MatchRecord, error) {
	ctx, span := s.tracer.Start(ctx, "MatchingService.HandleResponse", trace.WithAttributes(
		attribute.String("request.id", input.RequestId),
		attribute.String("donor.id", input.DonorId),
	))
	defer span.End()

	if err := validateResponse(input); err != nil {
		return nil, err
	}

	var record *entity.MatchRecord
	err := s.lanes.Do(ctx, input.RequestId, func() error {
		var err error
		record, err = s.applyResponseLocked(ctx, input)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return record, nil
}

// EnqueueResponse validates a donor reply and queues it behind the request's
// other work. Failures while applying it are only logged.
func (s *MatchingService) EnqueueResponse(ctx context.Context, input entity.ResponseInput) error {
	if err := validateResponse(input); err != nil {
		return err
	}
	if _, err := s.requests.load(ctx, input.RequestId); err != nil {
		return err
	}

	s.lanes.Go(input.RequestId, func() {
		if _, err := s.applyResponseLocked(context.Background(), input); err != nil {
			s.log.Warn("donor response not applied",
				zap.String("request_id", input.RequestId),
				zap.String("donor_id", input.DonorId),
				zap.String("response", string(input.Response)),
				zap.Error(err))
		}
	})

	return nil
}

func (s *MatchingService) applyResponseLocked(ctx context.Context, input entity.ResponseInput) (*entity.MatchRecord, error) {
	request, err := s.requests.load(ctx, input.RequestId)
	if err != nil {
		return nil, err
	}

	records, err := s.matchRepo.GetMatchRecords(ctx, input.RequestId)
	if err != nil {
		return nil, err
	}
	var record *entity.MatchRecord
	accepted := 0
	for i := range records {
		if records[i].DonorId == input.DonorId {
			record = &records[i]
		}
	}
	if record == nil {
		return nil, fmt.Errorf("%w: donor %s, request %s", ErrMatchNotFound, input.DonorId, input.RequestId)
	}
	if record.Response != entity.ResponsePending {
		return nil, fmt.Errorf("%w: donor %s already answered %s", ErrResponseAlreadyRecorded, input.DonorId, record.Response)
	}

	now := s.requests.clock()
	record.Response = input.Response
	record.RespondedAt = &now
	if err := s.matchRepo.UpdateMatchRecord(ctx, record); err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Response == entity.ResponseAccepted {
			accepted++
		}
	}

	s.log.Info("donor responded",
		zap.String("request_id", input.RequestId),
		zap.String("donor_id", input.DonorId),
		zap.String("response", string(input.Response)),
		zap.String("request_status", string(request.Status)),
		zap.Int("accepted", accepted))

	if request.Status != entity.StatusDonorsContacted || input.Response != entity.ResponseAccepted {
		return record, nil
	}

	yield := float64(accepted) * s.cfg.UnitsPerDonor
	if yield < float64(request.UnitsRequired) {
		return record, nil
	}

	_, err = s.requests.transitionLocked(ctx, entity.TransitionInput{
		RequestId:    request.Id,
		Target:       entity.StatusFulfilled,
		Actor:        SystemActor,
		UnitsSecured: int(math.Floor(yield)),
	}, byEngine)
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			s.log.Info("response recorded after request closed", zap.String("request_id", request.Id), zap.Error(err))
			return record, nil
		}

		return nil, err
	}

	return record, nil
}

// Escalate contacts the next tier once the newest one went unanswered for
// TierResponseTimeout. It reports whether new donors were contacted.
func (s *MatchingService) Escalate(ctx context.Context, id string) (*entity.BloodRequest, bool, error) {
	var request *entity.BloodRequest
	var escalated bool
	err := s.lanes.Do(ctx, id, func() error {
		var err error
		request, escalated, err = s.escalateLocked(ctx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	return request, escalated, nil
}

func (s *MatchingService) escalateLocked(ctx context.Context, id string) (*entity.BloodRequest, bool, error) {
	request, err := s.requests.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if request.Status != entity.StatusDonorsContacted {
		return request, false, nil
	}

	records, err := s.matchRepo.GetMatchRecords(ctx, id)
	if err != nil {
		return nil, false, err
	}
	newest := 0
	var contactedAt time.Time
	for _, r := range records {
		if r.Tier > newest {
			newest, contactedAt = r.Tier, r.ContactedAt
		}
	}
	if newest == 0 || s.requests.clock().Before(contactedAt.Add(s.cfg.TierResponseTimeout)) {
		return request, false, nil
	}

	for i := range records {
		if records[i].Tier != newest || records[i].Response != entity.ResponsePending {
			continue
		}
		records[i].Response = entity.ResponseNoResponse
		if err := s.matchRepo.UpdateMatchRecord(ctx, &records[i]); err != nil {
			return nil, false, err
		}
	}

	request, contacted, err := s.contactNextTierLocked(ctx, request)
	if err != nil {
		return nil, false, err
	}

	return request, contacted > 0, nil
}

func (s *MatchingService) ListMatches(ctx context.Context, requestId string) ([]entity.MatchRecord, error) {
	if _, err := s.requests.load(ctx, requestId); err != nil {
		return nil, err
	}

	return s.matchRepo.GetMatchRecords(ctx, requestId)
}

// CheckEligibility evaluates a donor as of asOf, or now when asOf is zero.
func (s *MatchingService) CheckEligibility(ctx context.Context, donorId string, asOf time.Time) (eligibility.Assessment, error) {
	donor, err := s.donorRepo.GetDonor(ctx, donorId)
	if err != nil {
		if errors.Is(err, repo_errors.ErrNotFound) {
			return eligibility.Assessment{}, fmt.Errorf("%w: %s", ErrDonorNotFound, donorId)
		}

		return eligibility.Assessment{}, err
	}
	if asOf.IsZero() {
		asOf = s.requests.clock()
	}

	return s.evaluator.Assess(donor, asOf), nil
}

// Wait blocks until queued responses and in-flight notifications settle.
// Callers must stop producing new work first.
func (s *MatchingService) Wait() {
	s.lanes.Wait()
	s.inflight.Wait()
	s.lanes.Wait()
}

// Close abandons pending notification retries and drains queued work. Donors
// that were never reached keep a pending record.
func (s *MatchingService) Close() {
	s.cancel()
	s.Wait()
}
