package service

import (
	"context"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo"

	"go.uber.org/zap"
)

const DefaultSweepInterval = time.Minute

// SweepResult counts what one pass changed.
type SweepResult struct {
	Scanned   int
	Expired   int
	Escalated int
	Retried   int
	Failed    int
}

// Sweeper expires overdue requests, escalates unanswered tiers and retries
// matching for approved requests that found no donors.
type Sweeper struct {
	requestRepo repo.Request
	requests    *RequestService
	matching    *MatchingService
	lanes       *requestLanes
	interval    time.Duration
	log         *zap.Logger
}

func NewSweeper(repos *repo.Repositories, requests *RequestService, matching *MatchingService, opts Options) *Sweeper {
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Sweeper{
		requestRepo: repos.Request,
		requests:    requests,
		matching:    matching,
		lanes:       requests.lanes,
		interval:    interval,
		log:         opts.logger().Named("sweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("starting sweeper", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := s.Sweep(ctx)
			if res.Expired+res.Escalated+res.Retried+res.Failed > 0 {
				s.log.Info("sweep finished",
					zap.Int("scanned", res.Scanned),
					zap.Int("expired", res.Expired),
					zap.Int("escalated", res.Escalated),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

// Sweep makes one pass over the open requests. Each request is re-read inside
// its lane, so a transition that won the race is never overwritten.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	open, err := s.requestRepo.ListOpenRequests(ctx)
	if err != nil {
		s.log.Error("list open requests", zap.Error(err))
		res.Failed++
		return res
	}

	for _, r := range open {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++

		id := r.Id
		var outcome sweepOutcome
		err := s.lanes.Do(ctx, id, func() error {
			var err error
			outcome, err = s.sweepOneLocked(ctx, id)
			return err
		})
		if err != nil {
			s.log.Warn("sweep request", zap.String("request_id", id), zap.Error(err))
			res.Failed++
			continue
		}

		switch outcome {
		case sweptExpired:
			res.Expired++
		case sweptEscalated:
			res.Escalated++
		case sweptRetried:
			res.Retried++
		}
	}

	return res
}

type sweepOutcome int

const (
	sweptNothing sweepOutcome = iota
	sweptExpired
	sweptEscalated
	sweptRetried
)

func (s *Sweeper) sweepOneLocked(ctx context.Context, id string) (sweepOutcome, error) {
	request, err := s.requests.load(ctx, id)
	if err != nil {
		return sweptNothing, err
	}

	switch {
	case request.Status.Terminal():
		return sweptNothing, nil

	case request.Overdue(s.requests.clock()):
		_, expired, err := s.requests.expireLocked(ctx, id)
		if err != nil || !expired {
			return sweptNothing, err
		}
		return sweptExpired, nil

	case request.Status == entity.StatusDonorsContacted:
		_, escalated, err := s.matching.escalateLocked(ctx, id)
		if err != nil || !escalated {
			return sweptNothing, err
		}
		return sweptEscalated, nil

	case request.Status == entity.StatusApproved:
		_, contacted, err := s.matching.contactNextTierLocked(ctx, request)
		if err != nil || contacted == 0 {
			return sweptNothing, err
		}
		return sweptRetried, nil
	}

	return sweptNothing, nil
}
