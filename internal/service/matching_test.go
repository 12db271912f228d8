package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"blood-request-engine/internal/eligibility"
	"blood-request-engine/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func daysAgo(e *engine, days int) func(*entity.Donor) {
	return func(d *entity.Donor) {
		t := e.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
		d.LastDonationDate = &t
	}
}

func TestApprove_ContactsFirstTier(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "o-far", entity.OMinus, 3)
	e.addDonor(t, "o-near", entity.OMinus, 1)
	e.addDonor(t, "o-mid", entity.OMinus, 2)
	e.addDonor(t, "o-plus", entity.OPlus, 0.5)
	e.addDonor(t, "o-suspended", entity.OMinus, 0.5, func(d *entity.Donor) { d.Status = entity.DonorSuspended })
	e.addDonor(t, "o-recent", entity.OMinus, 0.5, daysAgo(e, 10))
	e.addDonor(t, "o-flagged", entity.OMinus, 0.5, func(d *entity.Donor) { d.MedicalFlags = []string{"hepatitis-b"} })

	r := e.createRequest(t, entity.OMinus, 2, entity.Critical, 4*time.Hour)
	assert.Equal(t, entity.StatusPending, r.Status)

	approved, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDonorsContacted, approved.Status)
	requireHistoryConsistent(t, approved)
	assert.Equal(t, []entity.RequestStatus{entity.StatusPending, entity.StatusApproved, entity.StatusDonorsContacted},
		[]entity.RequestStatus{approved.StatusHistory[0].Status, approved.StatusHistory[1].Status, approved.StatusHistory[2].Status})

	records := e.records(t, r.Id)
	require.Len(t, records, 3)
	assert.Equal(t, "o-near", records[0].DonorId)
	assert.Equal(t, "o-mid", records[1].DonorId)
	assert.Equal(t, "o-far", records[2].DonorId)
	for _, rec := range records {
		assert.Equal(t, entity.ResponsePending, rec.Response)
		assert.Equal(t, 1, rec.Tier)
	}

	e.matching.Wait()
	assert.Equal(t, 3, e.dispatcher.total())
	e.dispatcher.mu.Lock()
	assert.Equal(t, 1, e.dispatcher.calls[0].Summary.Tier)
	assert.Equal(t, entity.Critical, e.dispatcher.calls[0].Summary.Urgency)
	e.dispatcher.mu.Unlock()
}

func TestApprove_TierSizeFollowsUrgency(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 25; i++ {
		e.addDonor(t, fmt.Sprintf("d%02d", i), entity.ABPlus, float64(i+1))
	}

	critical := e.createRequest(t, entity.ABPlus, 3, entity.Critical, 4*time.Hour)
	urgent := e.createRequest(t, entity.ABPlus, 3, entity.Urgent, 4*time.Hour)
	routine := e.createRequest(t, entity.ABPlus, 3, entity.Routine, 4*time.Hour)
	for _, r := range []*entity.BloodRequest{critical, urgent, routine} {
		_, err := e.matching.Approve(context.Background(), r.Id, "admin")
		require.NoError(t, err)
	}

	assert.Len(t, e.records(t, critical.Id), 20)
	assert.Len(t, e.records(t, urgent.Id), 10)
	assert.Len(t, e.records(t, routine.Id), 5)
}

func TestApprove_FromWrongState(t *testing.T) {
	e := newEngine(t)
	r := e.createRequest(t, entity.OPlus, 1, entity.Routine, time.Hour)
	_, err := e.requests.Cancel(context.Background(), r.Id, "hospital-1")
	require.NoError(t, err)

	_, err = e.matching.Approve(context.Background(), r.Id, "admin")

	assert.ErrorIs(t, err, ErrTerminalState)
	assert.Empty(t, e.records(t, r.Id))
}

func TestResponses_FulfilAndStayTerminal(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "d1", entity.OMinus, 1)
	e.addDonor(t, "d2", entity.OMinus, 2)
	e.addDonor(t, "d3", entity.OMinus, 3)
	e.addDonor(t, "outsider", entity.OMinus, 3, daysAgo(e, 1))
	r := e.createRequest(t, entity.OMinus, 2, entity.Critical, 4*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	rec, err := e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	assert.Equal(t, entity.ResponseAccepted, rec.Response)
	require.NotNil(t, rec.RespondedAt)
	assert.Equal(t, entity.StatusDonorsContacted, e.stored(t, r.Id).Status)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d2", Response: entity.ResponseAccepted})
	require.NoError(t, err)

	fulfilled := e.stored(t, r.Id)
	assert.Equal(t, entity.StatusFulfilled, fulfilled.Status)
	assert.Equal(t, 2, fulfilled.UnitsSecured)
	assert.Equal(t, 2, fulfilled.UnitsRequired)
	assert.Equal(t, SystemActor, fulfilled.StatusHistory[len(fulfilled.StatusHistory)-1].Actor)
	requireHistoryConsistent(t, fulfilled)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d3", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	after := e.stored(t, r.Id)
	assert.Equal(t, entity.StatusFulfilled, after.Status)
	assert.Equal(t, fulfilled.Version, after.Version)
	assert.Equal(t, entity.ResponseAccepted, responseOf(e.records(t, r.Id), "d3"))

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseDeclined})
	assert.ErrorIs(t, err, ErrResponseAlreadyRecorded)
	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "outsider", Response: entity.ResponseAccepted})
	assert.ErrorIs(t, err, ErrMatchNotFound)
	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseNoResponse})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: "missing", DonorId: "d1", Response: entity.ResponseAccepted})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestResponses_DeclinesDoNotFulfil(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "d1", entity.APlus, 1)
	e.addDonor(t, "d2", entity.AMinus, 2)
	r := e.createRequest(t, entity.APlus, 1, entity.Urgent, 4*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseDeclined})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDonorsContacted, e.stored(t, r.Id).Status)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d2", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFulfilled, e.stored(t, r.Id).Status)
}

func TestResponses_UnitsPerDonor(t *testing.T) {
	e := newEngine(t, func(o *Options) { o.Matching.UnitsPerDonor = 0.5 })
	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		e.addDonor(t, id, entity.BPlus, 1)
	}
	r := e.createRequest(t, entity.BPlus, 1, entity.Urgent, 4*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDonorsContacted, e.stored(t, r.Id).Status)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d2", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	stored := e.stored(t, r.Id)
	assert.Equal(t, entity.StatusFulfilled, stored.Status)
	assert.Equal(t, 1, stored.UnitsSecured)
}

func TestEnqueueResponse(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "d1", entity.OPlus, 1)
	e.addDonor(t, "d2", entity.OPlus, 2)
	r := e.createRequest(t, entity.OPlus, 2, entity.Urgent, 4*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	require.NoError(t, e.matching.EnqueueResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseAccepted}))
	require.NoError(t, e.matching.EnqueueResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d2", Response: entity.ResponseAccepted}))
	// applied later and only logged
	require.NoError(t, e.matching.EnqueueResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "stranger", Response: entity.ResponseAccepted}))
	e.matching.Wait()

	assert.Equal(t, entity.StatusFulfilled, e.stored(t, r.Id).Status)

	err = e.matching.EnqueueResponse(ctx, entity.ResponseInput{RequestId: "missing", DonorId: "d1", Response: entity.ResponseAccepted})
	assert.ErrorIs(t, err, ErrRequestNotFound)
	err = e.matching.EnqueueResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: "pending"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEscalate_NextTierAfterTimeout(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	types := []entity.BloodType{entity.OMinus, entity.OPlus, entity.AMinus, entity.APlus}
	for i := 1; i <= 7; i++ {
		e.addDonor(t, fmt.Sprintf("d%d", i), types[i%len(types)], float64(i))
	}
	e.addDonor(t, "b-type", entity.BPlus, 0.1)
	r := e.createRequest(t, entity.APlus, 3, entity.Routine, 24*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	records := e.records(t, r.Id)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("d%d", i+1), rec.DonorId)
	}
	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseAccepted})
	require.NoError(t, err)

	_, escalated, err := e.matching.Escalate(ctx, r.Id)
	require.NoError(t, err)
	assert.False(t, escalated, "tier 1 has not timed out yet")

	e.clock.Advance(31 * time.Minute)
	request, escalated, err := e.matching.Escalate(ctx, r.Id)
	require.NoError(t, err)
	assert.True(t, escalated)
	assert.Equal(t, entity.StatusDonorsContacted, request.Status)

	records = e.records(t, r.Id)
	require.Len(t, records, 7)
	assert.Equal(t, entity.ResponseAccepted, responseOf(records, "d1"))
	for _, id := range []string{"d2", "d3", "d4", "d5"} {
		assert.Equal(t, entity.ResponseNoResponse, responseOf(records, id), id)
	}
	for _, rec := range records[5:] {
		assert.Equal(t, 2, rec.Tier)
		assert.Equal(t, entity.ResponsePending, rec.Response)
	}

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d2", Response: entity.ResponseAccepted})
	assert.ErrorIs(t, err, ErrResponseAlreadyRecorded)

	// nobody compatible is left: the request keeps waiting until its deadline
	e.clock.Advance(31 * time.Minute)
	request, escalated, err = e.matching.Escalate(ctx, r.Id)
	require.NoError(t, err)
	assert.False(t, escalated)
	assert.Equal(t, entity.StatusDonorsContacted, request.Status)

	seen := map[string]bool{}
	for _, rec := range e.records(t, r.Id) {
		assert.False(t, seen[rec.DonorId], "donor %s contacted twice", rec.DonorId)
		seen[rec.DonorId] = true
	}
	assert.False(t, seen["b-type"])
}

func TestDispatch_RetriesThenNoResponse(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "flaky", entity.BMinus, 1)
	e.addDonor(t, "dead", entity.BMinus, 2)
	e.addDonor(t, "fine", entity.BMinus, 3)
	e.dispatcher.failures["flaky"] = 1
	e.dispatcher.failures["dead"] = -1

	r := e.createRequest(t, entity.BMinus, 2, entity.Urgent, 4*time.Hour)
	approved, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err, "dispatch failures never fail approval")
	assert.Equal(t, entity.StatusDonorsContacted, approved.Status)
	e.matching.Wait()

	assert.Equal(t, 2, e.dispatcher.callsFor("flaky"))
	assert.Equal(t, 3, e.dispatcher.callsFor("dead"))
	assert.Equal(t, 1, e.dispatcher.callsFor("fine"))

	records := e.records(t, r.Id)
	assert.Equal(t, entity.ResponsePending, responseOf(records, "flaky"))
	assert.Equal(t, entity.ResponseNoResponse, responseOf(records, "dead"))
	assert.Equal(t, entity.ResponsePending, responseOf(records, "fine"))
	assert.Equal(t, entity.StatusDonorsContacted, e.stored(t, r.Id).Status)
}

func TestCancel_HaltsEscalationButRecordsResponses(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		e.addDonor(t, fmt.Sprintf("d%d", i), entity.ABMinus, float64(i))
	}
	r := e.createRequest(t, entity.ABMinus, 1, entity.Routine, 24*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)
	e.matching.Wait()

	_, err = e.requests.Cancel(ctx, r.Id, "hospital-1")
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	_, escalated, err := e.matching.Escalate(ctx, r.Id)
	require.NoError(t, err)
	assert.False(t, escalated)
	assert.Len(t, e.records(t, r.Id), 5)

	_, err = e.matching.HandleResponse(ctx, entity.ResponseInput{RequestId: r.Id, DonorId: "d1", Response: entity.ResponseAccepted})
	require.NoError(t, err)
	assert.Equal(t, entity.ResponseAccepted, responseOf(e.records(t, r.Id), "d1"))
	assert.Equal(t, entity.StatusRejected, e.stored(t, r.Id).Status)
	assert.Equal(t, 5, e.dispatcher.total())
}

func TestCheckEligibility(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addDonor(t, "recent", entity.OPlus, 1, daysAgo(e, 55))

	a, err := e.matching.CheckEligibility(ctx, "recent", time.Time{})
	require.NoError(t, err)
	assert.False(t, a.Eligible)
	assert.Equal(t, eligibility.ReasonTooRecentDonation, a.Reason)
	assert.True(t, a.AsOf.Equal(e.clock.Now()))
	assert.True(t, a.EligibleFrom.Equal(e.clock.Now().Add(24*time.Hour)))

	a, err = e.matching.CheckEligibility(ctx, "recent", e.clock.Now().Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, a.Eligible)

	_, err = e.matching.CheckEligibility(ctx, "nobody", time.Time{})
	assert.ErrorIs(t, err, ErrDonorNotFound)
}

func TestListMatches(t *testing.T) {
	e := newEngine(t)
	e.addDonor(t, "d1", entity.OMinus, 1)
	r := e.createRequest(t, entity.APlus, 1, entity.Routine, time.Hour)
	_, err := e.matching.Approve(context.Background(), r.Id, "admin")
	require.NoError(t, err)

	matches, err := e.matching.ListMatches(context.Background(), r.Id)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d1", matches[0].DonorId)

	_, err = e.matching.ListMatches(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestResponses_ConcurrentOnOneRequest(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	const donors = 10
	for i := 0; i < donors; i++ {
		e.addDonor(t, fmt.Sprintf("d%d", i), entity.OPlus, float64(i+1))
	}
	r := e.createRequest(t, entity.OPlus, 3, entity.Urgent, 4*time.Hour)
	_, err := e.matching.Approve(ctx, r.Id, "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < donors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.matching.HandleResponse(ctx, entity.ResponseInput{
				RequestId: r.Id, DonorId: fmt.Sprintf("d%d", i), Response: entity.ResponseAccepted,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored := e.stored(t, r.Id)
	assert.Equal(t, entity.StatusFulfilled, stored.Status)
	assert.Equal(t, 3, stored.UnitsSecured)
	requireHistoryConsistent(t, stored)
	fulfilledEntries := 0
	for _, h := range stored.StatusHistory {
		if h.Status == entity.StatusFulfilled {
			fulfilledEntries++
		}
	}
	assert.Equal(t, 1, fulfilledEntries)
	for _, rec := range e.records(t, r.Id) {
		assert.Equal(t, entity.ResponseAccepted, rec.Response)
	}
}
