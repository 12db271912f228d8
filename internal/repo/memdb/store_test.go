package memdb

import (
	"context"
	"testing"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/repo_errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(id, hospital string, createdAt time.Time, status entity.RequestStatus) *entity.BloodRequest {
	return &entity.BloodRequest{
		Id:            id,
		HospitalId:    hospital,
		BloodType:     entity.APlus,
		UnitsRequired: 1,
		Urgency:       entity.Routine,
		Status:        status,
		CreatedAt:     createdAt,
		StatusHistory: []entity.StatusEntry{{Status: status, At: createdAt}},
		Version:       1,
	}
}

func TestPutRequest_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	r := newRequest("r1", "h1", time.Now(), entity.StatusPending)
	require.NoError(t, s.CreateRequest(ctx, r))
	assert.ErrorIs(t, s.CreateRequest(ctx, r), repo_errors.ErrAlreadyExists)

	first, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)
	second, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)

	first.Status = entity.StatusApproved
	require.NoError(t, s.PutRequest(ctx, first, 1))
	assert.Equal(t, 2, first.Version)

	second.Status = entity.StatusRejected
	assert.ErrorIs(t, s.PutRequest(ctx, second, 1), repo_errors.ErrVersionConflict)

	stored, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, stored.Status)
	assert.Equal(t, 2, stored.Version)

	_, err = s.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, repo_errors.ErrNotFound)
	assert.ErrorIs(t, s.PutRequest(ctx, newRequest("missing", "h1", time.Now(), entity.StatusPending), 1), repo_errors.ErrNotFound)
}

func TestGetRequest_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateRequest(ctx, newRequest("r1", "h1", time.Now(), entity.StatusPending)))

	r, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)
	r.StatusHistory[0].Status = entity.StatusExpired
	r.Status = entity.StatusExpired

	again, err := s.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, again.Status)
	assert.Equal(t, entity.StatusPending, again.StatusHistory[0].Status)
}

func TestListRequests_FilterOrderPaging(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRequest(ctx, newRequest("r1", "h1", base, entity.StatusPending)))
	require.NoError(t, s.CreateRequest(ctx, newRequest("r2", "h1", base.Add(time.Hour), entity.StatusFulfilled)))
	require.NoError(t, s.CreateRequest(ctx, newRequest("r3", "h1", base.Add(2*time.Hour), entity.StatusApproved)))
	require.NoError(t, s.CreateRequest(ctx, newRequest("r4", "h2", base.Add(3*time.Hour), entity.StatusPending)))

	all, err := s.ListRequests(ctx, entity.RequestFilter{HospitalId: "h1"}, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].Id)
	assert.Equal(t, "r1", all[2].Id)

	page, err := s.ListRequests(ctx, entity.RequestFilter{HospitalId: "h1"}, entity.NewPaginationInput(1, 1))
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r2", page[0].Id)

	open, err := s.ListOpenRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	counts, err := s.CountRequestsByStatus(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[entity.StatusPending])
	assert.Equal(t, 1, counts[entity.StatusFulfilled])
	assert.Equal(t, 1, counts[entity.StatusApproved])
}

func TestQueryDonorsByTypeAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutDonor(ctx, &entity.Donor{Id: "d2", BloodType: entity.OMinus, Status: entity.DonorActive}))
	require.NoError(t, s.PutDonor(ctx, &entity.Donor{Id: "d1", BloodType: entity.OPlus, Status: entity.DonorActive}))
	require.NoError(t, s.PutDonor(ctx, &entity.Donor{Id: "d3", BloodType: entity.OMinus, Status: entity.DonorSuspended}))
	require.NoError(t, s.PutDonor(ctx, &entity.Donor{Id: "d4", BloodType: entity.ABPlus, Status: entity.DonorActive}))

	donors, err := s.QueryDonorsByTypeAndStatus(ctx, []entity.BloodType{entity.OMinus, entity.OPlus}, entity.DonorActive)
	require.NoError(t, err)
	require.Len(t, donors, 2)
	assert.Equal(t, "d1", donors[0].Id)
	assert.Equal(t, "d2", donors[1].Id)

	_, err = s.GetDonor(ctx, "nobody")
	assert.ErrorIs(t, err, repo_errors.ErrNotFound)
}

func TestMatchRecords_Unique(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	rec := &entity.MatchRecord{RequestId: "r1", DonorId: "d1", Tier: 1, ContactedAt: time.Now(), Response: entity.ResponsePending}

	require.NoError(t, s.CreateMatchRecord(ctx, rec))
	assert.ErrorIs(t, s.CreateMatchRecord(ctx, rec), repo_errors.ErrDuplicateMatch)
	require.NoError(t, s.CreateMatchRecord(ctx, &entity.MatchRecord{RequestId: "r1", DonorId: "d2", Tier: 1, Response: entity.ResponsePending}))

	now := time.Now()
	rec.Response = entity.ResponseAccepted
	rec.RespondedAt = &now
	require.NoError(t, s.UpdateMatchRecord(ctx, rec))
	assert.ErrorIs(t, s.UpdateMatchRecord(ctx, &entity.MatchRecord{RequestId: "r1", DonorId: "d9"}), repo_errors.ErrNotFound)

	records, err := s.GetMatchRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d1", records[0].DonorId)
	assert.Equal(t, entity.ResponseAccepted, records[0].Response)
	assert.Equal(t, entity.ResponsePending, records[1].Response)
}
