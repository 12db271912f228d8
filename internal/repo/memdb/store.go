// Package memdb is an in-process Persistence Store used when no database is
// configured and by the service tests. Every read returns a copy.
package memdb

import (
	"context"
	"sort"
	"sync"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo/repo_errors"
)

type matchKey struct {
	requestId string
	donorId   string
}

type Store struct {
	mu       sync.RWMutex
	requests map[string]*entity.BloodRequest
	donors   map[string]*entity.Donor
	matches  map[matchKey]*entity.MatchRecord
	// insertion order of records per request
	matchOrder map[string][]string
}

func NewStore() *Store {
	return &Store{
		requests:   map[string]*entity.BloodRequest{},
		donors:     map[string]*entity.Donor{},
		matches:    map[matchKey]*entity.MatchRecord{},
		matchOrder: map[string][]string{},
	}
}

func (s *Store) Ping() error {
	return nil
}

func (s *Store) CreateRequest(_ context.Context, request *entity.BloodRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[request.Id]; ok {
		return repo_errors.ErrAlreadyExists
	}
	s.requests[request.Id] = request.Clone()

	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*entity.BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, repo_errors.ErrNotFound
	}

	return r.Clone(), nil
}

func (s *Store) PutRequest(_ context.Context, request *entity.BloodRequest, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[request.Id]
	if !ok {
		return repo_errors.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repo_errors.ErrVersionConflict
	}

	stored := request.Clone()
	stored.Version = expectedVersion + 1
	s.requests[request.Id] = stored
	request.Version = stored.Version

	return nil
}

func (s *Store) ListRequests(_ context.Context, filter entity.RequestFilter, pg *entity.PaginationInput) ([]entity.BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[entity.RequestStatus]struct{}, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = struct{}{}
	}

	all := make([]entity.BloodRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if filter.HospitalId != "" && r.HospitalId != filter.HospitalId {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[r.Status]; !ok {
				continue
			}
		}
		all = append(all, *r.Clone())
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].Id < all[j].Id
	})

	if pg == nil {
		return all, nil
	}

	start := pg.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + pg.Limit
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], nil
}

func (s *Store) ListOpenRequests(ctx context.Context) ([]entity.BloodRequest, error) {
	return s.ListRequests(ctx, entity.RequestFilter{Statuses: entity.OpenStatuses}, nil)
}

func (s *Store) CountRequestsByStatus(_ context.Context, hospitalId string) (map[entity.RequestStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[entity.RequestStatus]int)
	for _, r := range s.requests {
		if hospitalId != "" && r.HospitalId != hospitalId {
			continue
		}
		counts[r.Status]++
	}

	return counts, nil
}

func (s *Store) GetDonor(_ context.Context, id string) (*entity.Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.donors[id]
	if !ok {
		return nil, repo_errors.ErrNotFound
	}

	return cloneDonor(d), nil
}

func (s *Store) QueryDonorsByTypeAndStatus(_ context.Context, types []entity.BloodType, status entity.DonorStatus) ([]entity.Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[entity.BloodType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	donors := make([]entity.Donor, 0)
	for _, d := range s.donors {
		if d.Status != status {
			continue
		}
		if _, ok := wanted[d.BloodType]; !ok {
			continue
		}
		donors = append(donors, *cloneDonor(d))
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].Id < donors[j].Id })

	return donors, nil
}

func (s *Store) PutDonor(_ context.Context, donor *entity.Donor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.donors[donor.Id] = cloneDonor(donor)

	return nil
}

func (s *Store) CreateMatchRecord(_ context.Context, record *entity.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := matchKey{record.RequestId, record.DonorId}
	if _, ok := s.matches[key]; ok {
		return repo_errors.ErrDuplicateMatch
	}
	s.matches[key] = cloneMatch(record)
	s.matchOrder[record.RequestId] = append(s.matchOrder[record.RequestId], record.DonorId)

	return nil
}

func (s *Store) UpdateMatchRecord(_ context.Context, record *entity.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := matchKey{record.RequestId, record.DonorId}
	if _, ok := s.matches[key]; !ok {
		return repo_errors.ErrNotFound
	}
	s.matches[key] = cloneMatch(record)

	return nil
}

func (s *Store) GetMatchRecords(_ context.Context, requestId string) ([]entity.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]entity.MatchRecord, 0, len(s.matchOrder[requestId]))
	for _, donorId := range s.matchOrder[requestId] {
		records = append(records, *cloneMatch(s.matches[matchKey{requestId, donorId}]))
	}

	return records, nil
}

func cloneDonor(d *entity.Donor) *entity.Donor {
	c := *d
	c.MedicalFlags = append([]string(nil), d.MedicalFlags...)
	if d.LastDonationDate != nil {
		t := *d.LastDonationDate
		c.LastDonationDate = &t
	}

	return &c
}

func cloneMatch(m *entity.MatchRecord) *entity.MatchRecord {
	c := *m
	if m.RespondedAt != nil {
		t := *m.RespondedAt
		c.RespondedAt = &t
	}

	return &c
}
