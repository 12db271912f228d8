package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/events"
	"blood-request-engine/internal/repo"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var hospital = entity.Location{Lat: 51.5074, Lon: -0.1278}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

type notifyCall struct {
	DonorId string
	Summary entity.RequestSummary
}

// fakeDispatcher fails a donor as many times as failures[donorId] says, -1 meaning always.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []notifyCall
	failures map[string]int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failures: map[string]int{}}
}

func (d *fakeDispatcher) Notify(_ context.Context, donorId string, summary entity.RequestSummary) (entity.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, notifyCall{DonorId: donorId, Summary: summary})
	if n := d.failures[donorId]; n != 0 {
		if n > 0 {
			d.failures[donorId] = n - 1
		}
		return entity.DeliveryResult{}, errors.New("gateway unavailable")
	}

	return entity.DeliveryResult{Delivered: true, ProviderRef: "ref-" + donorId}, nil
}

func (d *fakeDispatcher) callsFor(donorId string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range d.calls {
		if c.DonorId == donorId {
			n++
		}
	}

	return n
}

func (d *fakeDispatcher) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.calls)
}

type engine struct {
	svc        *Services
	requests   *RequestService
	matching   *MatchingService
	repos      *repo.Repositories
	clock      *fakeClock
	dispatcher *fakeDispatcher
	bus        *events.Bus
}

func newEngine(t *testing.T, tune ...func(*Options)) *engine {
	t.Helper()

	repos := repo.NewMemoryRepositories()
	clock := newFakeClock()
	dispatcher := newFakeDispatcher()
	bus := events.NewBus(64, zap.NewNop())

	matching := DefaultMatchingConfig()
	matching.DispatchBaseBackoff = time.Millisecond
	opts := Options{
		Logger:     zap.NewNop(),
		Publisher:  bus,
		Dispatcher: dispatcher,
		Clock:      clock.Now,
		Matching:   matching,
	}
	for _, f := range tune {
		f(&opts)
	}

	svc := NewServices(repos, opts)
	t.Cleanup(svc.Close)

	return &engine{
		svc:        svc,
		requests:   svc.Request.(*RequestService),
		matching:   svc.matching,
		repos:      repos,
		clock:      clock,
		dispatcher: dispatcher,
		bus:        bus,
	}
}

func (e *engine) createRequest(t *testing.T, bt entity.BloodType, units int, urgency entity.Urgency, deadline time.Duration) *entity.BloodRequest {
	t.Helper()

	r, err := e.requests.CreateRequest(context.Background(), &entity.CreateRequestInput{
		HospitalId:       "hospital-1",
		BloodType:        bt,
		Units:            units,
		Urgency:          urgency,
		RequiredByTime:   e.clock.Now().Add(deadline),
		PatientCondition: "post-operative bleeding",
		Location:         hospital,
	})
	require.NoError(t, err)

	return r
}

// addDonor registers an eligible donor about km kilometres north of the hospital.
func (e *engine) addDonor(t *testing.T, id string, bt entity.BloodType, km float64, tune ...func(*entity.Donor)) {
	t.Helper()

	d := &entity.Donor{
		Id:        id,
		BloodType: bt,
		Age:       35,
		WeightKg:  72,
		Location:  entity.Location{Lat: hospital.Lat + km/111.2, Lon: hospital.Lon},
		Status:    entity.DonorActive,
	}
	for _, f := range tune {
		f(d)
	}
	require.NoError(t, e.repos.PutDonor(context.Background(), d))
}

func (e *engine) records(t *testing.T, requestId string) []entity.MatchRecord {
	t.Helper()

	records, err := e.repos.GetMatchRecords(context.Background(), requestId)
	require.NoError(t, err)

	return records
}

func (e *engine) stored(t *testing.T, requestId string) *entity.BloodRequest {
	t.Helper()

	r, err := e.repos.GetRequest(context.Background(), requestId)
	require.NoError(t, err)

	return r
}

func requireHistoryConsistent(t *testing.T, r *entity.BloodRequest) {
	t.Helper()

	require.NotEmpty(t, r.StatusHistory)
	require.Equal(t, r.Status, r.StatusHistory[len(r.StatusHistory)-1].Status)
	for i := 1; i < len(r.StatusHistory); i++ {
		require.True(t, r.StatusHistory[i].At.After(r.StatusHistory[i-1].At),
			"history entry %d is not after entry %d", i, i-1)
	}
}

func responseOf(records []entity.MatchRecord, donorId string) entity.MatchResponse {
	for _, r := range records {
		if r.DonorId == donorId {
			return r.Response
		}
	}

	return ""
}
