package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errDown = errors.New("connection refused")

type storedLocation struct {
	tripID string
	userID string
	loc    Location
}

// memStore backs every store port with maps. failRisk counts the risk
// upserts that should fail; -1 fails forever.
type memStore struct {
	mu        sync.Mutex
	nextID    int
	trips     map[string]*Trip
	risks     map[string]RiskStatus
	guardians map[string][]Guardian
	locations []storedLocation
	reopened  []string

	failOpen     bool
	failCreate   bool
	failComplete bool
	failRisk     int
	failList     bool
	riskUpserts  int

	beforeRiskUpsert func(RiskStatus)
}

func newMemStore() *memStore {
	return &memStore{
		trips:     make(map[string]*Trip),
		risks:     make(map[string]RiskStatus),
		guardians: make(map[string][]Guardian),
	}
}

func (m *memStore) OpenTrip(_ context.Context, userID string) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen {
		return nil, errDown
	}
	for _, t := range m.trips {
		if t.UserID == userID && t.EndedAt == nil {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateTrip(_ context.Context, trip Trip) (Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return Trip{}, errDown
	}
	m.nextID++
	trip.ID = fmt.Sprintf("trip-%d", m.nextID)
	cp := trip
	m.trips[trip.ID] = &cp
	return trip, nil
}

func (m *memStore) CompleteTrip(_ context.Context, tripID string, endedAt time.Time, endRisk RiskLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failComplete {
		return errDown
	}
	t, ok := m.trips[tripID]
	if !ok {
		return errors.New("trip not found")
	}
	t.Status = TripCompleted
	t.EndedAt = &endedAt
	t.EndRiskLevel = &endRisk
	return nil
}

func (m *memStore) ReopenTrip(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return errors.New("trip not found")
	}
	t.Status = TripActive
	t.EndedAt = nil
	t.EndRiskLevel = nil
	m.reopened = append(m.reopened, tripID)
	return nil
}

func (m *memStore) SetTripStatus(_ context.Context, tripID string, status TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return errors.New("trip not found")
	}
	t.Status = status
	return nil
}

func (m *memStore) GetRiskStatus(_ context.Context, userID string) (*RiskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.risks[userID]
	if !ok {
		return nil, nil
	}
	return &rs, nil
}

func (m *memStore) UpsertRiskStatus(_ context.Context, status RiskStatus) error {
	m.mu.Lock()
	hook := m.beforeRiskUpsert
	m.mu.Unlock()
	if hook != nil {
		hook(status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskUpserts++
	if m.failRisk != 0 {
		if m.failRisk > 0 {
			m.failRisk--
		}
		return errDown
	}
	m.risks[status.UserID] = status
	return nil
}

func (m *memStore) ListGuardians(_ context.Context, userID string) ([]Guardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList {
		return nil, errDown
	}
	return append([]Guardian(nil), m.guardians[userID]...), nil
}

func (m *memStore) RecordLocation(_ context.Context, tripID, userID string, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = append(m.locations, storedLocation{tripID: tripID, userID: userID, loc: loc})
	return nil
}

func (m *memStore) LastLocation(_ context.Context, userID string) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.locations) - 1; i >= 0; i-- {
		if m.locations[i].userID == userID {
			loc := m.locations[i].loc
			return &loc, nil
		}
	}
	return nil, nil
}

func (m *memStore) trip(id string) Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.trips[id]
}

func (m *memStore) tripCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trips)
}

func (m *memStore) risk(userID string) (RiskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.risks[userID]
	return rs, ok
}

func (m *memStore) set(fn func(m *memStore)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

type oracleFunc func(ctx context.Context, rc RiskContext) (Assessment, error)

func (f oracleFunc) Assess(ctx context.Context, rc RiskContext) (Assessment, error) {
	return f(ctx, rc)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// tick blocks until the walk receives it.
func (f *fakeTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatalf("demo walk did not take the tick")
	}
}

type tickerFactory struct{ made chan *fakeTicker }

func newTickerFactory() *tickerFactory {
	return &tickerFactory{made: make(chan *fakeTicker, 8)}
}

func (f *tickerFactory) New(time.Duration) Ticker {
	tk := &fakeTicker{ch: make(chan time.Time)}
	f.made <- tk
	return tk
}

// next waits for the walk to build its ticker, which happens right
// after the first level was applied.
func (f *tickerFactory) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case tk := <-f.made:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatalf("demo walk never created a ticker")
		return nil
	}
}

type harness struct {
	store   *memStore
	events  *recorder
	tickers *tickerFactory
	deps    Deps
}

func newHarness() *harness {
	h := &harness{store: newMemStore(), events: &recorder{}, tickers: newTickerFactory()}
	h.deps = Deps{
		Trips:           h.store,
		Risks:           h.store,
		Guardians:       h.store,
		Locations:       h.store,
		Notifier:        h.events,
		Logger:          zap.NewNop(),
		RequireLocation: true,
		DemoInterval:    time.Second,
		Retry:           RetryPolicy{Attempts: 3},
		NewTicker:       h.tickers.New,
	}
	return h
}

func (h *harness) controller(t *testing.T, userID string) *Controller {
	t.Helper()
	c := NewController(userID, h.deps)
	t.Cleanup(c.Close)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func here() *Location { return &Location{Lat: -6.200012345, Lng: 106.816666789} }
