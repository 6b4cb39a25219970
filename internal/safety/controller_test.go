package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		active bool
		risk   RiskLevel
		want   SafetyStatus
	}{
		{false, RiskLow, StatusSafe},
		{true, RiskLow, StatusMonitoring},
		{false, RiskMedium, StatusMonitoring},
		{true, RiskMedium, StatusMonitoring},
		{false, RiskHigh, StatusEmergency},
		{true, RiskHigh, StatusEmergency},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Derive(tc.active, tc.risk), "active=%v risk=%s", tc.active, tc.risk)
	}
}

func TestParseRiskLevel(t *testing.T) {
	for in, want := range map[string]RiskLevel{
		"LOW": RiskLow, "safe": RiskLow, " Medium ": RiskMedium, "high": RiskHigh, "critical": RiskHigh,
	} {
		got, ok := ParseRiskLevel(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParseRiskLevel("extreme")
	assert.False(t, ok)
}

func TestLoadDefaultsToSafe(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	snap := c.Snapshot()
	assert.False(t, snap.TripActive)
	assert.Equal(t, RiskLow, snap.RiskLevel)
	assert.Equal(t, StatusSafe, snap.SafetyStatus)
}

func TestLoadRestoresOpenTripAndRisk(t *testing.T) {
	h := newHarness()
	trip, err := h.store.CreateTrip(context.Background(), Trip{UserID: "u1", Status: TripActive, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertRiskStatus(context.Background(), RiskStatus{UserID: "u1", RiskLevel: RiskMedium}))

	c := h.controller(t, "u1")
	snap := c.Snapshot()
	assert.True(t, snap.TripActive)
	assert.Equal(t, trip.ID, snap.CurrentTripID)
	assert.Equal(t, RiskMedium, snap.RiskLevel)
	assert.Equal(t, StatusMonitoring, snap.SafetyStatus)
}

func TestLoadStoreFailure(t *testing.T) {
	h := newHarness()
	h.store.failOpen = true
	c := NewController("u1", h.deps)
	defer c.Close()

	err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestStartTripRequiresLocation(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	_, _, err := c.StartTrip(context.Background(), nil)
	require.ErrorIs(t, err, ErrLocationUnavailable)
	assert.Equal(t, 0, h.store.tripCount())
	assert.False(t, c.Snapshot().TripActive)
	assert.Empty(t, h.events.all())
}

func TestStartTripWithoutLocationWhenNotRequired(t *testing.T) {
	h := newHarness()
	h.deps.RequireLocation = false
	c := h.controller(t, "u1")

	trip, created, err := c.StartTrip(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, trip.StartLat)
}

func TestStartTripRejectsInvalidLocation(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	_, _, err := c.StartTrip(context.Background(), &Location{Lat: 91, Lng: 0})
	require.ErrorIs(t, err, ErrInvalidLocation)
	assert.Equal(t, 0, h.store.tripCount())
}

func TestStartTrip(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	trip, created, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, TripActive, trip.Status)
	require.NotNil(t, trip.StartLat)
	assert.Equal(t, -6.2, *trip.StartLat)
	assert.Equal(t, 106.8167, *trip.StartLng)

	snap := c.Snapshot()
	assert.True(t, snap.TripActive)
	assert.Equal(t, trip.ID, snap.CurrentTripID)
	assert.Equal(t, RiskLow, snap.RiskLevel)
	assert.Equal(t, StatusMonitoring, snap.SafetyStatus)

	last, err := h.store.LastLocation(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, -6.2, last.Lat)

	require.Len(t, h.events.ofType(EventTripStarted), 1)
}

func TestStartTripIsIdempotent(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	first, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	second, created, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.store.tripCount())
	assert.Equal(t, first.ID, c.Snapshot().CurrentTripID)
	assert.Len(t, h.events.ofType(EventTripStarted), 1)
}

func TestStartTripAdoptsTripOpenedElsewhere(t *testing.T) {
	h := newHarness()
	a := h.controller(t, "u1")
	b := h.controller(t, "u1")

	first, _, err := a.StartTrip(context.Background(), here())
	require.NoError(t, err)
	second, created, err := b.StartTrip(context.Background(), here())
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.store.tripCount())
}

func TestStartTripStoreFailure(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	h.store.set(func(m *memStore) { m.failCreate = true })

	_, _, err := c.StartTrip(context.Background(), here())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, c.Snapshot().TripActive)
}

func TestEndTripResetsRiskFromAnyLevel(t *testing.T) {
	for _, level := range []RiskLevel{RiskLow, RiskMedium, RiskHigh} {
		t.Run(string(level), func(t *testing.T) {
			h := newHarness()
			c := h.controller(t, "u1")
			trip, _, err := c.StartTrip(context.Background(), here())
			require.NoError(t, err)
			_, err = c.ApplyRiskUpdate(context.Background(), level, "test")
			require.NoError(t, err)

			ended, err := c.EndTrip(context.Background(), trip.ID)
			require.NoError(t, err)
			require.NotNil(t, ended.EndRiskLevel)
			assert.Equal(t, level, *ended.EndRiskLevel)

			snap := c.Snapshot()
			assert.False(t, snap.TripActive)
			assert.Empty(t, snap.CurrentTripID)
			assert.Equal(t, RiskLow, snap.RiskLevel)
			assert.Equal(t, StatusSafe, snap.SafetyStatus)

			stored := h.store.trip(trip.ID)
			assert.Equal(t, TripCompleted, stored.Status)
			assert.NotNil(t, stored.EndedAt)
			rs, _ := h.store.risk("u1")
			assert.Equal(t, RiskLow, rs.RiskLevel)
			assert.Equal(t, "trip ended safely", rs.Reason)
		})
	}
}

func TestEndTripPreconditions(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	_, err := c.EndTrip(context.Background(), "trip-1")
	require.ErrorIs(t, err, ErrNoActiveTrip)

	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	_, err = c.EndTrip(context.Background(), "someone-else")
	require.ErrorIs(t, err, ErrTripMismatch)
	assert.Equal(t, trip.ID, c.Snapshot().CurrentTripID)
}

func TestEndTripCompensatesWhenRiskResetFails(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	_, err = c.ApplyRiskUpdate(context.Background(), RiskMedium, "dark street")
	require.NoError(t, err)

	h.store.set(func(m *memStore) { m.failRisk = -1 })
	_, err = c.EndTrip(context.Background(), trip.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	stored := h.store.trip(trip.ID)
	assert.Nil(t, stored.EndedAt)
	assert.Equal(t, TripActive, stored.Status)
	assert.Equal(t, []string{trip.ID}, h.store.reopened)

	snap := c.Snapshot()
	assert.True(t, snap.TripActive)
	assert.Equal(t, RiskMedium, snap.RiskLevel)
}

func TestEndTripRetriesRiskReset(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	h.store.set(func(m *memStore) { m.failRisk = 2 })
	_, err = c.EndTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Empty(t, h.store.reopened)
	assert.False(t, c.Snapshot().TripActive)
}

func TestEndTripCompletionFailureLeavesState(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	h.store.set(func(m *memStore) { m.failComplete = true })
	_, err = c.EndTrip(context.Background(), trip.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, c.Snapshot().TripActive)
}

func TestPanicWithoutTrip(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	view, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, view.TripActive)
	assert.Equal(t, RiskHigh, view.RiskLevel)
	assert.Equal(t, StatusEmergency, view.SafetyStatus)
	assert.Equal(t, NoGuardiansMessage, view.GuardiansMessage)
	assert.Empty(t, view.Guardians)

	stored := h.store.trip(view.CurrentTripID)
	assert.Equal(t, TripEmergency, stored.Status)
	rs, _ := h.store.risk("u1")
	assert.Equal(t, RiskHigh, rs.RiskLevel)
	assert.Equal(t, "panic button activated", rs.Reason)

	events := h.events.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventEmergencyEntered, events[0].Type)
	assert.Equal(t, NavigateEmergency, events[0].Navigate)
	assert.Equal(t, StatusEmergency, events[0].SafetyStatus)
}

func TestPanicDuringActiveTrip(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	view, err := c.TriggerPanic(context.Background(), here())
	require.NoError(t, err)
	assert.Equal(t, trip.ID, view.CurrentTripID)
	assert.Equal(t, TripEmergency, h.store.trip(trip.ID).Status)
	require.NotNil(t, view.LastLocation)
	assert.Equal(t, -6.2, view.LastLocation.Lat)
}

func TestRepeatedPanicKeepsOneTrip(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	first, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)
	second, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.CurrentTripID, second.CurrentTripID)
	assert.Equal(t, 1, h.store.tripCount())
	assert.Equal(t, RiskHigh, second.RiskLevel)
}

func TestPanicStoreFailureKeepsLocalEmergency(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	h.store.set(func(m *memStore) {
		m.failCreate = true
		m.failRisk = -1
	})

	view, err := c.TriggerPanic(context.Background(), nil)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, RiskHigh, view.RiskLevel)
	assert.Equal(t, StatusEmergency, c.Snapshot().SafetyStatus)
	require.NotEmpty(t, h.events.ofType(EventEmergencyEntered))
}

func TestPanicWithInvalidLocationStillEscalates(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	view, err := c.TriggerPanic(context.Background(), &Location{Lat: 200, Lng: 0})
	require.NoError(t, err)
	assert.Equal(t, StatusEmergency, view.SafetyStatus)
}

func TestPanicDuringEndTripEndsInEmergency(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.store.set(func(m *memStore) {
		m.beforeRiskUpsert = func(rs RiskStatus) {
			if rs.Reason == "trip ended safely" {
				close(entered)
				<-release
			}
		}
	})

	endDone := make(chan error, 1)
	go func() {
		_, err := c.EndTrip(context.Background(), trip.ID)
		endDone <- err
	}()
	<-entered

	panicDone := make(chan error, 1)
	go func() {
		_, err := c.TriggerPanic(context.Background(), nil)
		panicDone <- err
	}()
	require.Eventually(t, func() bool { return c.Snapshot().RiskLevel == RiskHigh }, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-endDone)
	require.NoError(t, <-panicDone)

	snap := c.Snapshot()
	assert.Equal(t, RiskHigh, snap.RiskLevel)
	assert.Equal(t, StatusEmergency, snap.SafetyStatus)
	assert.True(t, snap.TripActive)
	assert.NotEqual(t, trip.ID, snap.CurrentTripID)
}

func TestResolveEmergency(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	view, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)

	snap, err := c.ResolveEmergency(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.TripActive)
	assert.Equal(t, RiskLow, snap.RiskLevel)
	assert.Equal(t, StatusMonitoring, snap.SafetyStatus)
	assert.Equal(t, TripActive, h.store.trip(view.CurrentTripID).Status)

	rs, _ := h.store.risk("u1")
	assert.Equal(t, "emergency resolved", rs.Reason)
	assert.Len(t, h.events.ofType(EventEmergencyResolved), 1)
}

func TestResolveStoreFailure(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	_, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)

	h.store.set(func(m *memStore) { m.failRisk = -1 })
	_, err = c.ResolveEmergency(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, RiskHigh, c.Snapshot().RiskLevel)
}

func TestApplyRiskUpdate(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	_, err := c.ApplyRiskUpdate(context.Background(), RiskMedium, "x")
	require.ErrorIs(t, err, ErrNoActiveTrip)
	assert.Equal(t, RiskLow, c.Snapshot().RiskLevel)

	_, err = c.ApplyRiskUpdate(context.Background(), RiskLevel("extreme"), "x")
	require.ErrorIs(t, err, ErrInvalidRiskLevel)

	_, _, err = c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	snap, err := c.ApplyRiskUpdate(context.Background(), RiskMedium, "poorly lit")
	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, snap.SafetyStatus)

	snap, err = c.ApplyRiskUpdate(context.Background(), RiskHigh, "isolated")
	require.NoError(t, err)
	assert.Equal(t, StatusEmergency, snap.SafetyStatus)
	nav := h.events.ofType(EventEmergencyEntered)
	require.Len(t, nav, 1)
	assert.Equal(t, NavigateEmergency, nav[0].Navigate)

	snap, err = c.ApplyRiskUpdate(context.Background(), RiskLow, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, snap.RiskLevel)
}

func TestApplyRiskUpdateStoreFailure(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")
	_, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	h.store.set(func(m *memStore) { m.failRisk = -1 })
	_, err = c.ApplyRiskUpdate(context.Background(), RiskMedium, "x")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, RiskLow, c.Snapshot().RiskLevel)
}

func TestRefreshRiskAppliesAssessment(t *testing.T) {
	h := newHarness()
	var got RiskContext
	h.deps.Oracle = oracleFunc(func(_ context.Context, rc RiskContext) (Assessment, error) {
		got = rc
		return Assessment{Level: RiskMedium, Score: 0.55}, nil
	})
	c := h.controller(t, "u1")
	_, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	snap, err := c.RefreshRisk(context.Background(), RiskContext{Lat: 1, Lng: 2, LightingScore: 0.2, CrowdScore: 0.3})
	require.NoError(t, err)
	assert.Equal(t, RiskMedium, snap.RiskLevel)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 0.2, got.LightingScore)

	rs, _ := h.store.risk("u1")
	assert.Equal(t, "risk service score 0.55", rs.Reason)
}

func TestRefreshRiskOracleFailureKeepsLevel(t *testing.T) {
	h := newHarness()
	h.deps.Oracle = oracleFunc(func(context.Context, RiskContext) (Assessment, error) {
		return Assessment{}, ErrRiskServiceUnavailable
	})
	c := h.controller(t, "u1")
	_, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	_, err = c.ApplyRiskUpdate(context.Background(), RiskMedium, "x")
	require.NoError(t, err)

	snap, err := c.RefreshRisk(context.Background(), RiskContext{Lat: 1, Lng: 2})
	require.NoError(t, err)
	assert.Equal(t, RiskMedium, snap.RiskLevel)
}

func TestRefreshRiskWithoutTripSkipsOracle(t *testing.T) {
	h := newHarness()
	called := false
	h.deps.Oracle = oracleFunc(func(context.Context, RiskContext) (Assessment, error) {
		called = true
		return Assessment{Level: RiskHigh}, nil
	})
	c := h.controller(t, "u1")

	snap, err := c.RefreshRisk(context.Background(), RiskContext{})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, StatusSafe, snap.SafetyStatus)
}

func TestRefreshRiskDiscardsResultAfterPanic(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	h.deps.Oracle = oracleFunc(func(context.Context, RiskContext) (Assessment, error) {
		close(started)
		<-release
		return Assessment{Level: RiskLow}, nil
	})
	c := h.controller(t, "u1")
	_, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := c.RefreshRisk(context.Background(), RiskContext{Lat: 1, Lng: 2})
		done <- snap
	}()
	<-started
	_, err = c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)
	close(release)

	snap := <-done
	assert.Equal(t, RiskHigh, snap.RiskLevel)
	assert.Equal(t, StatusEmergency, c.Snapshot().SafetyStatus)
}

func TestRefreshRiskDiscardsResultAfterTripEnd(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	h.deps.Oracle = oracleFunc(func(context.Context, RiskContext) (Assessment, error) {
		close(started)
		<-release
		return Assessment{Level: RiskMedium}, nil
	})
	c := h.controller(t, "u1")
	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.RefreshRisk(context.Background(), RiskContext{Lat: 1, Lng: 2})
		done <- err
	}()
	<-started
	_, err = c.EndTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	close(release)

	require.NoError(t, <-done)
	snap := c.Snapshot()
	assert.Equal(t, RiskLow, snap.RiskLevel)
	assert.Equal(t, StatusSafe, snap.SafetyStatus)
}

func TestPollRiskUsesLastLocation(t *testing.T) {
	h := newHarness()
	var calls int
	h.deps.Oracle = oracleFunc(func(_ context.Context, rc RiskContext) (Assessment, error) {
		calls++
		assert.Equal(t, -6.2, rc.Lat)
		assert.Equal(t, neutralEnvScore, rc.CrowdScore)
		return Assessment{Level: RiskMedium}, nil
	})
	c := h.controller(t, "u1")

	c.PollRisk(context.Background())
	assert.Equal(t, 0, calls)

	_, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	c.PollRisk(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, RiskMedium, c.Snapshot().RiskLevel)
}

func TestRecordLocation(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	err := c.RecordLocation(context.Background(), Location{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, ErrNoActiveTrip)

	trip, _, err := c.StartTrip(context.Background(), here())
	require.NoError(t, err)
	require.ErrorIs(t, c.RecordLocation(context.Background(), Location{Lat: 1, Lng: 500}), ErrInvalidLocation)

	require.NoError(t, c.RecordLocation(context.Background(), Location{Lat: 12.345678, Lng: 77.123456}))
	last, err := h.store.LastLocation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 12.3457, last.Lat)
	assert.Equal(t, 77.1235, last.Lng)

	ev := h.events.ofType(EventLocationUpdated)
	require.Len(t, ev, 1)
	assert.Equal(t, trip.ID, ev[0].TripID)
}

func TestEmergencyViewListsGuardians(t *testing.T) {
	h := newHarness()
	h.store.guardians["u1"] = []Guardian{{ID: "g1", UserID: "u1", Name: "Asha", Phone: "+919876543210"}}
	c := h.controller(t, "u1")

	view, err := c.EmergencyView(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Guardians, 1)
	assert.Empty(t, view.GuardiansMessage)
}

func TestEmergencyViewGuardianFailure(t *testing.T) {
	h := newHarness()
	h.store.failList = true
	c := h.controller(t, "u1")

	view, err := c.EmergencyView(context.Background())
	require.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Empty(t, view.GuardiansMessage)
	assert.NotNil(t, view.Guardians)
}

func TestPanicWithoutTripAnnouncesTrip(t *testing.T) {
	h := newHarness()
	c := h.controller(t, "u1")

	view, err := c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)

	started := h.events.ofType(EventTripStarted)
	require.Len(t, started, 1)
	assert.Equal(t, view.CurrentTripID, started[0].TripID)
	assert.Equal(t, StatusEmergency, started[0].SafetyStatus)

	// a second panic reuses the trip and announces nothing new
	_, err = c.TriggerPanic(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, h.events.ofType(EventTripStarted), 1)

	_, err = c.EndTrip(context.Background(), view.CurrentTripID)
	require.NoError(t, err)
	assert.Len(t, h.events.ofType(EventTripEnded), len(h.events.ofType(EventTripStarted)))
}
