package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/shared/geo"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reasonTripEnded = "trip ended safely"
	reasonPanic     = "panic button activated"
	reasonResolved  = "emergency resolved"
	reasonDemo      = "demo simulation"

	neutralEnvScore = 0.5
)

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Trips     TripStore
	Risks     RiskStore
	Guardians GuardianLister
	Locations LocationStore
	Oracle    RiskOracle
	Notifier  Notifier
	Logger    *zap.Logger

	RequireLocation bool
	DemoInterval    time.Duration
	Retry           RetryPolicy
	Now             func() time.Time
	NewTicker       func(time.Duration) Ticker
}

// Controller owns one user's trip lifecycle and risk level.
//
// opMu serializes transitions that touch the store. mu guards the
// in-memory fields and is only held for short critical sections, so a
// panic can raise the local risk level while another transition is
// waiting on the store. seq is bumped by every explicit transition;
// async results tagged with an older seq are dropped.
type Controller struct {
	userID string
	deps   Deps
	log    *zap.Logger
	demo   *Simulator

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu           sync.Mutex
	tripActive   bool
	tripID       string
	risk         RiskLevel
	status       SafetyStatus
	seq          uint64
	lastLocation *Location
}

func NewController(userID string, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry.Attempts <= 0 {
		deps.Retry = DefaultRetry
	}
	if deps.DemoInterval <= 0 {
		deps.DemoInterval = 3 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = Notifiers(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		userID: userID,
		deps:   deps,
		log:    deps.Logger.With(zap.String("user_id", userID)),
		ctx:    ctx,
		cancel: cancel,
		risk:   RiskLow,
		status: StatusSafe,
	}
	c.demo = newSimulator(deps.DemoInterval, deps.NewTicker, c.demoStep)
	return c
}

func (c *Controller) UserID() string { return c.userID }

// Load reconciles the in-memory state with the store.
func (c *Controller) Load(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	trip, err := c.deps.Trips.OpenTrip(ctx, c.userID)
	if err != nil {
		return storeErr("load open trip", err)
	}
	rs, err := c.deps.Risks.GetRiskStatus(ctx, c.userID)
	if err != nil {
		return storeErr("load risk status", err)
	}
	var last *Location
	if c.deps.Locations != nil {
		if last, err = c.deps.Locations.LastLocation(ctx, c.userID); err != nil {
			c.log.Warn("load last location failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripActive = trip != nil
	c.tripID = ""
	if trip != nil {
		c.tripID = trip.ID
	}
	c.risk = RiskLow
	if rs != nil {
		c.risk = rs.RiskLevel
	}
	c.lastLocation = last
	c.seq++
	c.recomputeLocked()
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartTrip opens a trip, or returns the already open one. created is
// false on the idempotent path.
func (c *Controller) StartTrip(ctx context.Context, loc *Location) (trip Trip, created bool, err error) {
	if loc == nil && c.deps.RequireLocation {
		return Trip{}, false, ErrLocationUnavailable
	}
	if loc != nil {
		if err := validateLocation(loc); err != nil {
			return Trip{}, false, err
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	trip, created, err = c.ensureTrip(ctx, loc, TripActive)
	if err != nil {
		return Trip{}, false, err
	}
	if created {
		c.log.Info("trip started", zap.String("trip_id", trip.ID))
		c.emit(ctx, Event{Type: EventTripStarted, TripID: trip.ID}, c.Snapshot())
	}
	return trip, created, nil
}

// EndTrip completes the current trip and clears the user's risk. If the
// risk reset cannot be persisted the trip is reopened so the store is
// never left with a completed trip and a stale risk row.
func (c *Controller) EndTrip(ctx context.Context, tripID string) (Trip, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.tripActive {
		c.mu.Unlock()
		return Trip{}, ErrNoActiveTrip
	}
	if tripID != c.tripID {
		c.mu.Unlock()
		return Trip{}, ErrTripMismatch
	}
	endRisk, seq := c.risk, c.seq
	c.mu.Unlock()

	endedAt := c.deps.Now()
	err := c.retry(ctx, func(ctx context.Context) error {
		return c.deps.Trips.CompleteTrip(ctx, tripID, endedAt, endRisk)
	})
	if err != nil {
		return Trip{}, storeErr("complete trip", err)
	}

	reset := RiskStatus{UserID: c.userID, RiskLevel: RiskLow, Reason: reasonTripEnded, UpdatedAt: endedAt}
	err = c.retry(ctx, func(ctx context.Context) error {
		return c.deps.Risks.UpsertRiskStatus(ctx, reset)
	})
	if err != nil {
		rerr := c.retry(ctx, func(ctx context.Context) error {
			return c.deps.Trips.ReopenTrip(ctx, tripID)
		})
		if rerr != nil {
			c.log.Error("trip completed but risk reset and reopen both failed",
				zap.String("trip_id", tripID), zap.Error(err), zap.NamedError("reopen_error", rerr))
		}
		return Trip{}, storeErr("reset risk after trip end", err)
	}

	c.mu.Lock()
	c.demo.Stop()
	c.tripActive = false
	c.tripID = ""
	// a panic that landed while the writes were in flight keeps its level
	if c.seq == seq {
		c.risk = RiskLow
	}
	c.seq++
	c.recomputeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("trip ended", zap.String("trip_id", tripID), zap.String("end_risk_level", string(endRisk)))
	c.emit(ctx, Event{Type: EventTripEnded, TripID: tripID, Reason: reasonTripEnded}, snap)

	return Trip{
		ID:           tripID,
		UserID:       c.userID,
		Status:       TripCompleted,
		EndedAt:      &endedAt,
		EndRiskLevel: &endRisk,
	}, nil
}

// TriggerPanic escalates unconditionally. The local risk level becomes
// high and the navigation event is emitted before any store call; store
// failures are reported but never roll the local emergency back.
func (c *Controller) TriggerPanic(ctx context.Context, loc *Location) (EmergencyView, error) {
	if loc != nil && validateLocation(loc) != nil {
		loc = nil
	}

	c.mu.Lock()
	c.demo.Stop()
	c.seq++
	c.risk = RiskHigh
	c.recomputeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn("panic triggered")
	c.emit(ctx, Event{Type: EventEmergencyEntered, Reason: reasonPanic, Navigate: NavigateEmergency}, snap)

	c.opMu.Lock()
	var errs []error
	trip, created, err := c.ensureTrip(ctx, loc, TripEmergency)
	if err != nil {
		errs = append(errs, err)
	} else if created {
		c.log.Info("trip started by panic", zap.String("trip_id", trip.ID))
		c.emit(ctx, Event{Type: EventTripStarted, TripID: trip.ID, Reason: reasonPanic}, c.Snapshot())
	} else {
		if trip.Status != TripEmergency {
			err := c.retry(ctx, func(ctx context.Context) error {
				return c.deps.Trips.SetTripStatus(ctx, trip.ID, TripEmergency)
			})
			if err != nil {
				errs = append(errs, storeErr("mark trip emergency", err))
			}
		}
		if loc != nil {
			c.recordLocation(ctx, trip.ID, *loc)
		}
	}

	rs := RiskStatus{UserID: c.userID, RiskLevel: RiskHigh, Reason: reasonPanic, UpdatedAt: c.deps.Now()}
	err = c.retry(ctx, func(ctx context.Context) error {
		return c.deps.Risks.UpsertRiskStatus(ctx, rs)
	})
	if err != nil {
		errs = append(errs, storeErr("escalate risk", err))
	}
	c.opMu.Unlock()

	view, verr := c.EmergencyView(ctx)
	if verr != nil {
		c.log.Warn("emergency view incomplete", zap.Error(verr))
	}
	return view, errors.Join(errs...)
}

// ResolveEmergency clears the risk level; the trip stays open.
func (c *Controller) ResolveEmergency(ctx context.Context) (Snapshot, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	tripActive, tripID, seq := c.tripActive, c.tripID, c.seq
	c.mu.Unlock()

	rs := RiskStatus{UserID: c.userID, RiskLevel: RiskLow, Reason: reasonResolved, UpdatedAt: c.deps.Now()}
	err := c.retry(ctx, func(ctx context.Context) error {
		return c.deps.Risks.UpsertRiskStatus(ctx, rs)
	})
	if err != nil {
		return c.Snapshot(), storeErr("resolve emergency", err)
	}
	if tripActive {
		if err := c.deps.Trips.SetTripStatus(ctx, tripID, TripActive); err != nil {
			c.log.Warn("trip status not reset after resolve", zap.String("trip_id", tripID), zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.seq != seq {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	c.seq++
	c.risk = RiskLow
	c.recomputeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("emergency resolved")
	c.emit(ctx, Event{Type: EventEmergencyResolved, Reason: reasonResolved}, snap)
	return snap, nil
}

// ApplyRiskUpdate is the riskUpdate transition. It requires an active
// trip and is ignored once the risk level is high.
func (c *Controller) ApplyRiskUpdate(ctx context.Context, level RiskLevel, reason string) (Snapshot, error) {
	if _, ok := ParseRiskLevel(string(level)); !ok {
		return c.Snapshot(), ErrInvalidRiskLevel
	}
	snap, _, err := c.transitionRisk(ctx, level, reason, nil, nil)
	return snap, err
}

// RefreshRisk consults the oracle. Oracle failures keep the last known
// level and are not returned; results that lost a race with an explicit
// transition are discarded.
func (c *Controller) RefreshRisk(ctx context.Context, rc RiskContext) (Snapshot, error) {
	if c.deps.Oracle == nil {
		return c.Snapshot(), nil
	}

	c.mu.Lock()
	if !c.tripActive {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	seq := c.seq
	c.lastLocation = &Location{Lat: rc.Lat, Lng: rc.Lng, RecordedAt: c.deps.Now()}
	c.mu.Unlock()

	rc.UserID = c.userID
	rc.HourOfDay = c.deps.Now().Hour()
	assessment, err := c.deps.Oracle.Assess(ctx, rc)
	if err != nil {
		c.log.Warn("risk oracle unavailable, keeping last level", zap.Error(err))
		return c.Snapshot(), nil
	}

	reason := assessment.Reason
	if reason == "" {
		reason = fmt.Sprintf("risk service score %.2f", assessment.Score)
	}
	snap, applied, err := c.transitionRisk(ctx, assessment.Level, reason, &seq, nil)
	if errors.Is(err, ErrNoActiveTrip) {
		return snap, nil
	}
	if !applied && err == nil {
		c.log.Debug("risk assessment discarded", zap.String("risk_level", string(assessment.Level)))
	}
	return snap, err
}

// PollRisk refreshes risk from the last known location, if any.
func (c *Controller) PollRisk(ctx context.Context) {
	c.mu.Lock()
	active, last := c.tripActive, c.lastLocation
	c.mu.Unlock()
	if !active || last == nil {
		return
	}
	if _, err := c.RefreshRisk(ctx, RiskContext{
		Lat:           last.Lat,
		Lng:           last.Lng,
		LightingScore: neutralEnvScore,
		CrowdScore:    neutralEnvScore,
	}); err != nil {
		c.log.Warn("risk poll failed", zap.Error(err))
	}
}

// RecordLocation stores a live location ping for the active trip.
func (c *Controller) RecordLocation(ctx context.Context, loc Location) error {
	if err := validateLocation(&loc); err != nil {
		return err
	}
	c.mu.Lock()
	active, tripID := c.tripActive, c.tripID
	c.mu.Unlock()
	if !active {
		return ErrNoActiveTrip
	}
	if c.deps.Locations == nil {
		return nil
	}

	loc = c.normalize(loc)
	if err := c.deps.Locations.RecordLocation(ctx, tripID, c.userID, loc); err != nil {
		return storeErr("record location", err)
	}

	c.mu.Lock()
	c.lastLocation = &loc
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventLocationUpdated, Location: &loc}, snap)
	return nil
}

// EmergencyView gathers what the emergency screen shows. An empty
// guardian list is reported through GuardiansMessage, not as an error.
func (c *Controller) EmergencyView(ctx context.Context) (EmergencyView, error) {
	view := EmergencyView{Snapshot: c.Snapshot(), Guardians: []Guardian{}}

	var (
		guardians []Guardian
		last      *Location
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := c.deps.Guardians.ListGuardians(gctx, c.userID)
		if err != nil {
			return storeErr("list guardians", err)
		}
		guardians = list
		return nil
	})
	if c.deps.Locations != nil {
		g.Go(func() error {
			loc, err := c.deps.Locations.LastLocation(gctx, c.userID)
			if err != nil {
				c.log.Warn("last location lookup failed", zap.Error(err))
				return nil
			}
			last = loc
			return nil
		})
	}
	err := g.Wait()

	if len(guardians) > 0 {
		view.Guardians = guardians
	} else if err == nil {
		view.GuardiansMessage = NoGuardiansMessage
	}
	if last == nil {
		c.mu.Lock()
		last = c.lastLocation
		c.mu.Unlock()
	}
	view.LastLocation = last
	return view, err
}

// StartDemo runs the simulated risk walk. It is a no-op without an
// active trip and restarts the walk if one is already running.
func (c *Controller) StartDemo() bool {
	c.mu.Lock()
	active := c.tripActive
	c.mu.Unlock()
	if !active {
		return false
	}
	c.demo.Start(c.ctx)
	return true
}

// StopDemo cancels the walk. The cancel happens under mu, so a step
// whose write is still in flight can no longer apply its level once
// StopDemo returns.
func (c *Controller) StopDemo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demo.Stop()
}

// idle reports whether the controller holds nothing beyond what Load
// rebuilds from the store. A store operation in progress counts as busy.
func (c *Controller) idle() bool {
	if !c.opMu.TryLock() {
		return false
	}
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.tripActive && !c.demo.Running()
}

// Close tears the controller down. No demo step runs after it returns.
func (c *Controller) Close() {
	c.StopDemo()
	c.demo.Wait()
	c.cancel()
}

func (c *Controller) demoStep(ctx context.Context, level RiskLevel) (stop bool) {
	alive := func() bool { return ctx.Err() == nil }
	snap, _, err := c.transitionRisk(context.WithoutCancel(ctx), level, reasonDemo, nil, alive)
	if errors.Is(err, ErrNoActiveTrip) || !alive() {
		return true
	}
	if err != nil {
		c.log.Warn("demo step failed", zap.String("risk_level", string(level)), zap.Error(err))
		return false
	}
	return snap.RiskLevel == RiskHigh
}

// transitionRisk persists and applies a riskUpdate. expect, when set,
// drops the update if an explicit transition happened since it was
// read. alive, when set, drops the update if it is false before the
// write or once the write returns; in the second case the stored row
// is put back to the level still held in memory.
func (c *Controller) transitionRisk(ctx context.Context, level RiskLevel, reason string, expect *uint64, alive func() bool) (Snapshot, bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if alive != nil && !alive() {
		return c.Snapshot(), false, nil
	}

	c.mu.Lock()
	if !c.tripActive {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, false, ErrNoActiveTrip
	}
	if c.risk == RiskHigh || (expect != nil && *expect != c.seq) {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, false, nil
	}
	seq, tripID := c.seq, c.tripID
	c.mu.Unlock()

	rs := RiskStatus{UserID: c.userID, RiskLevel: level, Reason: reason, UpdatedAt: c.deps.Now()}
	if err := c.deps.Risks.UpsertRiskStatus(ctx, rs); err != nil {
		return c.Snapshot(), false, storeErr("update risk", err)
	}

	c.mu.Lock()
	if c.seq != seq {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, false, nil
	}
	if alive != nil && !alive() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.restoreRisk(ctx, snap.RiskLevel, reason)
		return snap, false, nil
	}
	c.seq++
	c.risk = level
	c.recomputeLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventRiskChanged, TripID: tripID, Reason: reason}, snap)
	if level == RiskHigh {
		c.log.Warn("risk escalated to high", zap.String("reason", reason))
		c.emit(ctx, Event{Type: EventEmergencyEntered, TripID: tripID, Reason: reason, Navigate: NavigateEmergency}, snap)
	}
	return snap, true, nil
}

// restoreRisk rewrites the stored level after a dropped write. Caller
// holds opMu, so no explicit transition can interleave.
func (c *Controller) restoreRisk(ctx context.Context, level RiskLevel, reason string) {
	rs := RiskStatus{UserID: c.userID, RiskLevel: level, Reason: reason, UpdatedAt: c.deps.Now()}
	if err := c.deps.Risks.UpsertRiskStatus(ctx, rs); err != nil {
		c.log.Warn("stored risk not restored after cancelled update",
			zap.String("risk_level", string(level)), zap.Error(err))
	}
}

// ensureTrip returns the user's open trip, creating one with the given
// status when none exists. Caller holds opMu.
func (c *Controller) ensureTrip(ctx context.Context, loc *Location, status TripStatus) (Trip, bool, error) {
	existing, err := c.deps.Trips.OpenTrip(ctx, c.userID)
	if err != nil {
		return Trip{}, false, storeErr("find open trip", err)
	}
	if existing != nil {
		c.adoptTrip(existing.ID)
		return *existing, false, nil
	}

	trip := Trip{UserID: c.userID, Status: status, StartedAt: c.deps.Now()}
	if loc != nil {
		n := c.normalize(*loc)
		trip.StartLat, trip.StartLng = &n.Lat, &n.Lng
	}
	created, err := c.deps.Trips.CreateTrip(ctx, trip)
	if err != nil {
		return Trip{}, false, storeErr("create trip", err)
	}
	c.adoptTrip(created.ID)
	if loc != nil {
		c.recordLocation(ctx, created.ID, *loc)
	}
	return created, true, nil
}

func (c *Controller) adoptTrip(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripActive = true
	c.tripID = id
	c.recomputeLocked()
}

// recordLocation is the best-effort variant used inside transitions.
func (c *Controller) recordLocation(ctx context.Context, tripID string, loc Location) {
	loc = c.normalize(loc)
	c.mu.Lock()
	c.lastLocation = &loc
	c.mu.Unlock()
	if c.deps.Locations == nil {
		return
	}
	if err := c.deps.Locations.RecordLocation(ctx, tripID, c.userID, loc); err != nil {
		c.log.Warn("record location failed", zap.String("trip_id", tripID), zap.Error(err))
	}
}

func (c *Controller) normalize(loc Location) Location {
	loc.Lat, loc.Lng = geo.Reduce(loc.Lat, loc.Lng)
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = c.deps.Now()
	}
	return loc
}

func (c *Controller) recomputeLocked() {
	c.status = Derive(c.tripActive, c.risk)
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		UserID:        c.userID,
		TripActive:    c.tripActive,
		CurrentTripID: c.tripID,
		RiskLevel:     c.risk,
		SafetyStatus:  c.status,
		Simulating:    c.demo.Running(),
	}
}

func (c *Controller) emit(ctx context.Context, e Event, snap Snapshot) {
	e.UserID = c.userID
	if e.TripID == "" {
		e.TripID = snap.CurrentTripID
	}
	e.RiskLevel = snap.RiskLevel
	e.SafetyStatus = snap.SafetyStatus
	e.At = c.deps.Now()
	c.deps.Notifier.Notify(ctx, e)
}

func (c *Controller) retry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.deps.Retry.Attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == c.deps.Retry.Attempts {
			break
		}
		c.log.Warn("store write failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * c.deps.Retry.Backoff):
		}
	}
	return err
}

func validateLocation(loc *Location) error {
	if err := geo.Validate(loc.Lat, loc.Lng); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}
	return nil
}
