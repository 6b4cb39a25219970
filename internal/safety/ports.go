package safety

import (
	"context"
	"time"
)

// TripStore persists trips. OpenTrip returns nil when the user has no
// trip with ended_at unset.
type TripStore interface {
	OpenTrip(ctx context.Context, userID string) (*Trip, error)
	CreateTrip(ctx context.Context, trip Trip) (Trip, error)
	CompleteTrip(ctx context.Context, tripID string, endedAt time.Time, endRisk RiskLevel) error
	ReopenTrip(ctx context.Context, tripID string) error
	SetTripStatus(ctx context.Context, tripID string, status TripStatus) error
}

// RiskStore persists the one-row-per-user risk status. GetRiskStatus
// returns nil when no row exists yet.
type RiskStore interface {
	GetRiskStatus(ctx context.Context, userID string) (*RiskStatus, error)
	UpsertRiskStatus(ctx context.Context, status RiskStatus) error
}

type GuardianLister interface {
	ListGuardians(ctx context.Context, userID string) ([]Guardian, error)
}

type LocationStore interface {
	RecordLocation(ctx context.Context, tripID, userID string, loc Location) error
	LastLocation(ctx context.Context, userID string) (*Location, error)
}

type RiskOracle interface {
	Assess(ctx context.Context, rc RiskContext) (Assessment, error)
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Notifiers fans an event out to every non-nil notifier.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }
