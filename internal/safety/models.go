package safety

import (
	"strings"
	"time"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel accepts the three controller levels in any case, and
// folds the scoring service's five-level scale onto them.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "safe":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high", "critical":
		return RiskHigh, true
	}
	return "", false
}

type SafetyStatus string

const (
	StatusSafe       SafetyStatus = "safe"
	StatusMonitoring SafetyStatus = "monitoring"
	StatusEmergency  SafetyStatus = "emergency"
)

// Derive computes the displayed status. Risk dominates except at low,
// where an active trip alone shows monitoring.
func Derive(tripActive bool, risk RiskLevel) SafetyStatus {
	switch risk {
	case RiskHigh:
		return StatusEmergency
	case RiskMedium:
		return StatusMonitoring
	}
	if tripActive {
		return StatusMonitoring
	}
	return StatusSafe
}

type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripEmergency TripStatus = "emergency"
)

type Trip struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Status       TripStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndRiskLevel *RiskLevel `json:"end_risk_level,omitempty"`
	StartLat     *float64   `json:"start_lat,omitempty"`
	StartLng     *float64   `json:"start_lng,omitempty"`
}

type RiskStatus struct {
	UserID    string    `json:"user_id"`
	RiskLevel RiskLevel `json:"risk_level"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Guardian struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type Location struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RiskContext is the payload handed to the risk oracle.
type RiskContext struct {
	UserID        string  `json:"user_id"`
	Lat           float64 `json:"latitude"`
	Lng           float64 `json:"longitude"`
	HourOfDay     int     `json:"hour_of_day"`
	LightingScore float64 `json:"lighting_score"`
	CrowdScore    float64 `json:"crowd_score"`
}

type Assessment struct {
	Level  RiskLevel `json:"risk_level"`
	Score  float64   `json:"risk_score"`
	Reason string    `json:"reason"`
}

type Snapshot struct {
	UserID        string       `json:"user_id"`
	TripActive    bool         `json:"trip_active"`
	CurrentTripID string       `json:"current_trip_id,omitempty"`
	RiskLevel     RiskLevel    `json:"risk_level"`
	SafetyStatus  SafetyStatus `json:"safety_status"`
	Simulating    bool         `json:"simulating"`
}

const NoGuardiansMessage = "no guardians configured"

type EmergencyView struct {
	Snapshot
	Guardians        []Guardian `json:"guardians"`
	GuardiansMessage string     `json:"guardians_message,omitempty"`
	LastLocation     *Location  `json:"last_location,omitempty"`
}

type EventType string

const (
	EventTripStarted       EventType = "trip_started"
	EventTripEnded         EventType = "trip_ended"
	EventRiskChanged       EventType = "risk_changed"
	EventEmergencyEntered  EventType = "emergency_entered"
	EventEmergencyResolved EventType = "emergency_resolved"
	EventLocationUpdated   EventType = "location_updated"
)

// NavigateEmergency is set on events that must force the client into
// the emergency view.
const NavigateEmergency = "emergency"

type Event struct {
	Type         EventType    `json:"type"`
	UserID       string       `json:"user_id"`
	TripID       string       `json:"trip_id,omitempty"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	SafetyStatus SafetyStatus `json:"safety_status"`
	Reason       string       `json:"reason,omitempty"`
	Navigate     string       `json:"navigate,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	At           time.Time    `json:"at"`
}
