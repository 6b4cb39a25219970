package tracking

import "github.com/AnshMNSoni/NariKawach/internal/safety"

type Summary struct {
	TripID        string           `json:"trip_id"`
	PointCount    int              `json:"point_count"`
	DistanceM     float64          `json:"distance_m"`
	DurationSec   int64            `json:"duration_sec"`
	AverageSpeedM float64          `json:"average_speed_mps"`
	LastLocation  *safety.Location `json:"last_location,omitempty"`
}
