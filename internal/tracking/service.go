package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/db"
	"github.com/AnshMNSoni/NariKawach/internal/safety"
	"github.com/AnshMNSoni/NariKawach/internal/shared/geo"

	"github.com/jackc/pgx/v5"
)

const maxPoints = 1000

// Service stores live location pings per trip.
type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

func (s *Service) RecordLocation(ctx context.Context, tripID, userID string, loc safety.Location) error {
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_locations (trip_id, user_id, lat, lng, accuracy_m, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, tripID, userID, loc.Lat, loc.Lng, loc.AccuracyM, loc.RecordedAt)
	return err
}

// LastLocation returns the user's newest ping across trips, or nil.
func (s *Service) LastLocation(ctx context.Context, userID string) (*safety.Location, error) {
	var loc safety.Location
	err := s.db.QueryRow(ctx, `
		SELECT lat, lng, accuracy_m, recorded_at
		FROM trip_locations
		WHERE user_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, userID).Scan(&loc.Lat, &loc.Lng, &loc.AccuracyM, &loc.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// Points lists a trip's pings in recording order.
func (s *Service) Points(ctx context.Context, userID, tripID string) ([]safety.Location, error) {
	rows, err := s.db.Query(ctx, `
		SELECT lat, lng, accuracy_m, recorded_at
		FROM trip_locations
		WHERE trip_id=$1 AND user_id=$2
		ORDER BY recorded_at
		LIMIT $3
	`, tripID, userID, maxPoints)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []safety.Location{}
	for rows.Next() {
		var p safety.Location
		if err := rows.Scan(&p.Lat, &p.Lng, &p.AccuracyM, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Service) Summary(ctx context.Context, userID, tripID string) (Summary, error) {
	points, err := s.Points(ctx, userID, tripID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(tripID, points), nil
}

func summarize(tripID string, points []safety.Location) Summary {
	sum := Summary{TripID: tripID, PointCount: len(points)}
	if len(points) == 0 {
		return sum
	}
	for i := 1; i < len(points); i++ {
		sum.DistanceM += geo.HaversineKm(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng) * 1000
	}
	duration := points[len(points)-1].RecordedAt.Sub(points[0].RecordedAt)
	sum.DurationSec = int64(duration.Seconds())
	if duration.Seconds() > 0 {
		sum.AverageSpeedM = sum.DistanceM / duration.Seconds()
	}
	last := points[len(points)-1]
	sum.LastLocation = &last
	return sum
}
