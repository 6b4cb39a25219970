package trip

import (
	"context"
	"errors"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/db"
	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	uniqueViolation = "23505"
)

var ErrTripNotFound = errors.New("trip not found")

const tripColumns = `id, user_id, status, started_at, ended_at, end_risk_level, start_lat, start_lng`

// Service is the Postgres trip store.
type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

// OpenTrip returns the user's trip that has not ended, or nil.
func (s *Service) OpenTrip(ctx context.Context, userID string) (*safety.Trip, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE user_id=$1 AND ended_at IS NULL AND status IN ('active','emergency')
		ORDER BY started_at DESC
		LIMIT 1
	`, userID)
	trip, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

// CreateTrip inserts a trip. Losing the race against a concurrent insert
// for the same user returns the trip that won.
func (s *Service) CreateTrip(ctx context.Context, input safety.Trip) (safety.Trip, error) {
	input.ID = uuid.NewString()
	if input.Status == "" {
		input.Status = safety.TripActive
	}
	if input.StartedAt.IsZero() {
		input.StartedAt = time.Now()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO trips (id, user_id, status, started_at, start_lat, start_lng)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING started_at
	`, input.ID, input.UserID, string(input.Status), input.StartedAt, input.StartLat, input.StartLng)
	if err := row.Scan(&input.StartedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, oerr := s.OpenTrip(ctx, input.UserID)
			if oerr == nil && existing != nil {
				return *existing, nil
			}
		}
		return safety.Trip{}, err
	}
	return input, nil
}

func (s *Service) CompleteTrip(ctx context.Context, tripID string, endedAt time.Time, endRisk safety.RiskLevel) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status='completed', ended_at=$2, end_risk_level=$3
		WHERE id=$1
	`, tripID, endedAt, string(endRisk))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTripNotFound
	}
	return nil
}

// ReopenTrip undoes CompleteTrip.
func (s *Service) ReopenTrip(ctx context.Context, tripID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status='active', ended_at=NULL, end_risk_level=NULL
		WHERE id=$1
	`, tripID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTripNotFound
	}
	return nil
}

func (s *Service) SetTripStatus(ctx context.Context, tripID string, status safety.TripStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET status=$2 WHERE id=$1 AND ended_at IS NULL
	`, tripID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTripNotFound
	}
	return nil
}

func (s *Service) GetTrip(ctx context.Context, userID, tripID string) (safety.Trip, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM trips WHERE id=$1 AND user_id=$2
	`, tripID, userID)
	trip, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return safety.Trip{}, ErrTripNotFound
	}
	return trip, err
}

// History lists the user's trips, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]safety.Trip, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips WHERE user_id=$1
		ORDER BY started_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trips := []safety.Trip{}
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, trip)
	}
	return trips, rows.Err()
}

func scanTrip(row pgx.Row) (safety.Trip, error) {
	var (
		trip    safety.Trip
		status  string
		endRisk *string
	)
	if err := row.Scan(&trip.ID, &trip.UserID, &status, &trip.StartedAt, &trip.EndedAt, &endRisk, &trip.StartLat, &trip.StartLng); err != nil {
		return safety.Trip{}, err
	}
	trip.Status = safety.TripStatus(status)
	if endRisk != nil {
		level := safety.RiskLevel(*endRisk)
		trip.EndRiskLevel = &level
	}
	return trip, nil
}
