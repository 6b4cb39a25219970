package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/db"
	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/jackc/pgx/v5"
)

// Store persists the single risk_status row per user.
type Store struct {
	db db.Querier
}

func NewStore(db db.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) GetRiskStatus(ctx context.Context, userID string) (*safety.RiskStatus, error) {
	var (
		rs    safety.RiskStatus
		level string
	)
	err := s.db.QueryRow(ctx, `
		SELECT user_id, risk_level, reason, updated_at
		FROM risk_status WHERE user_id=$1
	`, userID).Scan(&rs.UserID, &level, &rs.Reason, &rs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, ok := safety.ParseRiskLevel(level)
	if !ok {
		return nil, fmt.Errorf("risk_status %s: %w: %q", userID, safety.ErrInvalidRiskLevel, level)
	}
	rs.RiskLevel = parsed
	return &rs, nil
}

func (s *Store) UpsertRiskStatus(ctx context.Context, status safety.RiskStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO risk_status (user_id, risk_level, reason, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE
		SET risk_level=EXCLUDED.risk_level, reason=EXCLUDED.reason, updated_at=EXCLUDED.updated_at
	`, status.UserID, string(status.RiskLevel), status.Reason, status.UpdatedAt)
	return err
}
