package guardian

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/AnshMNSoni/NariKawach/internal/db"
	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const maxNameLen = 100

var (
	ErrGuardianNotFound = errors.New("guardian not found")
	ErrInvalidName      = errors.New("name required, at most 100 characters")
	ErrInvalidPhone     = errors.New("phone must be 10 to 15 digits with an optional leading +")
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// NormalizePhone strips common separators and validates what is left.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	if !phonePattern.MatchString(cleaned) {
		return "", ErrInvalidPhone
	}
	return cleaned, nil
}

// Service manages a user's guardians. The escalation path only reads.
type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

func (s *Service) ListGuardians(ctx context.Context, userID string) ([]safety.Guardian, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, phone, created_at
		FROM guardians WHERE user_id=$1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	guardians := []safety.Guardian{}
	for rows.Next() {
		var g safety.Guardian
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.Phone, &g.CreatedAt); err != nil {
			return nil, err
		}
		guardians = append(guardians, g)
	}
	return guardians, rows.Err()
}

func (s *Service) CreateGuardian(ctx context.Context, input safety.Guardian) (safety.Guardian, error) {
	if err := validate(&input); err != nil {
		return safety.Guardian{}, err
	}
	input.ID = uuid.NewString()
	row := s.db.QueryRow(ctx, `
		INSERT INTO guardians (id, user_id, name, phone)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, input.ID, input.UserID, input.Name, input.Phone)
	if err := row.Scan(&input.CreatedAt); err != nil {
		return safety.Guardian{}, err
	}
	return input, nil
}

func (s *Service) UpdateGuardian(ctx context.Context, input safety.Guardian) (safety.Guardian, error) {
	if err := validate(&input); err != nil {
		return safety.Guardian{}, err
	}
	row := s.db.QueryRow(ctx, `
		UPDATE guardians SET name=$3, phone=$4
		WHERE id=$1 AND user_id=$2
		RETURNING created_at
	`, input.ID, input.UserID, input.Name, input.Phone)
	if err := row.Scan(&input.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return safety.Guardian{}, ErrGuardianNotFound
		}
		return safety.Guardian{}, err
	}
	return input, nil
}

func (s *Service) DeleteGuardian(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM guardians WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGuardianNotFound
	}
	return nil
}

func validate(g *safety.Guardian) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" || len(g.Name) > maxNameLen {
		return ErrInvalidName
	}
	phone, err := NormalizePhone(g.Phone)
	if err != nil {
		return err
	}
	g.Phone = phone
	return nil
}
