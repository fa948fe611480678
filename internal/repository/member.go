package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// MemberRepository reads verification records
type MemberRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewMemberRepository creates a new member repository
func NewMemberRepository(db *pgxpool.Pool, logger *logrus.Logger) *MemberRepository {
	return &MemberRepository{
		db:  db,
		log: logger,
	}
}

// GetMember resolves an encounter token to the member's verification record
func (r *MemberRepository) GetMember(ctx context.Context, encounterToken string) (*domain.Member, error) {
	m := &domain.Member{EncounterToken: encounterToken}
	err := r.db.QueryRow(ctx, `
		SELECT membership_id, date_of_birth
		FROM verification_tokens
		WHERE token = $1`, encounterToken,
	).Scan(&m.MembershipID, &m.DateOfBirth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("verification token: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"encounter_token": encounterToken,
			"error":           err,
		}).Error("Failed to get verification record")
		return nil, fmt.Errorf("getting verification record: %w", err)
	}
	return m, nil
}

// SaveMember stores a verification record, replacing an existing one
func (r *MemberRepository) SaveMember(ctx context.Context, m *domain.Member) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_tokens (token, membership_id, date_of_birth)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			membership_id = EXCLUDED.membership_id,
			date_of_birth = EXCLUDED.date_of_birth`,
		m.EncounterToken, m.MembershipID, m.DateOfBirth.Truncate(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("saving verification record: %w", err)
	}
	return nil
}
