package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

const pgUniqueViolation = "23505"

const pgClaimColumns = `encounter_token, user_id, diagnosis_code, drugs, procedures, lab_tests,
	status, payout, reasons, flagged_excess, decided_by, created_at, decided_at`

// PostgresStore implements domain.ClaimStore using PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	log *logrus.Logger
	now func() time.Time
}

// NewPostgresStore creates a claim store on an open connection.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB, logger *logrus.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresStore{db: db, log: logger, now: time.Now}, nil
}

// NewPostgresStoreFromURL opens a lib/pq pool and wraps it in a claim store.
func NewPostgresStoreFromURL(databaseURL string, cfg domain.DatabaseConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgresStore(db, logger)
}

func scanPostgresClaim(s scanner) (*domain.Claim, error) {
	c := &domain.Claim{}
	var drugs, procedures, labTests, reasons []byte
	var status string
	var payout, excess sql.NullFloat64
	var decidedAt sql.NullTime

	err := s.Scan(
		&c.EncounterToken, &c.UserID, &c.DiagnosisCode,
		&drugs, &procedures, &labTests,
		&status, &payout, &reasons, &excess, &c.DecidedBy,
		&c.CreatedAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.ClaimStatus(status)
	c.Payout = nullFloat(payout)
	c.FlaggedExcess = nullFloat(excess)
	if decidedAt.Valid {
		t := decidedAt.Time
		c.DecidedAt = &t
	}
	if err := decodeClaimColumns(c, drugs, procedures, labTests, reasons); err != nil {
		return nil, err
	}
	return c, nil
}

// Insert stores a new pending claim.
func (s *PostgresStore) Insert(ctx context.Context, c *domain.Claim) error {
	li, err := encodeLineItems(c)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claims (
			encounter_token, user_id, diagnosis_code, drugs, procedures, lab_tests,
			status, reasons, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', '[]', $7)`,
		c.EncounterToken, c.UserID, c.DiagnosisCode,
		li.drugs, li.procedures, li.labTests, c.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%s: %w", c.EncounterToken, domain.ErrDuplicateClaim)
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}

	c.Status = domain.StatusPending
	c.Payout = nil
	c.Reasons = []string{}
	return nil
}

// Get retrieves a claim by encounter token.
func (s *PostgresStore) Get(ctx context.Context, encounterToken string) (*domain.Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgClaimColumns+` FROM claims WHERE encounter_token = $1`, encounterToken)

	c, err := scanPostgresClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %q: %w", encounterToken, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	return c, nil
}

// ListByStatus returns claims matching the filter, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, f domain.ClaimFilter) ([]*domain.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pgClaimColumns+`
		FROM claims
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR user_id = $2)
		ORDER BY created_at, encounter_token
		LIMIT $3 OFFSET $4`,
		string(f.Status), f.UserID, normalizeLimit(f.Limit), f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	return collectClaims(rows, scanPostgresClaim)
}

// ListPending returns up to limit pending claims, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*domain.Claim, error) {
	return s.ListByStatus(ctx, domain.ClaimFilter{Status: domain.StatusPending, Limit: limit})
}

// Resolve writes a terminal decision under a row lock.
// Any failure rolls back this claim's transaction only.
func (s *PostgresStore) Resolve(ctx context.Context, encounterToken string, d domain.Decision) (*domain.Claim, error) {
	if !domain.StatusPending.CanTransitionTo(d.Status) {
		return nil, fmt.Errorf("%w: cannot resolve to %q", domain.ErrInvalidStatus, d.Status)
	}
	payout, reasons, excess, err := decisionColumns(d)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM claims WHERE encounter_token = $1 FOR UPDATE`, encounterToken,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %q: %w", encounterToken, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock claim: %w", err)
	}
	if domain.ClaimStatus(current) != domain.StatusPending {
		return nil, fmt.Errorf("claim %q is %s: %w", encounterToken, current, domain.ErrNotPending)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE claims SET
			status = $2,
			payout = $3,
			reasons = $4,
			flagged_excess = $5,
			decided_by = $6,
			decided_at = $7
		WHERE encounter_token = $1 AND status = 'pending'
		RETURNING `+pgClaimColumns,
		encounterToken, string(d.Status), payout, reasons, excess, d.DecidedBy, s.now().UTC(),
	)
	c, err := scanPostgresClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %q: %w", encounterToken, domain.ErrNotPending)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"encounter_token": encounterToken,
		"status":          c.Status,
	}).Debug("Claim resolved")
	return c, nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func collectClaims(rows *sql.Rows, scan func(scanner) (*domain.Claim, error)) ([]*domain.Claim, error) {
	defer rows.Close()

	result := []*domain.Claim{}
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}
	return result, nil
}
