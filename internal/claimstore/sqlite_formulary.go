package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/claims-adjudication-server/internal/domain"
)

const dateLayout = "2006-01-02"

// GetDiagnosis returns a diagnosis and its treatments in insertion order.
func (s *SQLiteStore) GetDiagnosis(ctx context.Context, code string) (*domain.Diagnosis, error) {
	d := &domain.Diagnosis{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT code, description, created_at FROM diagnoses WHERE code = ?`, code,
	).Scan(&d.Code, &d.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("diagnosis %q: %w", code, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnosis: %w", err)
	}
	d.CreatedAt = fromUnixNano(createdAt)

	if d.Treatments, err = s.treatments(ctx, code); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLiteStore) treatments(ctx context.Context, code string) ([]domain.Treatment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drug_code, frequency, max_duration, unit_price,
			min_age_months, max_age_months, prescribing_level
		FROM treatments
		WHERE diagnosis_code = ?
		ORDER BY id`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query treatments: %w", err)
	}
	defer rows.Close()

	treatments := []domain.Treatment{}
	for rows.Next() {
		var t domain.Treatment
		var maxDuration, minAge, maxAge sql.NullInt64
		if err := rows.Scan(
			&t.DrugCode, &t.Frequency, &maxDuration, &t.UnitPrice,
			&minAge, &maxAge, &t.PrescribingLevel,
		); err != nil {
			return nil, fmt.Errorf("failed to scan treatment: %w", err)
		}
		t.MaxDuration = nullInt(maxDuration)
		t.MinAgeMonths = nullInt(minAge)
		t.MaxAgeMonths = nullInt(maxAge)
		treatments = append(treatments, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate treatments: %w", err)
	}
	return treatments, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// SaveDiagnosis upserts a diagnosis and replaces its treatments.
func (s *SQLiteStore) SaveDiagnosis(ctx context.Context, d *domain.Diagnosis) error {
	if err := d.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO diagnoses (code, description, created_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET description = excluded.description`,
		d.Code, d.Description, unixNano(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert diagnosis: %w", err)
	}

	var createdAt int64
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM diagnoses WHERE code = ?`, d.Code).Scan(&createdAt); err != nil {
		return fmt.Errorf("failed to read diagnosis: %w", err)
	}
	d.CreatedAt = fromUnixNano(createdAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM treatments WHERE diagnosis_code = ?`, d.Code); err != nil {
		return fmt.Errorf("failed to clear treatments: %w", err)
	}
	for _, t := range d.Treatments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO treatments (
				diagnosis_code, drug_code, frequency, max_duration, unit_price,
				min_age_months, max_age_months, prescribing_level
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Code, t.DrugCode, t.Frequency, t.MaxDuration, t.UnitPrice,
			t.MinAgeMonths, t.MaxAgeMonths, t.PrescribingLevel,
		)
		if err != nil {
			return fmt.Errorf("failed to insert treatment %s: %w", t.DrugCode, err)
		}
	}

	return tx.Commit()
}

// DeleteDiagnosis removes a diagnosis and its treatments.
func (s *SQLiteStore) DeleteDiagnosis(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagnoses WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to delete diagnosis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("diagnosis %q: %w", code, domain.ErrNotFound)
	}
	return nil
}

// ListDiagnoses returns diagnoses ordered by code with pagination.
func (s *SQLiteStore) ListDiagnoses(ctx context.Context, limit, offset int) ([]*domain.Diagnosis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, description, created_at
		FROM diagnoses
		ORDER BY code
		LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnoses: %w", err)
	}

	var result []*domain.Diagnosis
	for rows.Next() {
		d := &domain.Diagnosis{}
		var createdAt int64
		if err := rows.Scan(&d.Code, &d.Description, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan diagnosis: %w", err)
		}
		d.CreatedAt = fromUnixNano(createdAt)
		result = append(result, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate diagnoses: %w", err)
	}

	// treatments are read after the cursor is closed: the pool holds a single connection
	for _, d := range result {
		if d.Treatments, err = s.treatments(ctx, d.Code); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetMember resolves an encounter token to its verification record.
func (s *SQLiteStore) GetMember(ctx context.Context, encounterToken string) (*domain.Member, error) {
	m := &domain.Member{EncounterToken: encounterToken}
	var dob string
	err := s.db.QueryRowContext(ctx,
		`SELECT membership_id, date_of_birth FROM verification_tokens WHERE token = ?`, encounterToken,
	).Scan(&m.MembershipID, &dob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}

	m.DateOfBirth, err = time.Parse(dateLayout, dob)
	if err != nil {
		return nil, fmt.Errorf("invalid date of birth %q: %w", dob, err)
	}
	return m, nil
}

// SaveMember stores a verification record, replacing an existing one.
func (s *SQLiteStore) SaveMember(ctx context.Context, m *domain.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_tokens (token, membership_id, date_of_birth) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			membership_id = excluded.membership_id,
			date_of_birth = excluded.date_of_birth`,
		m.EncounterToken, m.MembershipID, m.DateOfBirth.Format(dateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save verification record: %w", err)
	}
	return nil
}
