package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// FormularyRepository handles diagnosis and treatment persistence
type FormularyRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewFormularyRepository creates a new formulary repository
func NewFormularyRepository(db *pgxpool.Pool, logger *logrus.Logger) *FormularyRepository {
	return &FormularyRepository{
		db:  db,
		log: logger,
	}
}

// GetDiagnosis returns the diagnosis and its treatments in insertion order
func (r *FormularyRepository) GetDiagnosis(ctx context.Context, code string) (*domain.Diagnosis, error) {
	var d domain.Diagnosis
	err := r.db.QueryRow(ctx,
		`SELECT code, description, created_at FROM diagnoses WHERE code = $1`, code,
	).Scan(&d.Code, &d.Description, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("diagnosis %q: %w", code, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"diagnosis_code": code,
			"error":          err,
		}).Error("Failed to get diagnosis")
		return nil, fmt.Errorf("getting diagnosis: %w", err)
	}

	treatments, err := r.treatments(ctx, r.db, code)
	if err != nil {
		return nil, err
	}
	d.Treatments = treatments
	return &d, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *FormularyRepository) treatments(ctx context.Context, q querier, code string) ([]domain.Treatment, error) {
	rows, err := q.Query(ctx, `
		SELECT drug_code, frequency, max_duration, unit_price::float8,
			   min_age_months, max_age_months, prescribing_level
		FROM treatments
		WHERE diagnosis_code = $1
		ORDER BY id`, code)
	if err != nil {
		return nil, fmt.Errorf("querying treatments: %w", err)
	}
	defer rows.Close()

	treatments := []domain.Treatment{}
	for rows.Next() {
		var t domain.Treatment
		if err := rows.Scan(
			&t.DrugCode,
			&t.Frequency,
			&t.MaxDuration,
			&t.UnitPrice,
			&t.MinAgeMonths,
			&t.MaxAgeMonths,
			&t.PrescribingLevel,
		); err != nil {
			return nil, fmt.Errorf("scanning treatment: %w", err)
		}
		treatments = append(treatments, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating treatments: %w", err)
	}
	return treatments, nil
}

// SaveDiagnosis upserts a diagnosis and replaces its treatment list
func (r *FormularyRepository) SaveDiagnosis(ctx context.Context, d *domain.Diagnosis) error {
	if err := d.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO diagnoses (code, description)
		VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			updated_at = NOW()
		RETURNING created_at`,
		d.Code, d.Description,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting diagnosis: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM treatments WHERE diagnosis_code = $1`, d.Code); err != nil {
		return fmt.Errorf("clearing treatments: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range d.Treatments {
		batch.Queue(`
			INSERT INTO treatments (
				diagnosis_code, drug_code, frequency, max_duration, unit_price,
				min_age_months, max_age_months, prescribing_level
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.Code, t.DrugCode, t.Frequency, t.MaxDuration, t.UnitPrice,
			t.MinAgeMonths, t.MaxAgeMonths, t.PrescribingLevel,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting treatments: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing diagnosis: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"diagnosis_code": d.Code,
		"treatments":     len(d.Treatments),
	}).Info("Diagnosis saved")
	return nil
}

// DeleteDiagnosis removes a diagnosis and, by cascade, its treatments
func (r *FormularyRepository) DeleteDiagnosis(ctx context.Context, code string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM diagnoses WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("deleting diagnosis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("diagnosis %q: %w", code, domain.ErrNotFound)
	}
	r.log.WithField("diagnosis_code", code).Info("Diagnosis deleted")
	return nil
}

// ListDiagnoses returns diagnoses ordered by code, with their treatments
func (r *FormularyRepository) ListDiagnoses(ctx context.Context, limit, offset int) ([]*domain.Diagnosis, error) {
	rows, err := r.db.Query(ctx, `
		SELECT code, description, created_at
		FROM diagnoses
		ORDER BY code
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing diagnoses: %w", err)
	}

	var result []*domain.Diagnosis
	for rows.Next() {
		d := &domain.Diagnosis{}
		if err := rows.Scan(&d.Code, &d.Description, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning diagnosis: %w", err)
		}
		result = append(result, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating diagnoses: %w", err)
	}

	for _, d := range result {
		if d.Treatments, err = r.treatments(ctx, r.db, d.Code); err != nil {
			return nil, err
		}
	}
	return result, nil
}
