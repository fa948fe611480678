package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// ReferenceTables are searched in this order when enriching line items.
var ReferenceTables = []string{
	"icd10_codes",
	"medicines",
	"service_tariffs",
	"investigations",
	"zoom_codes",
	"opd_procedures",
	"dent_procedures",
	"ent_procedures",
	"medicine_procedures",
	"paediatric_procedures",
}

// ReferenceRepository looks codes up across the reference price tables
type ReferenceRepository struct {
	db     *pgxpool.Pool
	log    *logrus.Logger
	tables []string
}

// NewReferenceRepository creates a reference repository over ReferenceTables
func NewReferenceRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReferenceRepository {
	return &ReferenceRepository{
		db:     db,
		log:    logger,
		tables: ReferenceTables,
	}
}

// Lookup performs an exact-code match in every table.
// A failing table is recorded in the result and the remaining tables are still searched.
func (r *ReferenceRepository) Lookup(ctx context.Context, code string) (*domain.ReferenceResult, error) {
	result := &domain.ReferenceResult{Code: code, Matches: []domain.ReferenceMatch{}}

	for _, table := range r.tables {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// table names come from the fixed list above
		query := fmt.Sprintf(`SELECT code, description, price::float8 FROM %s WHERE code = $1`, table)
		rows, err := r.db.Query(ctx, query, code)
		if err != nil {
			r.recordError(result, table, err)
			continue
		}
		for rows.Next() {
			m := domain.ReferenceMatch{Table: table}
			if err := rows.Scan(&m.Code, &m.Description, &m.Price); err != nil {
				r.recordError(result, table, err)
				break
			}
			result.Matches = append(result.Matches, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			r.recordError(result, table, err)
		}
	}

	return result, nil
}

func (r *ReferenceRepository) recordError(result *domain.ReferenceResult, table string, err error) {
	if result.Errors == nil {
		result.Errors = map[string]string{}
	}
	result.Errors[table] = err.Error()
	r.log.WithFields(logrus.Fields{
		"table": table,
		"code":  result.Code,
		"error": err,
	}).Warn("Reference table lookup failed")
}
