// Package claimstore persists claims over database/sql, with a Postgres
// backend for production and a SQLite backend for single-node operation.
package claimstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/claims-adjudication-server/internal/domain"
)

const defaultListLimit = 100

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// lineItems holds the JSON encoded line item and reason columns.
type lineItems struct {
	drugs      string
	procedures string
	labTests   string
}

func encodeLineItems(c *domain.Claim) (lineItems, error) {
	var li lineItems
	var err error
	if li.drugs, err = encodeJSON(orEmpty(c.Drugs)); err != nil {
		return li, fmt.Errorf("encoding drugs: %w", err)
	}
	if li.procedures, err = encodeJSON(orEmpty(c.Procedures)); err != nil {
		return li, fmt.Errorf("encoding procedures: %w", err)
	}
	if li.labTests, err = encodeJSON(orEmpty(c.LabTests)); err != nil {
		return li, fmt.Errorf("encoding lab tests: %w", err)
	}
	return li, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeClaimColumns fills the JSON backed fields of c.
func decodeClaimColumns(c *domain.Claim, drugs, procedures, labTests, reasons []byte) error {
	if err := json.Unmarshal(drugs, &c.Drugs); err != nil {
		return fmt.Errorf("decoding drugs: %w", err)
	}
	if err := json.Unmarshal(procedures, &c.Procedures); err != nil {
		return fmt.Errorf("decoding procedures: %w", err)
	}
	if err := json.Unmarshal(labTests, &c.LabTests); err != nil {
		return fmt.Errorf("decoding lab tests: %w", err)
	}
	if err := json.Unmarshal(reasons, &c.Reasons); err != nil {
		return fmt.Errorf("decoding reasons: %w", err)
	}
	if c.Reasons == nil {
		c.Reasons = []string{}
	}
	return nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// decisionColumns prepares the values written when a claim is resolved.
func decisionColumns(d domain.Decision) (payout float64, reasons string, excess float64, err error) {
	reasons, err = encodeJSON(orEmpty(d.Reasons))
	if err != nil {
		return 0, "", 0, fmt.Errorf("encoding reasons: %w", err)
	}
	return domain.RoundCents(d.Payout), reasons, domain.RoundCents(d.FlaggedExcess), nil
}
