package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ClaimSubmission is the ingestion payload for a new claim.
// Line items are validated here so the rule engine never sees malformed shapes.
type ClaimSubmission struct {
	EncounterToken string          `json:"encounter_token" binding:"required"`
	UserID         string          `json:"user_id" binding:"required"`
	DiagnosisCode  string          `json:"diagnosis_code" binding:"required"`
	Drugs          []DrugLine      `json:"drugs"`
	Procedures     []ProcedureLine `json:"procedures"`
	LabTests       []LabTestLine   `json:"lab_tests"`
}

// Validate returns the first field violation, or nil.
func (s *ClaimSubmission) Validate() error {
	if strings.TrimSpace(s.EncounterToken) == "" {
		return NewValidationError("encounter_token", "encounter token is required", s.EncounterToken)
	}
	if strings.TrimSpace(s.UserID) == "" {
		return NewValidationError("user_id", "user id is required", s.UserID)
	}
	if strings.TrimSpace(s.DiagnosisCode) == "" {
		return NewValidationError("diagnosis_code", "diagnosis code is required", s.DiagnosisCode)
	}
	if len(s.Drugs)+len(s.Procedures)+len(s.LabTests) == 0 {
		return NewValidationError("drugs", "at least one line item is required", nil)
	}

	for i, d := range s.Drugs {
		field := fmt.Sprintf("drugs[%d]", i)
		if strings.TrimSpace(d.Code) == "" {
			return NewValidationError(field+".code", "drug code is required", d.Code)
		}
		if d.Frequency <= 0 {
			return NewValidationError(field+".frequency", "frequency must be positive", d.Frequency)
		}
		if d.Duration < 0 {
			return NewValidationError(field+".duration", "duration must be non-negative", d.Duration)
		}
	}
	for i, p := range s.Procedures {
		field := fmt.Sprintf("procedures[%d]", i)
		if strings.TrimSpace(p.Code) == "" {
			return NewValidationError(field+".code", "procedure code is required", p.Code)
		}
		if p.Tariff < 0 || math.IsNaN(p.Tariff) {
			return NewValidationError(field+".tariff", "tariff must be non-negative", p.Tariff)
		}
	}
	for i, l := range s.LabTests {
		field := fmt.Sprintf("lab_tests[%d]", i)
		if strings.TrimSpace(l.Code) == "" {
			return NewValidationError(field+".code", "lab test code is required", l.Code)
		}
		if l.Tariff < 0 || math.IsNaN(l.Tariff) {
			return NewValidationError(field+".tariff", "tariff must be non-negative", l.Tariff)
		}
	}
	return nil
}

// ToClaim builds a pending claim from a validated submission.
func (s *ClaimSubmission) ToClaim(now time.Time) *Claim {
	c := &Claim{
		EncounterToken: strings.TrimSpace(s.EncounterToken),
		UserID:         strings.TrimSpace(s.UserID),
		DiagnosisCode:  strings.TrimSpace(s.DiagnosisCode),
		Drugs:          append([]DrugLine(nil), s.Drugs...),
		Procedures:     append([]ProcedureLine(nil), s.Procedures...),
		LabTests:       append([]LabTestLine(nil), s.LabTests...),
		Status:         StatusPending,
		Reasons:        []string{},
		CreatedAt:      now.UTC(),
	}
	if c.Drugs == nil {
		c.Drugs = []DrugLine{}
	}
	if c.Procedures == nil {
		c.Procedures = []ProcedureLine{}
	}
	if c.LabTests == nil {
		c.LabTests = []LabTestLine{}
	}
	return c
}

// AgeInMonths returns whole months elapsed between dob and at.
// A month only counts once its day of month has been reached.
func AgeInMonths(dob, at time.Time) int {
	months := (at.Year()-dob.Year())*12 + int(at.Month()) - int(dob.Month())
	if at.Day() < dob.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}
