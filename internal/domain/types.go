// Package domain contains the core entities of claim adjudication: claims and
// their line items, the formulary of diagnosis-to-treatment rules, decisions,
// and the notification counters kept per user.
package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ClaimStatus is the lifecycle state of a claim.
// The only legal transitions are pending -> {approved, rejected, flagged}.
type ClaimStatus string

const (
	StatusPending  ClaimStatus = "pending"
	StatusApproved ClaimStatus = "approved"
	StatusRejected ClaimStatus = "rejected"
	StatusFlagged  ClaimStatus = "flagged"
)

// Sentinel errors shared across storage and service layers
var (
	ErrNotFound       = errors.New("not found")
	ErrNotPending     = errors.New("claim is no longer pending")
	ErrDuplicateClaim = errors.New("claim already exists for encounter token")
	ErrInvalidStatus  = errors.New("invalid claim status")
)

// AllStatuses lists every status in counter order.
var AllStatuses = []ClaimStatus{StatusPending, StatusApproved, StatusRejected, StatusFlagged}

// IsValid reports whether s is a known status.
func (s ClaimStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusFlagged:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends the claim lifecycle.
func (s ClaimStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFlagged
}

// CanTransitionTo reports whether a claim in status s may move to next.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

func (s ClaimStatus) String() string {
	return string(s)
}

// ParseClaimStatus normalizes and validates a status name.
func ParseClaimStatus(raw string) (ClaimStatus, error) {
	s := ClaimStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Treatment is one formulary rule attached to a diagnosis.
type Treatment struct {
	DrugCode         string  `json:"drug_code"`
	Frequency        int     `json:"frequency"`
	MaxDuration      *int    `json:"max_duration,omitempty"`
	UnitPrice        float64 `json:"unit_price"`
	MinAgeMonths     *int    `json:"min_age_months,omitempty"`
	MaxAgeMonths     *int    `json:"max_age_months,omitempty"`
	PrescribingLevel string  `json:"prescribing_level,omitempty"`
}

// Validate checks the treatment's own invariants.
func (t Treatment) Validate() error {
	if strings.TrimSpace(t.DrugCode) == "" {
		return NewValidationError("drug_code", "drug code is required", t.DrugCode)
	}
	if t.Frequency <= 0 {
		return NewValidationError("frequency", "frequency must be positive", t.Frequency)
	}
	if t.UnitPrice < 0 || math.IsNaN(t.UnitPrice) {
		return NewValidationError("unit_price", "unit price must be non-negative", t.UnitPrice)
	}
	if t.MaxDuration != nil && *t.MaxDuration < 0 {
		return NewValidationError("max_duration", "max duration must be non-negative", *t.MaxDuration)
	}
	if t.MinAgeMonths != nil && *t.MinAgeMonths < 0 {
		return NewValidationError("min_age_months", "age must be non-negative", *t.MinAgeMonths)
	}
	if t.MaxAgeMonths != nil && *t.MaxAgeMonths < 0 {
		return NewValidationError("max_age_months", "age must be non-negative", *t.MaxAgeMonths)
	}
	if t.MinAgeMonths != nil && t.MaxAgeMonths != nil && *t.MaxAgeMonths < *t.MinAgeMonths {
		return NewValidationError("max_age_months", "max age must not be below min age", *t.MaxAgeMonths)
	}
	return nil
}

// Diagnosis is a formulary entry keyed by diagnosis code.
type Diagnosis struct {
	Code        string      `json:"code"`
	Description string      `json:"description"`
	Treatments  []Treatment `json:"treatments"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Validate checks the diagnosis and every treatment it carries.
func (d *Diagnosis) Validate() error {
	if strings.TrimSpace(d.Code) == "" {
		return NewValidationError("code", "diagnosis code is required", d.Code)
	}
	if strings.TrimSpace(d.Description) == "" {
		return NewValidationError("description", "description is required", d.Description)
	}
	for i, t := range d.Treatments {
		if err := t.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("treatments[%d].%s", i, ve.Field)
				return ve
			}
			return err
		}
	}
	return nil
}

// DrugLine is a claimed drug: doses per day for a number of days.
type DrugLine struct {
	Code      string `json:"code"`
	Frequency int    `json:"frequency"`
	Duration  int    `json:"duration"`
	Dosage    string `json:"dosage,omitempty"`
}

// ProcedureLine is a claimed procedure with its billed tariff.
type ProcedureLine struct {
	Code    string  `json:"code"`
	Service string  `json:"service,omitempty"`
	Tariff  float64 `json:"tariff"`
}

// LabTestLine is a claimed investigation with its billed tariff.
type LabTestLine struct {
	Code    string  `json:"code"`
	Service string  `json:"service,omitempty"`
	Tariff  float64 `json:"tariff"`
}

// Claim is one submission, identified by its encounter token.
type Claim struct {
	EncounterToken string          `json:"encounter_token"`
	UserID         string          `json:"user_id"`
	DiagnosisCode  string          `json:"diagnosis_code"`
	Drugs          []DrugLine      `json:"drugs"`
	Procedures     []ProcedureLine `json:"procedures"`
	LabTests       []LabTestLine   `json:"lab_tests"`
	Status         ClaimStatus     `json:"status"`
	Payout         *float64        `json:"payout,omitempty"`
	Reasons        []string        `json:"reasons"`
	FlaggedExcess  *float64        `json:"flagged_excess,omitempty"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
}

// Member is the verification record behind an encounter token.
type Member struct {
	EncounterToken string    `json:"encounter_token"`
	MembershipID   string    `json:"membership_id"`
	DateOfBirth    time.Time `json:"date_of_birth"`
}

// Evaluator sources recorded on decisions
const (
	DecidedByRuleEngine = "rule_engine"
	DecidedByExternal   = "external"
	DecidedByFallback   = "fallback"
)

// Reasons with fixed wording
const (
	ReasonInvalidDiagnosis = "Invalid diagnosis code"
	ReasonInternalError    = "Internal processing error"
	ReasonMemberNotFound   = "Verification token not found"
	ReasonExternalFallback = "Automated adjudication unavailable"
	ReasonExternalNoReason = "Automated adjudication gave no reason"
)

// Decision is the outcome of adjudicating one claim.
type Decision struct {
	Status        ClaimStatus `json:"status"`
	Payout        float64     `json:"payout"`
	Reasons       []string    `json:"reasons"`
	FlaggedExcess float64     `json:"flagged_excess"`
	DecidedBy     string      `json:"decided_by"`
}

// InternalErrorDecision is the fixed outcome of any fault inside the rule engine.
func InternalErrorDecision() Decision {
	return Decision{
		Status:    StatusRejected,
		Payout:    0,
		Reasons:   []string{ReasonInternalError},
		DecidedBy: DecidedByRuleEngine,
	}
}

// FallbackDecision parks a claim for manual review after the external path failed.
func FallbackDecision(cause string) Decision {
	return Decision{
		Status:    StatusFlagged,
		Payout:    0,
		Reasons:   []string{fmt.Sprintf("%s: %s", ReasonExternalFallback, cause)},
		DecidedBy: DecidedByFallback,
	}
}

// RoundCents rounds an amount to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Counters is the per-user status snapshot pushed to notification clients.
type Counters struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Flagged  int `json:"flagged"`
}

// Get returns the counter for status.
func (c *Counters) Get(status ClaimStatus) int {
	switch status {
	case StatusPending:
		return c.Pending
	case StatusApproved:
		return c.Approved
	case StatusRejected:
		return c.Rejected
	case StatusFlagged:
		return c.Flagged
	}
	return 0
}

// Set overwrites the counter for status.
func (c *Counters) Set(status ClaimStatus, v int) {
	switch status {
	case StatusPending:
		c.Pending = v
	case StatusApproved:
		c.Approved = v
	case StatusRejected:
		c.Rejected = v
	case StatusFlagged:
		c.Flagged = v
	}
}
