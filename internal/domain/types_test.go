package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestClaimStatus_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		from     ClaimStatus
		to       ClaimStatus
		expected bool
	}{
		{"pending to approved", StatusPending, StatusApproved, true},
		{"pending to rejected", StatusPending, StatusRejected, true},
		{"pending to flagged", StatusPending, StatusFlagged, true},
		{"pending to pending", StatusPending, StatusPending, false},
		{"approved to pending", StatusApproved, StatusPending, false},
		{"rejected to approved", StatusRejected, StatusApproved, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParseClaimStatus(t *testing.T) {
	s, err := ParseClaimStatus("  Approved ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)

	_, err = ParseClaimStatus("archived")
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestTreatment_Validate(t *testing.T) {
	tests := []struct {
		name      string
		treatment Treatment
		field     string
	}{
		{"valid", Treatment{DrugCode: "AMX", Frequency: 3, UnitPrice: 1.5}, ""},
		{"missing code", Treatment{Frequency: 3}, "drug_code"},
		{"zero frequency", Treatment{DrugCode: "AMX"}, "frequency"},
		{"negative price", Treatment{DrugCode: "AMX", Frequency: 1, UnitPrice: -1}, "unit_price"},
		{"inverted ages", Treatment{DrugCode: "AMX", Frequency: 1, MinAgeMonths: intPtr(24), MaxAgeMonths: intPtr(12)}, "max_age_months"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.treatment.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDiagnosis_ValidatePrefixesTreatmentField(t *testing.T) {
	d := &Diagnosis{
		Code:        "A09",
		Description: "Gastroenteritis",
		Treatments: []Treatment{
			{DrugCode: "ORS", Frequency: 4},
			{DrugCode: "ZNC", Frequency: 0},
		},
	}

	var ve *ValidationError
	require.True(t, errors.As(d.Validate(), &ve))
	assert.Equal(t, "treatments[1].frequency", ve.Field)
}

func TestClaimSubmission_Validate(t *testing.T) {
	valid := func() ClaimSubmission {
		return ClaimSubmission{
			EncounterToken: "enc-1",
			UserID:         "user-1",
			DiagnosisCode:  "A09",
			Drugs:          []DrugLine{{Code: "ORS", Frequency: 4, Duration: 3}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*ClaimSubmission)
		field  string
	}{
		{"valid", func(*ClaimSubmission) {}, ""},
		{"missing token", func(s *ClaimSubmission) { s.EncounterToken = " " }, "encounter_token"},
		{"missing user", func(s *ClaimSubmission) { s.UserID = "" }, "user_id"},
		{"missing diagnosis", func(s *ClaimSubmission) { s.DiagnosisCode = "" }, "diagnosis_code"},
		{"no line items", func(s *ClaimSubmission) { s.Drugs = nil }, "drugs"},
		{"zero frequency", func(s *ClaimSubmission) { s.Drugs[0].Frequency = 0 }, "drugs[0].frequency"},
		{"negative duration", func(s *ClaimSubmission) { s.Drugs[0].Duration = -1 }, "drugs[0].duration"},
		{"procedure without code", func(s *ClaimSubmission) {
			s.Procedures = []ProcedureLine{{Tariff: 10}}
		}, "procedures[0].code"},
		{"negative lab tariff", func(s *ClaimSubmission) {
			s.LabTests = []LabTestLine{{Code: "FBC", Tariff: -2}}
		}, "lab_tests[0].tariff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestClaimSubmission_ToClaim(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := ClaimSubmission{EncounterToken: " enc-1 ", UserID: "u", DiagnosisCode: "A09"}

	c := s.ToClaim(now)
	assert.Equal(t, "enc-1", c.EncounterToken)
	assert.Equal(t, StatusPending, c.Status)
	assert.Nil(t, c.Payout)
	assert.NotNil(t, c.Drugs)
	assert.Empty(t, c.Reasons)
	assert.Equal(t, now, c.CreatedAt)
}

func TestAgeInMonths(t *testing.T) {
	dob := time.Date(2020, 5, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		at       time.Time
		expected int
	}{
		{"same day", dob, 0},
		{"day before monthiversary", time.Date(2020, 6, 14, 0, 0, 0, 0, time.UTC), 0},
		{"on monthiversary", time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC), 1},
		{"across years", time.Date(2023, 5, 15, 0, 0, 0, 0, time.UTC), 36},
		{"across years before day", time.Date(2023, 5, 14, 0, 0, 0, 0, time.UTC), 35},
		{"before birth", time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AgeInMonths(dob, tt.at))
		})
	}
}

func TestCounters_GetSet(t *testing.T) {
	var c Counters
	for i, s := range AllStatuses {
		c.Set(s, i+1)
	}
	assert.Equal(t, Counters{Pending: 1, Approved: 2, Rejected: 3, Flagged: 4}, c)
	assert.Equal(t, 3, c.Get(StatusRejected))
	assert.Equal(t, 0, c.Get(ClaimStatus("unknown")))
}

func TestFallbackDecision(t *testing.T) {
	d := FallbackDecision("timeout")
	assert.Equal(t, StatusFlagged, d.Status)
	assert.Zero(t, d.Payout)
	assert.Equal(t, []string{"Automated adjudication unavailable: timeout"}, d.Reasons)
}

func TestRoundCents(t *testing.T) {
	assert.Equal(t, 10.13, RoundCents(10.125000001))
	assert.Equal(t, 0.0, RoundCents(0))
}
