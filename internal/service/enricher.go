package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// Coverage values attached to enriched lines
const (
	CoverageCovered    = "covered"
	CoverageNotCovered = "not covered"
)

// EnrichedLine is a claimed line item with what the reference tables know about it.
type EnrichedLine struct {
	Code      string                  `json:"code"`
	Service   string                  `json:"service,omitempty"`
	Frequency int                     `json:"frequency,omitempty"`
	Duration  int                     `json:"duration,omitempty"`
	Dosage    string                  `json:"dosage,omitempty"`
	Tariff    float64                 `json:"tariff,omitempty"`
	Coverage  string                  `json:"coverage"`
	Matches   []domain.ReferenceMatch `json:"matches,omitempty"`
}

// EnrichedClaim is the payload sent to the reasoning service.
type EnrichedClaim struct {
	EncounterToken       string            `json:"encounter_token"`
	DiagnosisCode        string            `json:"diagnosis_code"`
	DiagnosisDescription string            `json:"diagnosis_description,omitempty"`
	Drugs                []EnrichedLine    `json:"drugs"`
	Procedures           []EnrichedLine    `json:"medical_procedures"`
	LabTests             []EnrichedLine    `json:"lab_tests"`
	LookupErrors         map[string]string `json:"lookup_errors,omitempty"`
}

// Enricher attaches reference data to every line of a claim.
type Enricher struct {
	references domain.ReferenceSource
	formulary  domain.FormularySource
	logger     *logrus.Logger
}

// NewEnricher creates an enricher. formulary may be nil.
func NewEnricher(references domain.ReferenceSource, formulary domain.FormularySource, logger *logrus.Logger) *Enricher {
	return &Enricher{references: references, formulary: formulary, logger: logger}
}

// Enrich builds the payload for claim. Individual table failures are carried
// in LookupErrors; only cancellation aborts enrichment.
func (e *Enricher) Enrich(ctx context.Context, claim *domain.Claim) (*EnrichedClaim, error) {
	out := &EnrichedClaim{
		EncounterToken: claim.EncounterToken,
		DiagnosisCode:  claim.DiagnosisCode,
		Drugs:          make([]EnrichedLine, 0, len(claim.Drugs)),
		Procedures:     make([]EnrichedLine, 0, len(claim.Procedures)),
		LabTests:       make([]EnrichedLine, 0, len(claim.LabTests)),
	}

	if e.formulary != nil {
		d, err := e.formulary.GetDiagnosis(ctx, claim.DiagnosisCode)
		switch {
		case err == nil:
			out.DiagnosisDescription = d.Description
		case !errors.Is(err, domain.ErrNotFound):
			e.addError(out, "diagnosis:"+claim.DiagnosisCode, err.Error())
		}
	}

	for _, d := range claim.Drugs {
		line := EnrichedLine{Code: d.Code, Frequency: d.Frequency, Duration: d.Duration, Dosage: d.Dosage}
		if err := e.resolve(ctx, out, &line); err != nil {
			return nil, err
		}
		out.Drugs = append(out.Drugs, line)
	}
	for _, p := range claim.Procedures {
		line := EnrichedLine{Code: p.Code, Service: p.Service, Tariff: p.Tariff}
		if err := e.resolve(ctx, out, &line); err != nil {
			return nil, err
		}
		out.Procedures = append(out.Procedures, line)
	}
	for _, l := range claim.LabTests {
		line := EnrichedLine{Code: l.Code, Service: l.Service, Tariff: l.Tariff}
		if err := e.resolve(ctx, out, &line); err != nil {
			return nil, err
		}
		out.LabTests = append(out.LabTests, line)
	}

	e.logger.WithFields(logrus.Fields{
		"encounter_token": claim.EncounterToken,
		"lookup_errors":   len(out.LookupErrors),
	}).Debug("Enriched claim")

	return out, nil
}

func (e *Enricher) resolve(ctx context.Context, out *EnrichedClaim, line *EnrichedLine) error {
	line.Coverage = CoverageNotCovered
	if e.references == nil {
		return nil
	}

	result, err := e.references.Lookup(ctx, line.Code)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("enriching %s: %w", line.Code, err)
		}
		e.addError(out, line.Code, err.Error())
		return nil
	}
	for table, msg := range result.Errors {
		e.addError(out, line.Code+"@"+table, msg)
	}
	if result.Found() {
		line.Coverage = CoverageCovered
		line.Matches = result.Matches
	}
	return nil
}

func (e *Enricher) addError(out *EnrichedClaim, key, msg string) {
	if out.LookupErrors == nil {
		out.LookupErrors = make(map[string]string)
	}
	out.LookupErrors[key] = msg
}
