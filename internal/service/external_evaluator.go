package service

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/pkg/external"
)

// Adjudicator returns a verdict for an enriched claim payload.
type Adjudicator interface {
	Adjudicate(ctx context.Context, payload any) (*external.Verdict, error)
}

// ExternalEvaluator adjudicates claims through the reasoning service.
// Any failure parks the claim as flagged for manual review.
type ExternalEvaluator struct {
	enricher    *Enricher
	adjudicator Adjudicator
	logger      *logrus.Logger
}

// NewExternalEvaluator creates an external evaluator
func NewExternalEvaluator(enricher *Enricher, adjudicator Adjudicator, logger *logrus.Logger) *ExternalEvaluator {
	return &ExternalEvaluator{enricher: enricher, adjudicator: adjudicator, logger: logger}
}

// Evaluate implements domain.Evaluator.
func (e *ExternalEvaluator) Evaluate(ctx context.Context, claim *domain.Claim) domain.Decision {
	start := time.Now()
	log := e.logger.WithField("encounter_token", claim.EncounterToken)

	payload, err := e.enricher.Enrich(ctx, claim)
	if err != nil {
		log.WithError(err).Warn("Claim enrichment failed")
		return domain.FallbackDecision(err.Error())
	}

	verdict, err := e.adjudicator.Adjudicate(ctx, payload)
	if err != nil {
		log.WithError(err).WithField("duration", time.Since(start)).Warn("External adjudication failed")
		return domain.FallbackDecision(err.Error())
	}

	decision := VerdictDecision(verdict)
	log.WithFields(logrus.Fields{
		"status":   decision.Status,
		"payout":   decision.Payout,
		"duration": time.Since(start),
	}).Info("External adjudication completed")
	return decision
}

// VerdictDecision maps a validated verdict onto a terminal decision.
// Only a clean approval may carry no reason.
func VerdictDecision(v *external.Verdict) domain.Decision {
	status := domain.StatusFlagged
	switch v.Status {
	case external.VerdictApproved:
		status = domain.StatusApproved
	case external.VerdictRejected:
		status = domain.StatusRejected
	}

	excess := domain.RoundCents(v.FlaggedExcess)
	reasons := []string{}
	switch {
	case strings.TrimSpace(v.Reason) != "":
		reasons = append(reasons, v.Reason)
	case status != domain.StatusApproved || excess > 0:
		reasons = append(reasons, domain.ReasonExternalNoReason)
	}
	return domain.Decision{
		Status:        status,
		Payout:        domain.RoundCents(v.ApprovedTotal),
		Reasons:       reasons,
		FlaggedExcess: excess,
		DecidedBy:     domain.DecidedByExternal,
	}
}
