package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// LocalEvaluator adjudicates claims in-process with the rule engine.
// It resolves the diagnosis and the patient's age before evaluating.
type LocalEvaluator struct {
	engine    *RuleEngine
	formulary domain.FormularySource
	members   domain.MemberSource
	logger    *logrus.Logger
	now       func() time.Time
}

// NewLocalEvaluator creates a local evaluator
func NewLocalEvaluator(formulary domain.FormularySource, members domain.MemberSource, logger *logrus.Logger) *LocalEvaluator {
	return &LocalEvaluator{
		engine:    NewRuleEngine(logger),
		formulary: formulary,
		members:   members,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate implements domain.Evaluator.
func (e *LocalEvaluator) Evaluate(ctx context.Context, claim *domain.Claim) domain.Decision {
	log := e.logger.WithField("encounter_token", claim.EncounterToken)

	diagnosis, err := e.formulary.GetDiagnosis(ctx, claim.DiagnosisCode)
	if errors.Is(err, domain.ErrNotFound) {
		return e.engine.Evaluate(claim, nil, 0)
	}
	if err != nil {
		log.WithError(err).Error("Failed to load diagnosis")
		return domain.InternalErrorDecision()
	}

	member, err := e.members.GetMember(ctx, claim.EncounterToken)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Decision{
				Status:    domain.StatusRejected,
				Reasons:   []string{domain.ReasonMemberNotFound},
				DecidedBy: domain.DecidedByRuleEngine,
			}
		}
		log.WithError(err).Error("Failed to load member")
		return domain.InternalErrorDecision()
	}

	age := domain.AgeInMonths(member.DateOfBirth, e.now())
	return e.engine.Evaluate(claim, diagnosis, age)
}

// DryRun evaluates claim for a patient of the given age without
// touching member records.
func (e *LocalEvaluator) DryRun(ctx context.Context, claim *domain.Claim, ageMonths int) (domain.Decision, error) {
	diagnosis, err := e.formulary.GetDiagnosis(ctx, claim.DiagnosisCode)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Decision{}, err
	}
	if err != nil {
		diagnosis = nil
	}
	return e.engine.Evaluate(claim, diagnosis, ageMonths), nil
}
