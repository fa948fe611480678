package service

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// lineCheck inspects one drug line against its treatment.
// It returns a reason when it fires; excluded means the line is not approved.
type lineCheck struct {
	Name  string
	Check func(line *effectiveLine, t domain.Treatment, ageMonths int) (reason string, excluded bool)
}

// effectiveLine carries the values a line is priced at once clamps have applied.
type effectiveLine struct {
	Code      string
	Frequency int
	Duration  int
}

// RuleEngine evaluates claims against the formulary. It is pure: the same
// claim, diagnosis and age always produce the same decision.
type RuleEngine struct {
	logger *logrus.Logger
	checks []lineCheck
}

// NewRuleEngine creates a rule engine with the age, frequency and duration checks
func NewRuleEngine(logger *logrus.Logger) *RuleEngine {
	return &RuleEngine{
		logger: logger,
		checks: []lineCheck{
			{Name: "age", Check: checkAge},
			{Name: "frequency", Check: clampFrequency},
			{Name: "duration", Check: clampDuration},
		},
	}
}

// Evaluate adjudicates the drug lines of claim. A nil diagnosis means the
// diagnosis code is not in the formulary. Faults never escape: they become
// a rejection with a single internal error reason.
func (e *RuleEngine) Evaluate(claim *domain.Claim, diagnosis *domain.Diagnosis, ageMonths int) (decision domain.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"encounter_token": claim.EncounterToken,
				"panic":           r,
			}).Error("Rule evaluation failed")
			decision = domain.InternalErrorDecision()
		}
	}()

	if diagnosis == nil {
		return domain.Decision{
			Status:    domain.StatusRejected,
			Payout:    0,
			Reasons:   []string{domain.ReasonInvalidDiagnosis},
			DecidedBy: domain.DecidedByRuleEngine,
		}
	}

	treatments := make(map[string]domain.Treatment, len(diagnosis.Treatments))
	for _, t := range diagnosis.Treatments {
		treatments[t.DrugCode] = t
	}

	reasons := []string{}
	payout := 0.0
	approved := 0

	for _, drug := range claim.Drugs {
		t, ok := treatments[drug.Code]
		if drug.Code == "" || !ok {
			reasons = append(reasons, fmt.Sprintf("Drug '%s' is not covered", drug.Code))
			continue
		}

		line := &effectiveLine{Code: drug.Code, Frequency: drug.Frequency, Duration: drug.Duration}
		excluded := false
		for _, c := range e.checks {
			reason, exclude := c.Check(line, t, ageMonths)
			if reason != "" {
				reasons = append(reasons, reason)
			}
			if exclude {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		payout += linePayout(line, t.UnitPrice)
		approved++
	}

	status := domain.StatusRejected
	if approved > 0 {
		status = domain.StatusApproved
	}

	e.logger.WithFields(logrus.Fields{
		"encounter_token": claim.EncounterToken,
		"drug_lines":      len(claim.Drugs),
		"approved_lines":  approved,
		"reasons":         len(reasons),
	}).Debug("Completed rule evaluation")

	return domain.Decision{
		Status:    status,
		Payout:    domain.RoundCents(payout),
		Reasons:   reasons,
		DecidedBy: domain.DecidedByRuleEngine,
	}
}

// linePayout is (24 / frequency) * duration * unit price, in floating point.
func linePayout(line *effectiveLine, unitPrice float64) float64 {
	if line.Frequency <= 0 {
		panic(fmt.Sprintf("non-positive frequency %d for %s", line.Frequency, line.Code))
	}
	return (24.0 / float64(line.Frequency)) * float64(line.Duration) * unitPrice
}

// checkAge excludes the line when the patient is older than the treatment allows.
// A zero or absent limit means no limit.
func checkAge(line *effectiveLine, t domain.Treatment, ageMonths int) (string, bool) {
	if t.MaxAgeMonths == nil || *t.MaxAgeMonths <= 0 || ageMonths <= *t.MaxAgeMonths {
		return "", false
	}
	years := math.Floor(float64(ageMonths)/12*10) / 10
	return fmt.Sprintf("%s: Patient is %.0f years, exceeds age limit", line.Code, years), true
}

func clampFrequency(line *effectiveLine, t domain.Treatment, _ int) (string, bool) {
	if line.Frequency <= t.Frequency {
		return "", false
	}
	reason := fmt.Sprintf("%s: Frequency %d exceeds allowed %d", line.Code, line.Frequency, t.Frequency)
	line.Frequency = t.Frequency
	return reason, false
}

// clampDuration caps the duration when the treatment defines a non-zero cap.
func clampDuration(line *effectiveLine, t domain.Treatment, _ int) (string, bool) {
	if t.MaxDuration == nil || *t.MaxDuration <= 0 || line.Duration <= *t.MaxDuration {
		return "", false
	}
	reason := fmt.Sprintf("%s: Duration %d exceeds allowed %d", line.Code, line.Duration, *t.MaxDuration)
	line.Duration = *t.MaxDuration
	return reason, false
}
