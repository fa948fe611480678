package domain

import (
	"context"
)

// ClaimStore persists claims and their terminal decisions.
// It is the single source of truth for claim status.
type ClaimStore interface {
	Insert(ctx context.Context, claim *Claim) error
	Get(ctx context.Context, encounterToken string) (*Claim, error)
	ListByStatus(ctx context.Context, filter ClaimFilter) ([]*Claim, error)
	// ListPending returns up to limit pending claims, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Claim, error)
	// Resolve atomically moves a pending claim to the decision's status.
	// It returns ErrNotPending if the claim was already adjudicated.
	Resolve(ctx context.Context, encounterToken string, decision Decision) (*Claim, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClaimFilter narrows claim listings
type ClaimFilter struct {
	Status ClaimStatus
	UserID string
	Limit  int
	Offset int
}

// FormularySource resolves diagnosis codes to their treatment rules.
type FormularySource interface {
	GetDiagnosis(ctx context.Context, code string) (*Diagnosis, error)
}

// FormularyAdmin manages formulary entries.
type FormularyAdmin interface {
	FormularySource
	SaveDiagnosis(ctx context.Context, diagnosis *Diagnosis) error
	DeleteDiagnosis(ctx context.Context, code string) error
	ListDiagnoses(ctx context.Context, limit, offset int) ([]*Diagnosis, error)
}

// MemberSource resolves encounter tokens to verification records.
type MemberSource interface {
	GetMember(ctx context.Context, encounterToken string) (*Member, error)
}

// ReferenceSource looks a code up across the reference price tables.
type ReferenceSource interface {
	Lookup(ctx context.Context, code string) (*ReferenceResult, error)
}

// Evaluator adjudicates a single claim. It never fails: every fault
// is expressed as a terminal decision.
type Evaluator interface {
	Evaluate(ctx context.Context, claim *Claim) Decision
}

// Notifier receives claim status transitions for a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, status ClaimStatus) error
}

// ConfigManager handles application configuration
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetDatabaseConfig() *DatabaseConfig
	Validate() error
}
