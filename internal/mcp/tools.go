package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/claims-adjudication-server/internal/domain"
)

// EvaluateClaimArgs are the arguments of evaluate_claim
type EvaluateClaimArgs struct {
	DiagnosisCode string            `json:"diagnosis_code"`
	AgeMonths     int               `json:"age_months"`
	Drugs         []domain.DrugLine `json:"drugs"`
}

// GetClaimArgs are the arguments of get_claim
type GetClaimArgs struct {
	EncounterToken string `json:"encounter_token"`
}

// ListClaimsArgs are the arguments of list_claims
type ListClaimsArgs struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// ClaimSummary is the operator view of a claim
type ClaimSummary struct {
	EncounterToken string             `json:"encounter_token"`
	UserID         string             `json:"user_id"`
	Status         domain.ClaimStatus `json:"status"`
	Payout         *float64           `json:"payout,omitempty"`
	Reasons        []string           `json:"reasons"`
	DecidedBy      string             `json:"decided_by,omitempty"`
}

func summarize(c *domain.Claim) ClaimSummary {
	return ClaimSummary{
		EncounterToken: c.EncounterToken,
		UserID:         c.UserID,
		Status:         c.Status,
		Payout:         c.Payout,
		Reasons:        c.Reasons,
		DecidedBy:      c.DecidedBy,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func evaluateClaimTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "evaluate_claim",
		Description: "Dry-run drug lines against the formulary rules for a diagnosis and patient age. Nothing is stored.",
		InputSchema: objectSchema([]string{"diagnosis_code", "age_months", "drugs"}, map[string]*jsonschema.Schema{
			"diagnosis_code": {Type: "string", Description: "Diagnosis code, e.g. B54"},
			"age_months":     {Type: "integer", Description: "Patient age in whole months"},
			"drugs": {
				Type:        "array",
				Description: "Claimed drug lines",
				Items: objectSchema([]string{"code", "frequency", "duration"}, map[string]*jsonschema.Schema{
					"code":      {Type: "string"},
					"frequency": {Type: "integer", Description: "Doses per day"},
					"duration":  {Type: "integer", Description: "Days"},
				}),
			},
		}),
	}
}

func (s *Server) evaluateClaim(ctx context.Context, raw json.RawMessage) (any, error) {
	var args EvaluateClaimArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.DiagnosisCode) == "" {
		return nil, fmt.Errorf("diagnosis_code is required")
	}
	if args.AgeMonths < 0 {
		return nil, fmt.Errorf("age_months must be non-negative")
	}

	claim := &domain.Claim{
		EncounterToken: "dry-run",
		DiagnosisCode:  strings.TrimSpace(args.DiagnosisCode),
		Drugs:          args.Drugs,
	}
	return s.evaluator.DryRun(ctx, claim, args.AgeMonths)
}

func getClaimTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_claim",
		Description: "Show a claim's status, payout and reasons by encounter token.",
		InputSchema: objectSchema([]string{"encounter_token"}, map[string]*jsonschema.Schema{
			"encounter_token": {Type: "string"},
		}),
	}
}

func (s *Server) getClaim(ctx context.Context, raw json.RawMessage) (any, error) {
	var args GetClaimArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.EncounterToken == "" {
		return nil, fmt.Errorf("encounter_token is required")
	}

	claim, err := s.store.Get(ctx, args.EncounterToken)
	if err != nil {
		return nil, err
	}
	return summarize(claim), nil
}

func listClaimsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_claims",
		Description: "List claims, optionally filtered by status and user.",
		InputSchema: objectSchema(nil, map[string]*jsonschema.Schema{
			"status": {
				Type: "string",
				Enum: []any{"pending", "approved", "rejected", "flagged"},
			},
			"user_id": {Type: "string"},
			"limit":   {Type: "integer", Description: "Maximum results, default 20"},
		}),
	}
}

func (s *Server) listClaims(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ListClaimsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	filter := domain.ClaimFilter{UserID: args.UserID, Limit: args.Limit}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if args.Status != "" {
		status, err := domain.ParseClaimStatus(args.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}

	claims, err := s.store.ListByStatus(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimSummary, 0, len(claims))
	for _, c := range claims {
		out = append(out, summarize(c))
	}
	return out, nil
}
