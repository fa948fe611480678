package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/claimstore"
	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/service"
)

func setupServer(t *testing.T) (*Server, *claimstore.SQLiteStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	store, err := claimstore.NewSQLiteStore(filepath.Join(t.TempDir(), "claims.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	maxAge := 720
	maxDuration := 7
	require.NoError(t, store.SaveDiagnosis(context.Background(), &domain.Diagnosis{
		Code:        "B54",
		Description: "Malaria",
		Treatments: []domain.Treatment{
			{DrugCode: "ALU", Frequency: 4, MaxAgeMonths: &maxAge, MaxDuration: &maxDuration, UnitPrice: 10},
		},
	}))

	evaluator := service.NewLocalEvaluator(store, store, logger)
	s := NewServer(domain.MCPConfig{ServerName: "claims-test", ServerVersion: "test"}, evaluator, store, logger)
	return s, store
}

func rawArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestEvaluateClaim(t *testing.T) {
	s, store := setupServer(t)
	ctx := context.Background()

	out, err := s.evaluateClaim(ctx, rawArgs(t, EvaluateClaimArgs{
		DiagnosisCode: "B54",
		AgeMonths:     120,
		Drugs:         []domain.DrugLine{{Code: "ALU", Frequency: 4, Duration: 3}},
	}))
	require.NoError(t, err)

	decision, ok := out.(domain.Decision)
	require.True(t, ok)
	assert.Equal(t, domain.StatusApproved, decision.Status)
	assert.InDelta(t, 180.0, decision.Payout, 0.001)

	out, err = s.evaluateClaim(ctx, rawArgs(t, EvaluateClaimArgs{
		DiagnosisCode: "B54",
		AgeMonths:     732,
		Drugs:         []domain.DrugLine{{Code: "ALU", Frequency: 4, Duration: 3}},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, out.(domain.Decision).Status)

	claims, err := store.ListByStatus(ctx, domain.ClaimFilter{})
	require.NoError(t, err)
	assert.Empty(t, claims, "dry runs never store a claim")
}

func TestEvaluateClaim_InvalidArguments(t *testing.T) {
	s, _ := setupServer(t)

	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"malformed", json.RawMessage(`{"diagnosis_code":`)},
		{"missing diagnosis", rawArgs(t, EvaluateClaimArgs{AgeMonths: 12})},
		{"negative age", rawArgs(t, EvaluateClaimArgs{DiagnosisCode: "B54", AgeMonths: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.evaluateClaim(context.Background(), tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestGetAndListClaims(t *testing.T) {
	s, store := setupServer(t)
	ctx := context.Background()

	for _, token := range []string{"enc-1", "enc-2"} {
		require.NoError(t, store.Insert(ctx, &domain.Claim{
			EncounterToken: token,
			UserID:         "user-1",
			DiagnosisCode:  "B54",
			Drugs:          []domain.DrugLine{{Code: "ALU", Frequency: 4, Duration: 3}},
			Status:         domain.StatusPending,
			CreatedAt:      time.Now(),
		}))
	}
	_, err := store.Resolve(ctx, "enc-1", domain.Decision{
		Status:    domain.StatusApproved,
		Payout:    180,
		Reasons:   []string{},
		DecidedBy: domain.DecidedByRuleEngine,
	})
	require.NoError(t, err)

	out, err := s.getClaim(ctx, rawArgs(t, GetClaimArgs{EncounterToken: "enc-1"}))
	require.NoError(t, err)
	summary := out.(ClaimSummary)
	assert.Equal(t, domain.StatusApproved, summary.Status)
	require.NotNil(t, summary.Payout)
	assert.InDelta(t, 180.0, *summary.Payout, 0.001)

	_, err = s.getClaim(ctx, rawArgs(t, GetClaimArgs{EncounterToken: "ghost"}))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err = s.listClaims(ctx, rawArgs(t, ListClaimsArgs{Status: "pending"}))
	require.NoError(t, err)
	pending := out.([]ClaimSummary)
	require.Len(t, pending, 1)
	assert.Equal(t, "enc-2", pending[0].EncounterToken)

	_, err = s.listClaims(ctx, rawArgs(t, ListClaimsArgs{Status: "paid"}))
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestResults(t *testing.T) {
	res, err := jsonResult(map[string]int{"count": 2})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	res = errorResult(domain.ErrNotFound)
	assert.True(t, res.IsError)
}
