package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/config"
	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/service"
)

func sqliteConfig(t *testing.T) *domain.Config {
	return &domain.Config{
		Storage:   domain.StorageConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "claims.db")},
		Processor: domain.ProcessorConfig{Mode: config.ModeLocal},
		Formulary: domain.FormularyConfig{CacheSize: 8, CacheTTL: time.Minute},
		Adjudicator: domain.AdjudicatorConfig{
			BaseURL:      "http://127.0.0.1:1",
			AssistantID:  "asst_test",
			MaxWait:      time.Second,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestOpen_SQLite(t *testing.T) {
	cfg := sqliteConfig(t)

	rt, err := Open(context.Background(), cfg, "", quietLogger())
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Members)
	assert.Nil(t, rt.References)
	assert.Nil(t, rt.Redis)
	require.NoError(t, rt.Store.Ping(context.Background()))

	// Admin writes are visible through the cached lookup.
	maxDuration := 7
	require.NoError(t, rt.Formulary.SaveDiagnosis(context.Background(), &domain.Diagnosis{
		Code:        "B54",
		Description: "Malaria",
		Treatments:  []domain.Treatment{{DrugCode: "ALU", Frequency: 4, MaxDuration: &maxDuration, UnitPrice: 10}},
	}))
	d, err := rt.Lookup.GetDiagnosis(context.Background(), "B54")
	require.NoError(t, err)
	assert.Equal(t, "Malaria", d.Description)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Storage.Driver = "mongo"

	_, err := Open(context.Background(), cfg, "", quietLogger())
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestRuntime_Evaluator(t *testing.T) {
	cfg := sqliteConfig(t)
	rt, err := Open(context.Background(), cfg, "", quietLogger())
	require.NoError(t, err)
	defer rt.Close()

	ev, err := rt.Evaluator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &service.LocalEvaluator{}, ev)

	cfg.Processor.Mode = config.ModeExternal
	ev, err = rt.Evaluator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &service.ExternalEvaluator{}, ev)

	cfg.Processor.Mode = "manual"
	_, err = rt.Evaluator(cfg)
	assert.Error(t, err)
}
