// Package bootstrap assembles the stores, caches and evaluators shared by the
// server, processor and MCP binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/claimstore"
	"github.com/claims-adjudication-server/internal/config"
	"github.com/claims-adjudication-server/internal/database"
	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/formulary"
	"github.com/claims-adjudication-server/internal/repository"
	"github.com/claims-adjudication-server/internal/service"
	"github.com/claims-adjudication-server/pkg/external"
)

// Runtime holds the opened backends. References is nil with the SQLite driver
// and Redis is nil unless a Redis feature is enabled.
type Runtime struct {
	Store      domain.ClaimStore
	Members    domain.MemberSource
	Formulary  *formulary.Admin
	Lookup     *formulary.Lookup
	References domain.ReferenceSource
	Redis      *redis.Client

	logger  *logrus.Logger
	closers []func()
}

// Open connects to the configured storage driver and builds the formulary cache.
func Open(ctx context.Context, cfg *domain.Config, databaseURL string, logger *logrus.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}

	var admin domain.FormularyAdmin
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		store, err := claimstore.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(func() { store.Close() })
		rt.Store = store
		rt.Members = store
		admin = store

	case config.DriverPostgres:
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(databaseURL, cfg.Database.MigrationsPath, logger); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		db, err := database.NewConnection(ctx, database.ConfigFrom(cfg.Database), logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(db.Close)

		store, err := claimstore.NewPostgresStoreFromURL(databaseURL, cfg.Database, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.onClose(func() { store.Close() })

		rt.Store = store
		rt.Members = repository.NewMemberRepository(db.Pool, logger)
		rt.References = repository.NewReferenceRepository(db.Pool, logger)
		admin = repository.NewFormularyRepository(db.Pool, logger)

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}

	if cfg.Cache.Enabled || cfg.Formulary.RedisCache || cfg.Notify.Relay {
		client, err := formulary.NewRedisClient(ctx, cfg.Cache)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.onClose(func() { client.Close() })
		rt.Redis = client
	}

	var remote *formulary.RedisCache
	if rt.Redis != nil && cfg.Formulary.RedisCache {
		remote = formulary.NewRedisCache(rt.Redis, cfg.Formulary.RedisTTL)
	}
	rt.Lookup = formulary.NewLookup(admin, cfg.Formulary.CacheSize, cfg.Formulary.CacheTTL, remote, logger)
	rt.Formulary = formulary.NewAdmin(admin, rt.Lookup)

	logger.WithFields(logrus.Fields{
		"driver":       cfg.Storage.Driver,
		"redis":        rt.Redis != nil,
		"redis_tier":   remote != nil,
		"reference_db": rt.References != nil,
	}).Info("Storage initialized")

	return rt, nil
}

// LocalEvaluator returns the rule-engine evaluator over the cached formulary.
func (rt *Runtime) LocalEvaluator() *service.LocalEvaluator {
	return service.NewLocalEvaluator(rt.Lookup, rt.Members, rt.logger)
}

// Evaluator returns the evaluator for the configured processing mode.
func (rt *Runtime) Evaluator(cfg *domain.Config) (domain.Evaluator, error) {
	switch cfg.Processor.Mode {
	case config.ModeLocal:
		return rt.LocalEvaluator(), nil
	case config.ModeExternal:
		client := external.NewReasoningClient(cfg.Adjudicator, rt.logger)
		enricher := service.NewEnricher(rt.References, rt.Lookup, rt.logger)
		return service.NewExternalEvaluator(enricher, client, rt.logger), nil
	default:
		return nil, fmt.Errorf("unsupported processor mode: %s", cfg.Processor.Mode)
	}
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close releases everything Open acquired, newest first.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
