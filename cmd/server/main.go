package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/claims-adjudication-server/internal/api"
	"github.com/claims-adjudication-server/internal/bootstrap"
	"github.com/claims-adjudication-server/internal/config"
	"github.com/claims-adjudication-server/internal/logging"
	"github.com/claims-adjudication-server/internal/notify"
	"github.com/claims-adjudication-server/internal/processor"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg, configManager.GetDatabaseURL(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer rt.Close()

	hub := notify.NewHub(cfg.Notify.RetainCounters, logger)
	deps := api.Dependencies{
		Store:         rt.Store,
		Members:       rt.Members,
		Formulary:     rt.Formulary,
		CacheStats:    rt.Lookup,
		Hub:           hub,
		Notifications: notify.NewHandler(hub, cfg.Notify, logger),
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Processor.Enabled {
		evaluator, err := rt.Evaluator(cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create evaluator")
		}
		proc := processor.New(rt.Store, evaluator, hub, cfg.Processor, logger)
		deps.Processor = proc
		g.Go(func() error { return proc.Run(gctx) })
	}

	// Transitions made by standalone processors arrive over Redis.
	if cfg.Notify.Relay && rt.Redis != nil {
		relay := notify.NewRelay(rt.Redis, cfg.Notify.RedisChannel, hub, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}

	server := api.NewServer(configManager, deps, logger)
	g.Go(func() error { return server.Start(gctx) })

	logger.WithFields(logrus.Fields{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"mode":      cfg.Processor.Mode,
		"processor": cfg.Processor.Enabled,
	}).Info("Starting claims adjudication server")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Server stopped with error")
	}

	logger.Info("Server stopped")
}
