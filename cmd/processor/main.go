// Command processor runs the claim processing loop without the HTTP API.
// Status transitions are published to Redis when a Redis URL is configured.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/bootstrap"
	"github.com/claims-adjudication-server/internal/config"
	"github.com/claims-adjudication-server/internal/domain"
	"github.com/claims-adjudication-server/internal/formulary"
	"github.com/claims-adjudication-server/internal/logging"
	"github.com/claims-adjudication-server/internal/notify"
	"github.com/claims-adjudication-server/internal/processor"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
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

	evaluator, err := rt.Evaluator(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create evaluator")
	}

	var notifier domain.Notifier
	client := rt.Redis
	if client == nil && cfg.Cache.RedisURL != "" {
		if client, err = formulary.NewRedisClient(ctx, cfg.Cache); err != nil {
			logger.WithError(err).Warn("Redis unavailable, transitions will not be published")
		} else {
			defer client.Close()
		}
	}
	if client != nil {
		notifier = notify.NewRedisPublisher(client, cfg.Notify.RedisChannel)
	}

	proc := processor.New(rt.Store, evaluator, notifier, cfg.Processor, logger)

	logger.WithFields(logrus.Fields{
		"mode":      cfg.Processor.Mode,
		"workers":   cfg.Processor.Workers,
		"publishes": notifier != nil,
	}).Info("Starting claim processor")

	if err := proc.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Processor stopped with error")
	}
	logger.Info("Processor stopped")
}
