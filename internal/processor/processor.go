// Package processor runs the background loop that adjudicates pending claims.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/claims-adjudication-server/internal/domain"
)

// CycleResult summarizes one pass over the pending claims.
type CycleResult struct {
	Fetched  int `json:"fetched"`
	Resolved int `json:"resolved"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Processor polls the claim store and adjudicates pending claims with a
// bounded pool of workers. Each claim is resolved at most once.
type Processor struct {
	store     domain.ClaimStore
	evaluator domain.Evaluator
	notifier  domain.Notifier
	cfg       domain.ProcessorConfig
	logger    *logrus.Logger

	// serializes cycles started by the loop and by Trigger
	cycleMu sync.Mutex
}

// New creates a processor. notifier may be nil.
func New(store domain.ClaimStore, evaluator domain.Evaluator, notifier domain.Notifier, cfg domain.ProcessorConfig, logger *logrus.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StartupBackoff <= 0 {
		cfg.StartupBackoff = time.Second
	}
	if cfg.MaxStartupBackoff < cfg.StartupBackoff {
		cfg.MaxStartupBackoff = cfg.StartupBackoff
	}
	return &Processor{
		store:     store,
		evaluator: evaluator,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run waits for the store to become reachable, then runs a cycle every
// poll interval until ctx is cancelled. It returns nil on shutdown.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"mode":          p.cfg.Mode,
		"workers":       p.cfg.Workers,
		"poll_interval": p.cfg.PollInterval,
	}).Info("Claims processor starting")

	if err := p.waitForStore(ctx); err != nil {
		return nil
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("Processing cycle failed")
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Claims processor shutdown complete")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) waitForStore(ctx context.Context) error {
	backoff := p.cfg.StartupBackoff
	for attempt := 1; ; attempt++ {
		err := p.store.Ping(ctx)
		if err == nil {
			return nil
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"retry":   backoff,
		}).Warn("Claim store unavailable")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxStartupBackoff {
			backoff = p.cfg.MaxStartupBackoff
		}
	}
}

// Trigger runs one cycle on demand.
func (p *Processor) Trigger(ctx context.Context) (CycleResult, error) {
	return p.RunCycle(ctx)
}

// RunCycle adjudicates up to one batch of pending claims. Once a claim's
// evaluation has started it runs to completion even if ctx is cancelled;
// claims not yet started when ctx is cancelled stay pending.
func (p *Processor) RunCycle(ctx context.Context) (CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	claims, err := p.store.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("listing pending claims: %w", err)
	}
	if len(claims) == 0 {
		p.logger.Debug("No pending claims found")
		return CycleResult{}, nil
	}

	var resolved, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for _, claim := range claims {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			switch p.process(ctx, claim) {
			case outcomeResolved:
				resolved.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := CycleResult{
		Fetched:  len(claims),
		Resolved: int(resolved.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	p.logger.WithFields(logrus.Fields{
		"fetched":  result.Fetched,
		"resolved": result.Resolved,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"duration": time.Since(start),
	}).Info("Processing cycle completed")
	return result, nil
}

type outcome int

const (
	outcomeResolved outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (p *Processor) process(ctx context.Context, claim *domain.Claim) outcome {
	// evaluation and resolve ignore shutdown once started
	work := context.WithoutCancel(ctx)
	start := time.Now()

	log := p.logger.WithFields(logrus.Fields{
		"encounter_token": claim.EncounterToken,
		"user_id":         claim.UserID,
	})

	decision := p.evaluator.Evaluate(work, claim)

	updated, err := p.store.Resolve(work, claim.EncounterToken, decision)
	switch {
	case errors.Is(err, domain.ErrNotPending):
		log.Debug("Claim already adjudicated")
		return outcomeSkipped
	case err != nil:
		log.WithError(err).Error("Failed to record decision")
		return outcomeFailed
	}

	log.WithFields(logrus.Fields{
		"status":     updated.Status,
		"payout":     decision.Payout,
		"decided_by": decision.DecidedBy,
		"duration":   time.Since(start),
	}).Info("Claim adjudicated")

	if p.notifier != nil {
		if err := p.notifier.Notify(work, updated.UserID, updated.Status); err != nil {
			log.WithError(err).Warn("Notification failed")
		}
	}
	return outcomeResolved
}
