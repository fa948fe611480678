package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// Event is a status transition carried between processes.
type Event struct {
	UserID string             `json:"user_id"`
	Status domain.ClaimStatus `json:"status"`
}

// RedisPublisher implements domain.Notifier by publishing events on a
// Redis channel. A Relay in the API process applies them to its hub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Notify publishes the transition.
func (p *RedisPublisher) Notify(ctx context.Context, userID string, status domain.ClaimStatus) error {
	data, err := json.Marshal(Event{UserID: userID, Status: status})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Relay applies events published by other processes to a local notifier.
type Relay struct {
	client     *redis.Client
	channel    string
	target     domain.Notifier
	logger     *logrus.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewRelay creates a relay from channel into target
func NewRelay(client *redis.Client, channel string, target domain.Notifier, logger *logrus.Logger) *Relay {
	return &Relay{
		client:     client,
		channel:    channel,
		target:     target,
		logger:     logger,
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run forwards events until ctx is cancelled. Subscription failures are
// retried with exponential back-off, so Run only returns on shutdown.
func (r *Relay) Run(ctx context.Context) error {
	backoff := r.backoff
	for attempt := 1; ; attempt++ {
		subscribed, err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt, backoff = 1, r.backoff
		}
		entry := r.logger.WithFields(logrus.Fields{
			"channel": r.channel,
			"attempt": attempt,
			"retry":   backoff,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("Notification relay unavailable")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// listen holds one subscription until ctx ends or the subscription drops.
// subscribed reports whether the subscription was confirmed.
func (r *Relay) listen(ctx context.Context) (subscribed bool, err error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed so no event is missed after Run starts
	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.WithField("channel", r.channel).Info("Notification relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, nil
			}
			r.apply(ctx, msg.Payload)
		}
	}
}

func (r *Relay) apply(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.WithError(err).Warn("Discarding malformed notification event")
		return
	}
	if err := r.target.Notify(ctx, ev.UserID, ev.Status); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": ev.UserID,
			"status":  ev.Status,
		}).Warn("Failed to apply notification event")
	}
}
