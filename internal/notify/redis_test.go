package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/domain"
)

func TestRelay_AppliesPublishedEvents(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	channel := "claims:notifications:test:" + time.Now().Format("150405.000000")
	hub := NewHub(true, testLogger())
	relay := NewRelay(client, channel, hub, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	publisher := NewRedisPublisher(client, channel)
	assert.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, channel).Result()
		return err == nil && n[channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Notify(ctx, "u1", domain.StatusApproved))
	client.Publish(ctx, channel, "not json")
	require.NoError(t, publisher.Notify(ctx, "u1", domain.StatusFlagged))

	assert.Eventually(t, func() bool {
		c, ok := hub.Snapshot("u1")
		return ok && c == domain.Counters{Approved: 1, Flagged: 1}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRelay_RetriesUntilShutdown(t *testing.T) {
	// nothing listens on port 1
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	logger, hook := logtest.NewNullLogger()
	relay := NewRelay(client, "claims:notifications", NewHub(true, logger), logger)
	relay.backoff = 5 * time.Millisecond
	relay.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := relay.Run(ctx)

	assert.NoError(t, err, "an unreachable broker never fails the caller")
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "Run keeps retrying until shutdown")

	retries := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Notification relay unavailable" {
			retries++
		}
	}
	assert.GreaterOrEqual(t, retries, 2)
}
