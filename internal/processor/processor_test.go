package processor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/claimstore"
	"github.com/claims-adjudication-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fixedEvaluator struct {
	decision domain.Decision
	delay    time.Duration
	calls    atomic.Int32
	started  chan struct{}
}

func (e *fixedEvaluator) Evaluate(ctx context.Context, claim *domain.Claim) domain.Decision {
	e.calls.Add(1)
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	time.Sleep(e.delay)
	return e.decision
}

type notification struct {
	UserID string
	Status domain.ClaimStatus
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, status domain.ClaimStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID, status})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func newStore(t *testing.T, tokens ...string) *claimstore.SQLiteStore {
	t.Helper()
	store, err := claimstore.NewSQLiteStore(filepath.Join(t.TempDir(), "claims.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, token := range tokens {
		require.NoError(t, store.Insert(context.Background(), &domain.Claim{
			EncounterToken: token,
			UserID:         "user-" + token,
			DiagnosisCode:  "B54",
			Drugs:          []domain.DrugLine{{Code: "ALU", Frequency: 4, Duration: 5}},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return store
}

func approve() domain.Decision {
	return domain.Decision{Status: domain.StatusApproved, Payout: 300, Reasons: []string{}, DecidedBy: domain.DecidedByRuleEngine}
}

func TestRunCycle_ResolvesAndNotifies(t *testing.T) {
	store := newStore(t, "a", "b", "c")
	evaluator := &fixedEvaluator{decision: approve()}
	notifier := &recordingNotifier{}

	p := New(store, evaluator, notifier, domain.ProcessorConfig{Workers: 2, BatchSize: 10}, testLogger())
	result, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleResult{Fetched: 3, Resolved: 3}, result)
	assert.Equal(t, int32(3), evaluator.calls.Load())
	assert.ElementsMatch(t, []notification{
		{"user-a", domain.StatusApproved},
		{"user-b", domain.StatusApproved},
		{"user-c", domain.StatusApproved},
	}, notifier.all())

	claim, err := store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, claim.Status)
	require.NotNil(t, claim.Payout)
	assert.Equal(t, 300.0, *claim.Payout)

	result, err = p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, result, "decided claims are not fetched again")
}

func TestRunCycle_RespectsBatchSize(t *testing.T) {
	store := newStore(t, "a", "b", "c")
	p := New(store, &fixedEvaluator{decision: approve()}, nil, domain.ProcessorConfig{Workers: 4, BatchSize: 2}, testLogger())

	result, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fetched)

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].EncounterToken, "oldest claims go first")
}

func TestRunCycle_ConcurrentTriggersAdjudicateOnce(t *testing.T) {
	store := newStore(t, "a", "b", "c", "d")
	evaluator := &fixedEvaluator{decision: approve(), delay: 5 * time.Millisecond}
	notifier := &recordingNotifier{}
	p := New(store, evaluator, notifier, domain.ProcessorConfig{Workers: 2, BatchSize: 10}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Trigger(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(4), evaluator.calls.Load())
	assert.Len(t, notifier.all(), 4)
}

// skippingStore reports every claim as already adjudicated.
type skippingStore struct {
	*claimstore.SQLiteStore
}

func (s skippingStore) Resolve(ctx context.Context, token string, d domain.Decision) (*domain.Claim, error) {
	return nil, domain.ErrNotPending
}

type brokenStore struct {
	*claimstore.SQLiteStore
	pings atomic.Int32
}

func (s *brokenStore) Resolve(ctx context.Context, token string, d domain.Decision) (*domain.Claim, error) {
	return nil, errors.New("disk full")
}

func (s *brokenStore) Ping(ctx context.Context) error {
	if s.pings.Add(1) < 3 {
		return errors.New("connection refused")
	}
	return nil
}

func TestRunCycle_CountsSkipsAndFailures(t *testing.T) {
	notifier := &recordingNotifier{}

	p := New(skippingStore{newStore(t, "a", "b")}, &fixedEvaluator{decision: approve()}, notifier, domain.ProcessorConfig{Workers: 2}, testLogger())
	result, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 2, Skipped: 2}, result)

	broken := &brokenStore{SQLiteStore: newStore(t, "c")}
	p = New(broken, &fixedEvaluator{decision: approve()}, notifier, domain.ProcessorConfig{Workers: 2}, testLogger())
	result, err = p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 1, Failed: 1}, result)

	assert.Empty(t, notifier.all(), "nothing is announced unless persisted")

	claim, err := broken.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, claim.Status)
}

func TestRunCycle_CancelledBeforeStartLeavesClaimsPending(t *testing.T) {
	store := newStore(t, "a", "b")
	evaluator := &fixedEvaluator{decision: approve()}
	p := New(store, evaluator, nil, domain.ProcessorConfig{Workers: 1}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.RunCycle(ctx)
	// the SQLite driver may refuse to list under a cancelled context
	if err == nil {
		assert.Zero(t, evaluator.calls.Load())
	}

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunCycle_InFlightClaimCompletesAfterCancel(t *testing.T) {
	store := newStore(t, "a", "b", "c")
	evaluator := &fixedEvaluator{decision: approve(), delay: 50 * time.Millisecond, started: make(chan struct{}, 1)}
	p := New(store, evaluator, nil, domain.ProcessorConfig{Workers: 1}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleResult)
	go func() {
		result, _ := p.RunCycle(ctx)
		done <- result
	}()

	<-evaluator.started
	cancel()
	result := <-done

	assert.Equal(t, 1, result.Resolved)
	claim, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, claim.Status)

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRun_WaitsForStoreThenPolls(t *testing.T) {
	broken := &brokenStore{SQLiteStore: newStore(t)}
	cfg := domain.ProcessorConfig{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		StartupBackoff:    time.Millisecond,
		MaxStartupBackoff: 2 * time.Millisecond,
	}
	p := New(broken, &fixedEvaluator{decision: approve()}, nil, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, int32(3), broken.pings.Load())
}
