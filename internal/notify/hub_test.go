package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// fakeConn records what it was sent.
type fakeConn struct {
	id   string
	err  error
	mu   sync.Mutex
	sent []domain.Counters
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	if f.err != nil {
		return f.err
	}
	var c domain.Counters
	if err := json.Unmarshal(msg, &c); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) last() domain.Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return domain.Counters{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestHub_NotifyResetAndLateJoiner(t *testing.T) {
	hub := NewHub(true, testLogger())
	ctx := context.Background()
	first, second := newFakeConn("c1"), newFakeConn("c2")

	assert.Equal(t, domain.Counters{}, hub.Connect("u1", first))
	hub.Connect("u1", second)

	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusApproved))
	want := domain.Counters{Approved: 1}
	assert.Equal(t, want, first.last())
	assert.Equal(t, want, second.last())

	third := newFakeConn("c3")
	assert.Equal(t, want, hub.Connect("u1", third))
	assert.Equal(t, want, third.last(), "joiner receives the current snapshot")

	require.NoError(t, hub.Reset("u1", domain.StatusApproved))
	for _, c := range []*fakeConn{first, second, third} {
		assert.Equal(t, domain.Counters{}, c.last())
	}
}

func TestHub_ResolvedClaimConsumesPending(t *testing.T) {
	hub := NewHub(true, testLogger())
	ctx := context.Background()
	conn := newFakeConn("c1")
	hub.Connect("u1", conn)

	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusPending))
	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusPending))
	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusRejected))
	assert.Equal(t, domain.Counters{Pending: 1, Rejected: 1}, conn.last())

	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusFlagged))
	require.NoError(t, hub.Notify(ctx, "u1", domain.StatusFlagged))
	assert.Equal(t, domain.Counters{Pending: 0, Rejected: 1, Flagged: 2}, conn.last(), "pending never goes negative")
}

func TestHub_FailingConnDoesNotBlockOthers(t *testing.T) {
	hub := NewHub(true, testLogger())
	slow := newFakeConn("slow")
	slow.err = ErrSlowConsumer
	healthy := newFakeConn("healthy")
	hub.Connect("u1", slow)
	hub.Connect("u1", healthy)

	require.NoError(t, hub.Notify(context.Background(), "u1", domain.StatusApproved))
	assert.Equal(t, domain.Counters{Approved: 1}, healthy.last())
}

func TestHub_RejectsUnknownStatus(t *testing.T) {
	hub := NewHub(true, testLogger())
	assert.ErrorIs(t, hub.Notify(context.Background(), "u1", "paid"), domain.ErrInvalidStatus)
	assert.ErrorIs(t, hub.Reset("u1", "paid"), domain.ErrInvalidStatus)
}

func TestHub_CounterRetentionPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("retained", func(t *testing.T) {
		hub := NewHub(true, testLogger())
		conn := newFakeConn("c1")
		hub.Connect("u1", conn)
		require.NoError(t, hub.Notify(ctx, "u1", domain.StatusApproved))
		hub.Disconnect("u1", conn)

		assert.Zero(t, hub.ConnectionCount("u1"))
		assert.Equal(t, domain.Counters{Approved: 1}, hub.Connect("u1", newFakeConn("c2")))
	})

	t.Run("disposed", func(t *testing.T) {
		hub := NewHub(false, testLogger())
		a, b := newFakeConn("a"), newFakeConn("b")
		hub.Connect("u1", a)
		hub.Connect("u1", b)
		require.NoError(t, hub.Notify(ctx, "u1", domain.StatusApproved))

		hub.Disconnect("u1", a)
		snapshot, ok := hub.Snapshot("u1")
		require.True(t, ok, "entry survives while a connection remains")
		assert.Equal(t, 1, snapshot.Approved)

		hub.Disconnect("u1", b)
		_, ok = hub.Snapshot("u1")
		assert.False(t, ok)
		assert.Equal(t, domain.Counters{}, hub.Connect("u1", newFakeConn("c")))
	})
}

func TestHub_UsersAreIsolated(t *testing.T) {
	hub := NewHub(true, testLogger())
	ctx := context.Background()
	const perUser = 200

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		hub.Connect(user, newFakeConn(user))
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				status := domain.StatusApproved
				if user == "u2" {
					status = domain.StatusRejected
				}
				assert.NoError(t, hub.Notify(ctx, user, status))
			}
		}(user)
	}
	wg.Wait()

	u1, _ := hub.Snapshot("u1")
	u2, _ := hub.Snapshot("u2")
	assert.Equal(t, domain.Counters{Approved: perUser}, u1)
	assert.Equal(t, domain.Counters{Rejected: perUser}, u2)
}

func TestHub_ConcurrentConnectDisconnect(t *testing.T) {
	hub := NewHub(false, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			hub.Connect("u1", conn)
			assert.NoError(t, hub.Notify(ctx, "u1", domain.StatusPending))
			hub.Disconnect("u1", conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, HubStats{}, hub.Stats())
}
