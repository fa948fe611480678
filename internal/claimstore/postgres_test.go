package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claims-adjudication-server/internal/database/dbtest"
	"github.com/claims-adjudication-server/internal/domain"
)

var lockQuery = regexp.QuoteMeta(`SELECT status FROM claims WHERE encounter_token = $1 FOR UPDATE`)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStore(db, quietLogger())
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_ResolveRollsBackOnUpdateFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs("enc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery(`UPDATE claims SET`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), "enc-1", domain.Decision{Status: domain.StatusApproved, Payout: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveRefusesDecidedClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs("enc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), "enc-1", domain.Decision{Status: domain.StatusRejected})
	assert.True(t, errors.Is(err, domain.ErrNotPending))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveMissingClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), "ghost", domain.Decision{Status: domain.StatusFlagged})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveCommits(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	decided := created.Add(time.Hour)
	store.now = func() time.Time { return decided }

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs("enc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery(`UPDATE claims SET`).
		WithArgs("enc-1", "approved", 42.5, `["ok"]`, 0.0, domain.DecidedByRuleEngine, decided).
		WillReturnRows(sqlmock.NewRows([]string{
			"encounter_token", "user_id", "diagnosis_code", "drugs", "procedures", "lab_tests",
			"status", "payout", "reasons", "flagged_excess", "decided_by", "created_at", "decided_at",
		}).AddRow(
			"enc-1", "user-1", "A09", []byte(`[]`), []byte(`[]`), []byte(`[]`),
			"approved", []byte("42.50"), []byte(`["ok"]`), nil, domain.DecidedByRuleEngine, created, decided,
		))
	mock.ExpectCommit()

	c, err := store.Resolve(context.Background(), "enc-1", domain.Decision{
		Status:    domain.StatusApproved,
		Payout:    42.5,
		Reasons:   []string{"ok"},
		DecidedBy: domain.DecidedByRuleEngine,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, c.Status)
	require.NotNil(t, c.Payout)
	assert.Equal(t, 42.5, *c.Payout)
	assert.Nil(t, c.FlaggedExcess)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO claims`).WillReturnError(&pq.Error{Code: pgUniqueViolation})

	err := store.Insert(context.Background(), newClaim("enc-1", time.Now()))
	assert.True(t, errors.Is(err, domain.ErrDuplicateClaim))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Integration(t *testing.T) {
	cfg := dbtest.StartPostgres(t)

	store, err := NewPostgresStoreFromURL(cfg.URL(), domain.DatabaseConfig{MaxOpenConns: 5, MaxIdleConns: 2}, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, newClaim("b", base.Add(time.Minute))))
	require.NoError(t, store.Insert(ctx, newClaim("a", base)))
	assert.True(t, errors.Is(store.Insert(ctx, newClaim("a", base)), domain.ErrDuplicateClaim))

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].EncounterToken)

	resolved, err := store.Resolve(ctx, "a", domain.Decision{
		Status:        domain.StatusFlagged,
		Reasons:       []string{"review"},
		FlaggedExcess: 3.333,
		DecidedBy:     domain.DecidedByFallback,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlagged, resolved.Status)
	require.NotNil(t, resolved.FlaggedExcess)
	assert.Equal(t, 3.33, *resolved.FlaggedExcess)

	_, err = store.Resolve(ctx, "a", domain.Decision{Status: domain.StatusApproved})
	assert.True(t, errors.Is(err, domain.ErrNotPending))

	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "ORS", got.Drugs[0].Code)
}
