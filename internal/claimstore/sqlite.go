package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/claims-adjudication-server/internal/domain"
)

const sqliteClaimColumns = `encounter_token, user_id, diagnosis_code, drugs, procedures, lab_tests,
	status, payout, reasons, flagged_excess, decided_by, created_at, decided_at`

// SQLiteStore implements domain.ClaimStore using SQLite. It also serves the
// formulary and verification records so a single node can run without Postgres.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite claim store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time; pragmas below then apply to the only connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		log:    logger,
		now:    time.Now,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS claims (
		encounter_token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		diagnosis_code TEXT NOT NULL,
		drugs TEXT NOT NULL DEFAULT '[]',
		procedures TEXT NOT NULL DEFAULT '[]',
		lab_tests TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		payout REAL,
		reasons TEXT NOT NULL DEFAULT '[]',
		flagged_excess REAL,
		decided_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		decided_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_claims_status_created ON claims(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_claims_user ON claims(user_id, created_at);

	CREATE TABLE IF NOT EXISTS diagnoses (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS treatments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		diagnosis_code TEXT NOT NULL REFERENCES diagnoses(code) ON DELETE CASCADE,
		drug_code TEXT NOT NULL,
		frequency INTEGER NOT NULL,
		max_duration INTEGER,
		unit_price REAL NOT NULL,
		min_age_months INTEGER,
		max_age_months INTEGER,
		prescribing_level TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_treatments_diagnosis ON treatments(diagnosis_code, id);

	CREATE TABLE IF NOT EXISTS verification_tokens (
		token TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL,
		date_of_birth TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func scanSQLiteClaim(s scanner) (*domain.Claim, error) {
	c := &domain.Claim{}
	var drugs, procedures, labTests, reasons string
	var status string
	var payout, excess sql.NullFloat64
	var createdAt int64
	var decidedAt sql.NullInt64

	err := s.Scan(
		&c.EncounterToken, &c.UserID, &c.DiagnosisCode,
		&drugs, &procedures, &labTests,
		&status, &payout, &reasons, &excess, &c.DecidedBy,
		&createdAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.ClaimStatus(status)
	c.Payout = nullFloat(payout)
	c.FlaggedExcess = nullFloat(excess)
	c.CreatedAt = fromUnixNano(createdAt)
	if decidedAt.Valid {
		t := fromUnixNano(decidedAt.Int64)
		c.DecidedAt = &t
	}
	if err := decodeClaimColumns(c, []byte(drugs), []byte(procedures), []byte(labTests), []byte(reasons)); err != nil {
		return nil, err
	}
	return c, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// Insert stores a new pending claim.
func (s *SQLiteStore) Insert(ctx context.Context, c *domain.Claim) error {
	li, err := encodeLineItems(c)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claims (
			encounter_token, user_id, diagnosis_code, drugs, procedures, lab_tests,
			status, reasons, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', '[]', ?)`,
		c.EncounterToken, c.UserID, c.DiagnosisCode,
		li.drugs, li.procedures, li.labTests, unixNano(c.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%s: %w", c.EncounterToken, domain.ErrDuplicateClaim)
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}

	c.Status = domain.StatusPending
	c.Payout = nil
	c.Reasons = []string{}
	return nil
}

// Get retrieves a claim by encounter token.
func (s *SQLiteStore) Get(ctx context.Context, encounterToken string) (*domain.Claim, error) {
	return s.get(ctx, s.db, encounterToken)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryRower, encounterToken string) (*domain.Claim, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteClaimColumns+` FROM claims WHERE encounter_token = ?`, encounterToken)

	c, err := scanSQLiteClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %q: %w", encounterToken, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	return c, nil
}

// ListByStatus returns claims matching the filter, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, f domain.ClaimFilter) ([]*domain.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteClaimColumns+`
		FROM claims
		WHERE (?1 = '' OR status = ?1) AND (?2 = '' OR user_id = ?2)
		ORDER BY created_at, encounter_token
		LIMIT ?3 OFFSET ?4`,
		string(f.Status), f.UserID, normalizeLimit(f.Limit), f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	return collectClaims(rows, scanSQLiteClaim)
}

// ListPending returns up to limit pending claims, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]*domain.Claim, error) {
	return s.ListByStatus(ctx, domain.ClaimFilter{Status: domain.StatusPending, Limit: limit})
}

// Resolve writes a terminal decision with a conditional update on status.
func (s *SQLiteStore) Resolve(ctx context.Context, encounterToken string, d domain.Decision) (*domain.Claim, error) {
	if !domain.StatusPending.CanTransitionTo(d.Status) {
		return nil, fmt.Errorf("%w: cannot resolve to %q", domain.ErrInvalidStatus, d.Status)
	}
	payout, reasons, excess, err := decisionColumns(d)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE claims SET
			status = ?,
			payout = ?,
			reasons = ?,
			flagged_excess = ?,
			decided_by = ?,
			decided_at = ?
		WHERE encounter_token = ? AND status = 'pending'`,
		string(d.Status), payout, reasons, excess, d.DecidedBy, unixNano(s.now()), encounterToken,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	c, err := s.get(ctx, tx, encounterToken)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("claim %q is %s: %w", encounterToken, c.Status, domain.ErrNotPending)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"encounter_token": encounterToken,
		"status":          c.Status,
	}).Debug("Claim resolved")
	return c, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
