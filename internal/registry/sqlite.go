package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avolve/avolve-billing/pkg/entitlements"
	_ "modernc.org/sqlite"
)

// SQLiteStore provides profile persistence backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ ProfileStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the profile database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create profile store dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL DEFAULT '',
		tier                TEXT,
		billing_customer_id TEXT NOT NULL DEFAULT '',
		tier_event_id       TEXT NOT NULL DEFAULT '',
		tier_event_seq      INTEGER NOT NULL DEFAULT 0,
		tier_event_rank     INTEGER NOT NULL DEFAULT 0,
		subscription_id     TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_billing_customer_id
		ON profiles(billing_customer_id) WHERE billing_customer_id <> '';
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init profile schema: %w", err)
	}
	return s.addMissingColumns(map[string]string{
		"tier_event_rank": "INTEGER NOT NULL DEFAULT 0",
		"subscription_id": "TEXT NOT NULL DEFAULT ''",
	})
}

// addMissingColumns upgrades databases created before a column existed.
func (s *SQLiteStore) addMissingColumns(columns map[string]string) error {
	for name, decl := range columns {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('profiles') WHERE name = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("inspect profile schema: %w", err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec(`ALTER TABLE profiles ADD COLUMN ` + name + ` ` + decl); err != nil {
			return fmt.Errorf("add profile column %s: %w", name, err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const profileColumns = `id, email, tier, billing_customer_id, tier_event_id, tier_event_seq, created_at, updated_at`

// Create inserts a new profile record.
func (s *SQLiteStore) Create(ctx context.Context, p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Email, nullableTier(p.Tier), p.BillingCustomerID,
		p.TierEventID, p.TierEventSeq, p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create profile %s: %w", p.ID, ErrProfileExists)
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by ID. A missing profile returns nil, nil.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// GetByBillingCustomerID retrieves a profile by billing customer ID.
func (s *SQLiteStore) GetByBillingCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE billing_customer_id = ?`, customerID)
	return scanProfile(row)
}

// LinkBillingCustomer sets billing_customer_id if it is still empty.
func (s *SQLiteStore) LinkBillingCustomer(ctx context.Context, profileID, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", fmt.Errorf("billing customer id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET billing_customer_id = ?, updated_at = ?
		WHERE id = ? AND billing_customer_id = ''`,
		customerID, time.Now().UTC().Unix(), profileID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("link billing customer %s: %w", customerID, ErrCustomerInUse)
		}
		return "", fmt.Errorf("link billing customer: %w", err)
	}

	var linked string
	err = s.db.QueryRowContext(ctx, `SELECT billing_customer_id FROM profiles WHERE id = ?`, profileID).Scan(&linked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read linked billing customer: %w", err)
	}
	return linked, nil
}

// ApplyTierEvent applies ev to the profile owning ev.CustomerID unless it is
// stale or a duplicate. The check and the write share one transaction.
func (s *SQLiteStore) ApplyTierEvent(ctx context.Context, ev TierEvent) (ApplyResult, error) {
	result := ApplyResult{Outcome: OutcomeNotFound, Tier: ev.Tier}
	if strings.TrimSpace(ev.CustomerID) == "" {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin apply tier: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tier sql.NullString
		last appliedEvent
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, email, tier, tier_event_id, tier_event_seq, tier_event_rank, subscription_id
		FROM profiles WHERE billing_customer_id = ?`, ev.CustomerID,
	).Scan(&result.ProfileID, &result.Email, &tier, &last.ID, &last.Sequence, &last.Precedence, &last.SubscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("load profile for tier event: %w", err)
	}
	result.PreviousTier = entitlements.Tier(tier.String)

	result.Outcome = decideTierEvent(last, ev)
	if result.Outcome != OutcomeApplied {
		return result, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE profiles SET tier = ?, tier_event_id = ?, tier_event_seq = ?, tier_event_rank = ?,
			subscription_id = ?, updated_at = ?
		WHERE id = ?`,
		nullableTier(ev.Tier), ev.ID, ev.Sequence, ev.Precedence,
		nextSubscription(last, ev), time.Now().UTC().Unix(), result.ProfileID,
	); err != nil {
		return result, fmt.Errorf("apply tier event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit tier event: %w", err)
	}
	return result, nil
}

// CountByTier returns a map of tier -> profile count. Unset tiers count
// under TierNone.
func (s *SQLiteStore) CountByTier(ctx context.Context) (map[entitlements.Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(tier, ''), COUNT(*) FROM profiles GROUP BY COALESCE(tier, '')`)
	if err != nil {
		return nil, fmt.Errorf("count profiles by tier: %w", err)
	}
	defer rows.Close()

	counts := make(map[entitlements.Tier]int)
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[entitlements.Tier(tier)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (*Profile, error) {
	var p Profile
	var tier sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.ID, &p.Email, &tier, &p.BillingCustomerID,
		&p.TierEventID, &p.TierEventSeq, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p.Tier = entitlements.Tier(tier.String)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func nullableTier(t entitlements.Tier) any {
	if t == entitlements.TierNone {
		return nil
	}
	return string(t)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}
