package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avolve/avolve-billing/pkg/entitlements"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxConn is the subset of *pgxpool.Pool the Postgres store needs.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore provides profile persistence backed by the hosted Postgres
// database.
type PostgresStore struct {
	db    PgxConn
	close func()
}

var _ ProfileStore = (*PostgresStore)(nil)

// NewPostgresPool initializes a pgx connection pool for databaseURL.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// OpenPostgresStore connects to databaseURL and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := NewPostgresPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := NewPostgresStore(pool, pool.Close)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection. closeFn may be nil.
func NewPostgresStore(db PgxConn, closeFn func()) *PostgresStore {
	return &PostgresStore{db: db, close: closeFn}
}

// InitSchema creates the profiles table when it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS profiles (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL DEFAULT '',
		tier                TEXT,
		billing_customer_id TEXT NOT NULL DEFAULT '',
		tier_event_id       TEXT NOT NULL DEFAULT '',
		tier_event_seq      BIGINT NOT NULL DEFAULT 0,
		tier_event_rank     INTEGER NOT NULL DEFAULT 0,
		subscription_id     TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	ALTER TABLE profiles ADD COLUMN IF NOT EXISTS tier_event_rank INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE profiles ADD COLUMN IF NOT EXISTS subscription_id TEXT NOT NULL DEFAULT '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_billing_customer_id
		ON profiles(billing_customer_id) WHERE billing_customer_id <> '';
	`)
	if err != nil {
		return fmt.Errorf("init profile schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.close != nil {
		s.close()
	}
	return nil
}

// Create inserts a new profile record.
func (s *PostgresStore) Create(ctx context.Context, p *Profile) error {
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

	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Email, nullableTier(p.Tier), p.BillingCustomerID,
		p.TierEventID, p.TierEventSeq, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create profile %s: %w", p.ID, ErrProfileExists)
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by ID. A missing profile returns nil, nil.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	return scanPgProfile(row)
}

// GetByBillingCustomerID retrieves a profile by billing customer ID.
func (s *PostgresStore) GetByBillingCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE billing_customer_id = $1`, customerID)
	return scanPgProfile(row)
}

// LinkBillingCustomer sets billing_customer_id if it is still empty and
// returns whichever id is linked afterwards.
func (s *PostgresStore) LinkBillingCustomer(ctx context.Context, profileID, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", fmt.Errorf("billing customer id is required")
	}
	var linked string
	err := s.db.QueryRow(ctx, `
		WITH upd AS (
			UPDATE profiles SET billing_customer_id = $2, updated_at = now()
			WHERE id = $1 AND billing_customer_id = ''
			RETURNING billing_customer_id
		)
		SELECT billing_customer_id FROM upd
		UNION ALL
		SELECT billing_customer_id FROM profiles WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM upd)`,
		profileID, customerID,
	).Scan(&linked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("link billing customer %s: %w", customerID, ErrCustomerInUse)
		}
		return "", fmt.Errorf("link billing customer: %w", err)
	}
	return linked, nil
}

// ApplyTierEvent locks the customer's row, runs the ordering guard and
// writes the new tier in one transaction.
func (s *PostgresStore) ApplyTierEvent(ctx context.Context, ev TierEvent) (ApplyResult, error) {
	result := ApplyResult{Outcome: OutcomeNotFound, Tier: ev.Tier}
	if strings.TrimSpace(ev.CustomerID) == "" {
		return result, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin apply tier: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		tier *string
		last appliedEvent
	)
	err = tx.QueryRow(ctx, `
		SELECT id, email, tier, tier_event_id, tier_event_seq, tier_event_rank, subscription_id
		FROM profiles WHERE billing_customer_id = $1
		FOR UPDATE`, ev.CustomerID,
	).Scan(&result.ProfileID, &result.Email, &tier, &last.ID, &last.Sequence, &last.Precedence, &last.SubscriptionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("load profile for tier event: %w", err)
	}
	if tier != nil {
		result.PreviousTier = entitlements.Tier(*tier)
	}

	result.Outcome = decideTierEvent(last, ev)
	if result.Outcome != OutcomeApplied {
		return result, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE profiles SET tier = $2, tier_event_id = $3, tier_event_seq = $4, tier_event_rank = $5,
			subscription_id = $6, updated_at = now()
		WHERE id = $1`,
		result.ProfileID, nullableTier(ev.Tier), ev.ID, ev.Sequence, ev.Precedence, nextSubscription(last, ev),
	); err != nil {
		return result, fmt.Errorf("apply tier event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit tier event: %w", err)
	}
	return result, nil
}

// CountByTier returns a map of tier -> profile count.
func (s *PostgresStore) CountByTier(ctx context.Context) (map[entitlements.Tier]int, error) {
	rows, err := s.db.Query(ctx, `SELECT COALESCE(tier, ''), COUNT(*) FROM profiles GROUP BY 1`)
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

func scanPgProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var tier *string

	err := row.Scan(
		&p.ID, &p.Email, &tier, &p.BillingCustomerID,
		&p.TierEventID, &p.TierEventSeq, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if tier != nil {
		p.Tier = entitlements.Tier(*tier)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
