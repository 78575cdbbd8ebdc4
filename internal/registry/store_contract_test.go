package registry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/avolve/avolve-billing/pkg/entitlements"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir() + "/profiles.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ProfileStore { return newTestSQLiteStore(t) })
}

// Set AVOLVE_TEST_DATABASE_URL to an empty scratch database to run the
// contract against Postgres.
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("AVOLVE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AVOLVE_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) ProfileStore {
		ctx := context.Background()
		store, err := OpenPostgresStore(ctx, dsn)
		if err != nil {
			t.Fatalf("OpenPostgresStore: %v", err)
		}
		if _, err := store.db.Exec(ctx, `TRUNCATE profiles`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func runStoreContract(t *testing.T, open func(t *testing.T) ProfileStore) {
	t.Run("create and get", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if err := store.Create(ctx, &Profile{ID: "user-1", Email: "a@example.com"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		p, err := store.Get(ctx, "user-1")
		if err != nil || p == nil {
			t.Fatalf("Get = (%v, %v)", p, err)
		}
		if p.Tier != entitlements.TierNone || p.BillingCustomerID != "" || p.Email != "a@example.com" {
			t.Fatalf("unexpected profile %+v", p)
		}

		missing, err := store.Get(ctx, "nobody")
		if err != nil || missing != nil {
			t.Fatalf("Get missing = (%v, %v), want nil, nil", missing, err)
		}
		byCustomer, err := store.GetByBillingCustomerID(ctx, "")
		if err != nil || byCustomer != nil {
			t.Fatalf("empty customer lookup = (%v, %v)", byCustomer, err)
		}
	})

	t.Run("link billing customer once", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")

		linked, err := store.LinkBillingCustomer(ctx, "user-1", "cus_first")
		if err != nil || linked != "cus_first" {
			t.Fatalf("first link = (%q, %v)", linked, err)
		}
		linked, err = store.LinkBillingCustomer(ctx, "user-1", "cus_second")
		if err != nil || linked != "cus_first" {
			t.Fatalf("second link = (%q, %v), want existing cus_first", linked, err)
		}

		p, err := store.GetByBillingCustomerID(ctx, "cus_first")
		if err != nil || p == nil || p.ID != "user-1" {
			t.Fatalf("GetByBillingCustomerID = (%v, %v)", p, err)
		}

		if _, err := store.LinkBillingCustomer(ctx, "ghost", "cus_x"); !errors.Is(err, ErrProfileNotFound) {
			t.Fatalf("link missing profile err = %v", err)
		}
	})

	t.Run("customer id is unique", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustCreate(t, store, "user-2")
		mustLink(t, store, "user-1", "cus_shared")

		if _, err := store.LinkBillingCustomer(ctx, "user-2", "cus_shared"); !errors.Is(err, ErrCustomerInUse) {
			t.Fatalf("duplicate link err = %v, want ErrCustomerInUse", err)
		}
	})

	t.Run("tier events apply in sequence order", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		created := TierEvent{ID: "evt_1", CustomerID: "cus_1", Tier: entitlements.TierCollectivePro, Sequence: 1}
		cancelled := TierEvent{ID: "evt_2", CustomerID: "cus_1", Tier: entitlements.TierNone, Sequence: 2}

		res := mustApply(t, store, cancelled)
		if res.Outcome != OutcomeApplied {
			t.Fatalf("cancel outcome = %s", res.Outcome)
		}
		res = mustApply(t, store, created)
		if res.Outcome != OutcomeStale {
			t.Fatalf("late created outcome = %s, want stale", res.Outcome)
		}

		p, _ := store.Get(ctx, "user-1")
		if p.Tier != entitlements.TierNone {
			t.Fatalf("tier = %q, want none", p.Tier)
		}
		if p.TierEventSeq != 2 || p.TierEventID != "evt_2" {
			t.Fatalf("event marker = (%d, %q)", p.TierEventSeq, p.TierEventID)
		}
	})

	t.Run("in order events", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		res := mustApply(t, store, TierEvent{ID: "evt_1", CustomerID: "cus_1", Tier: entitlements.TierCollectivePro, Sequence: 1})
		if !res.Changed() || res.PreviousTier != entitlements.TierNone || res.ProfileID != "user-1" {
			t.Fatalf("first apply = %+v", res)
		}
		res = mustApply(t, store, TierEvent{ID: "evt_2", CustomerID: "cus_1", Tier: entitlements.TierNone, Sequence: 2})
		if !res.Changed() || res.PreviousTier != entitlements.TierCollectivePro {
			t.Fatalf("second apply = %+v", res)
		}
		p, _ := store.Get(ctx, "user-1")
		if p.Tier != entitlements.TierNone {
			t.Fatalf("tier = %q, want none", p.Tier)
		}
	})

	t.Run("redelivered event is a duplicate", func(t *testing.T) {
		store := open(t)
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		ev := TierEvent{ID: "evt_1", CustomerID: "cus_1", Tier: entitlements.TierIndividualVIP, Sequence: 5}
		mustApply(t, store, ev)
		if res := mustApply(t, store, ev); res.Outcome != OutcomeDuplicate || res.Changed() {
			t.Fatalf("redelivery = %+v", res)
		}
	})

	t.Run("same second events resolve by lifecycle order", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		updated := TierEvent{ID: "evt_upd", CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: entitlements.TierCollectivePro, Sequence: 100, Precedence: 2}
		created := TierEvent{ID: "evt_new", CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: entitlements.TierNone, Sequence: 100, Precedence: 1}
		deleted := TierEvent{ID: "evt_del", CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: entitlements.TierNone, Sequence: 100, Precedence: 3}

		mustApply(t, store, updated)
		if res := mustApply(t, store, created); res.Outcome != OutcomeStale {
			t.Fatalf("late created outcome = %s, want stale", res.Outcome)
		}
		p, _ := store.Get(ctx, "user-1")
		if p.Tier != entitlements.TierCollectivePro {
			t.Fatalf("tier = %q, want collective_pro", p.Tier)
		}

		if res := mustApply(t, store, deleted); res.Outcome != OutcomeApplied {
			t.Fatalf("deleted outcome = %s, want applied", res.Outcome)
		}
		if res := mustApply(t, store, updated); res.Outcome != OutcomeStale {
			t.Fatalf("late updated outcome = %s, want stale", res.Outcome)
		}
		p, _ = store.Get(ctx, "user-1")
		if p.Tier != entitlements.TierNone {
			t.Fatalf("tier = %q, want none", p.Tier)
		}
	})

	t.Run("cancelling a replaced subscription keeps the tier", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		mustApply(t, store, TierEvent{ID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_vip", Tier: entitlements.TierIndividualVIP, Sequence: 1, Precedence: 1})
		mustApply(t, store, TierEvent{ID: "evt_2", CustomerID: "cus_1", SubscriptionID: "sub_pro", Tier: entitlements.TierCollectivePro, Sequence: 2, Precedence: 1})
		res := mustApply(t, store, TierEvent{ID: "evt_3", CustomerID: "cus_1", SubscriptionID: "sub_vip", Tier: entitlements.TierNone, Sequence: 3, Precedence: 3})
		if res.Outcome != OutcomeSuperseded || res.Changed() {
			t.Fatalf("old subscription cancel = %+v, want superseded", res)
		}
		p, _ := store.Get(ctx, "user-1")
		if p.Tier != entitlements.TierCollectivePro {
			t.Fatalf("tier = %q, want collective_pro", p.Tier)
		}

		res = mustApply(t, store, TierEvent{ID: "evt_4", CustomerID: "cus_1", SubscriptionID: "sub_pro", Tier: entitlements.TierNone, Sequence: 4, Precedence: 3})
		if res.Outcome != OutcomeApplied || !res.Changed() {
			t.Fatalf("current subscription cancel = %+v", res)
		}
	})

	t.Run("create rejects a taken id", func(t *testing.T) {
		store := open(t)
		mustCreate(t, store, "user-1")
		err := store.Create(context.Background(), &Profile{ID: "user-1", Email: "other@example.com"})
		if !errors.Is(err, ErrProfileExists) {
			t.Fatalf("duplicate Create err = %v, want ErrProfileExists", err)
		}
	})

	t.Run("unknown customer is not created", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		res := mustApply(t, store, TierEvent{ID: "evt_1", CustomerID: "cus_ghost", Tier: entitlements.TierEcosystemCEO, Sequence: 1})
		if res.Outcome != OutcomeNotFound {
			t.Fatalf("outcome = %s, want not_found", res.Outcome)
		}
		counts, err := store.CountByTier(ctx)
		if err != nil {
			t.Fatalf("CountByTier: %v", err)
		}
		if len(counts) != 0 {
			t.Fatalf("profiles created from webhook: %v", counts)
		}
	})

	t.Run("count by tier", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustCreate(t, store, "user-2")
		mustLink(t, store, "user-2", "cus_2")
		mustApply(t, store, TierEvent{ID: "evt_1", CustomerID: "cus_2", Tier: entitlements.TierCollectivePro, Sequence: 1})

		counts, err := store.CountByTier(ctx)
		if err != nil {
			t.Fatalf("CountByTier: %v", err)
		}
		if counts[entitlements.TierNone] != 1 || counts[entitlements.TierCollectivePro] != 1 {
			t.Fatalf("counts = %v", counts)
		}
		if err := store.Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})

	t.Run("concurrent events leave the newest tier", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustCreate(t, store, "user-1")
		mustLink(t, store, "user-1", "cus_1")

		tiers := []entitlements.Tier{
			entitlements.TierIndividualVIP,
			entitlements.TierCollectivePro,
			entitlements.TierEcosystemCEO,
			entitlements.TierNone,
		}
		var wg sync.WaitGroup
		for i := len(tiers) - 1; i >= 0; i-- {
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				_, _ = store.ApplyTierEvent(ctx, TierEvent{
					ID:         "evt_" + string(rune('a'+seq)),
					CustomerID: "cus_1",
					Tier:       tiers[seq],
					Sequence:   int64(seq + 1),
				})
			}(i)
		}
		wg.Wait()

		p, _ := store.Get(ctx, "user-1")
		if p.TierEventSeq != int64(len(tiers)) || p.Tier != entitlements.TierNone {
			t.Fatalf("final profile = %+v, want newest event applied", p)
		}
	})
}

func mustCreate(t *testing.T, store ProfileStore, id string) {
	t.Helper()
	if err := store.Create(context.Background(), &Profile{ID: id, Email: id + "@example.com"}); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func mustLink(t *testing.T, store ProfileStore, id, customerID string) {
	t.Helper()
	if _, err := store.LinkBillingCustomer(context.Background(), id, customerID); err != nil {
		t.Fatalf("LinkBillingCustomer(%s): %v", id, err)
	}
}

func mustApply(t *testing.T, store ProfileStore, ev TierEvent) ApplyResult {
	t.Helper()
	res, err := store.ApplyTierEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ApplyTierEvent(%s): %v", ev.ID, err)
	}
	return res
}

func TestDecideTierEvent(t *testing.T) {
	tests := []struct {
		name string
		last appliedEvent
		ev   TierEvent
		want ApplyOutcome
	}{
		{"first event", appliedEvent{}, TierEvent{ID: "evt_1", Sequence: 10}, OutcomeApplied},
		{"newer event", appliedEvent{ID: "evt_1", Sequence: 10}, TierEvent{ID: "evt_2", Sequence: 11}, OutcomeApplied},
		{"same second same kind", appliedEvent{ID: "evt_1", Sequence: 10, Precedence: 2}, TierEvent{ID: "evt_2", Sequence: 10, Precedence: 2}, OutcomeApplied},
		{"same second later kind", appliedEvent{ID: "evt_1", Sequence: 10, Precedence: 1}, TierEvent{ID: "evt_2", Sequence: 10, Precedence: 3}, OutcomeApplied},
		{"same second earlier kind", appliedEvent{ID: "evt_1", Sequence: 10, Precedence: 2}, TierEvent{ID: "evt_2", Sequence: 10, Precedence: 1}, OutcomeStale},
		{"older event", appliedEvent{ID: "evt_1", Sequence: 10}, TierEvent{ID: "evt_0", Sequence: 9, Precedence: 3}, OutcomeStale},
		{"same event", appliedEvent{ID: "evt_1", Sequence: 10}, TierEvent{ID: "evt_1", Sequence: 10}, OutcomeDuplicate},
		{
			"revoke of replaced subscription",
			appliedEvent{ID: "evt_1", Sequence: 10, SubscriptionID: "sub_new"},
			TierEvent{ID: "evt_2", Sequence: 11, SubscriptionID: "sub_old", Tier: entitlements.TierNone},
			OutcomeSuperseded,
		},
		{
			"grant from new subscription",
			appliedEvent{ID: "evt_1", Sequence: 10, SubscriptionID: "sub_old"},
			TierEvent{ID: "evt_2", Sequence: 11, SubscriptionID: "sub_new", Tier: entitlements.TierEcosystemCEO},
			OutcomeApplied,
		},
		{
			"revoke without subscription id",
			appliedEvent{ID: "evt_1", Sequence: 10, SubscriptionID: "sub_1"},
			TierEvent{ID: "evt_2", Sequence: 11, Tier: entitlements.TierNone},
			OutcomeApplied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decideTierEvent(tt.last, tt.ev); got != tt.want {
				t.Fatalf("decideTierEvent = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSQLiteStoreUpgradesOldSchema(t *testing.T) {
	path := t.TempDir() + "/profiles.db"
	old, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	for _, stmt := range []string{
		`DROP TABLE profiles`,
		`CREATE TABLE profiles (
			id TEXT PRIMARY KEY, email TEXT NOT NULL DEFAULT '', tier TEXT,
			billing_customer_id TEXT NOT NULL DEFAULT '', tier_event_id TEXT NOT NULL DEFAULT '',
			tier_event_seq INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`,
		`INSERT INTO profiles (id, billing_customer_id, created_at, updated_at) VALUES ('user-1', 'cus_1', 0, 0)`,
	} {
		if _, err := old.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed old schema: %v", err)
		}
	}
	_ = old.Close()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	res := mustApply(t, store, TierEvent{ID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: entitlements.TierIndividualVIP, Sequence: 1, Precedence: 1})
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome after upgrade = %s", res.Outcome)
	}
}
