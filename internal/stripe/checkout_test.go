package stripe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/avolve/avolve-billing/internal/auth"
	apperrors "github.com/avolve/avolve-billing/internal/errors"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/avolve/avolve-billing/pkg/entitlements"
	stripelib "github.com/stripe/stripe-go/v82"
)

func newTestStore(t *testing.T) *registry.SQLiteStore {
	t.Helper()
	store, err := registry.NewSQLiteStore(t.TempDir() + "/profiles.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPrices() entitlements.PriceTable {
	p := entitlements.PriceTable{}
	p.Set(entitlements.TierIndividualVIP, entitlements.IntervalMonth, "price_vip_m")
	p.Set(entitlements.TierIndividualVIP, entitlements.IntervalYear, "price_vip_y")
	p.Set(entitlements.TierCollectivePro, entitlements.IntervalMonth, "price_pro_m")
	p.Set(entitlements.TierCollectivePro, entitlements.IntervalYear, "price_pro_y")
	p.Set(entitlements.TierEcosystemCEO, entitlements.IntervalMonth, "price_ceo_m")
	p.Set(entitlements.TierEcosystemCEO, entitlements.IntervalYear, "price_ceo_y")
	return p
}

type fakeStripe struct {
	customerCalls []*stripelib.CustomerParams
	sessionCalls  []*stripelib.CheckoutSessionParams
	customerID    string
	customerErr   error
	sessionErr    error
	onCustomer    func()
}

func (f *fakeStripe) createCustomer(params *stripelib.CustomerParams) (*stripelib.Customer, error) {
	f.customerCalls = append(f.customerCalls, params)
	if f.onCustomer != nil {
		f.onCustomer()
	}
	if f.customerErr != nil {
		return nil, f.customerErr
	}
	id := f.customerID
	if id == "" {
		id = "cus_test123"
	}
	return &stripelib.Customer{ID: id}, nil
}

func (f *fakeStripe) createSession(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
	f.sessionCalls = append(f.sessionCalls, params)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &stripelib.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func newTestCheckout(t *testing.T, store registry.ProfileStore, fake *fakeStripe) *Checkout {
	t.Helper()
	c := NewCheckout(store, testPrices(), "https://app.avolve.io/")
	c.createCustomer = fake.createCustomer
	c.createCheckoutSession = fake.createSession
	return c
}

func createProfile(t *testing.T, store registry.ProfileStore, id string) {
	t.Helper()
	if err := store.Create(context.Background(), &registry.Profile{ID: id, Email: id + "@example.com"}); err != nil {
		t.Fatalf("Create profile: %v", err)
	}
}

var testUser = &auth.User{ID: "user-1", Email: "user-1@example.com"}

func TestCreateSessionNewUserCreatesOneCustomerAndOneSession(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)

	session, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.RedirectURL == "" {
		t.Fatal("expected non-empty redirect URL")
	}
	if len(fake.customerCalls) != 1 || len(fake.sessionCalls) != 1 {
		t.Fatalf("customer calls=%d session calls=%d, want 1 and 1", len(fake.customerCalls), len(fake.sessionCalls))
	}

	cust := fake.customerCalls[0]
	if cust.Metadata[MetadataUserID] != "user-1" {
		t.Fatalf("customer metadata = %v", cust.Metadata)
	}
	if cust.IdempotencyKey == nil || *cust.IdempotencyKey != "avolve-customer-user-1" {
		t.Fatalf("customer idempotency key = %v", cust.IdempotencyKey)
	}

	params := fake.sessionCalls[0]
	if got := stripelib.StringValue(params.Customer); got != "cus_test123" {
		t.Fatalf("session customer = %q", got)
	}
	if got := stripelib.StringValue(params.LineItems[0].Price); got != "price_vip_m" {
		t.Fatalf("session price = %q", got)
	}
	for _, meta := range []map[string]string{params.Metadata, params.SubscriptionData.Metadata} {
		if meta[MetadataUserID] != "user-1" || meta[MetadataTier] != "individual_vip" || meta[MetadataInterval] != "month" {
			t.Fatalf("session metadata = %v", meta)
		}
	}
	if !strings.HasPrefix(stripelib.StringValue(params.SuccessURL), "https://app.avolve.io/billing/success") {
		t.Fatalf("success url = %q", stripelib.StringValue(params.SuccessURL))
	}

	profile, _ := store.Get(context.Background(), "user-1")
	if profile.BillingCustomerID != "cus_test123" {
		t.Fatalf("profile customer = %q", profile.BillingCustomerID)
	}
}

func TestCreateSessionTwiceReusesCustomer(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)

	for i := 0; i < 2; i++ {
		if _, err := c.CreateSession(context.Background(), testUser, "collective_pro", "year"); err != nil {
			t.Fatalf("CreateSession #%d: %v", i+1, err)
		}
	}
	if len(fake.customerCalls) != 1 {
		t.Fatalf("customer calls = %d, want 1", len(fake.customerCalls))
	}
	if len(fake.sessionCalls) != 2 {
		t.Fatalf("session calls = %d, want 2", len(fake.sessionCalls))
	}
}

func TestCreateSessionValidation(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)

	tests := []struct {
		name, tier, interval string
	}{
		{"missing tier", "", "month"},
		{"missing interval", "individual_vip", ""},
		{"unknown tier", "platinum", "month"},
		{"free tier", "free", "month"},
		{"unknown interval", "individual_vip", "weekly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateSession(context.Background(), testUser, tt.tier, tt.interval)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(fake.customerCalls) != 0 || len(fake.sessionCalls) != 0 {
		t.Fatalf("validation failures reached Stripe: %d customers, %d sessions", len(fake.customerCalls), len(fake.sessionCalls))
	}
}

func TestCreateSessionMissingPriceIsConfigurationError(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)
	delete(c.prices[entitlements.TierEcosystemCEO], entitlements.IntervalYear)

	_, err := c.CreateSession(context.Background(), testUser, "ecosystem_ceo", "year")
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if errors.Is(err, apperrors.ErrValidation) {
		t.Fatal("configuration defect must not be reported as validation")
	}
	if apperrors.IsRetryable(err) {
		t.Fatal("configuration errors are not retryable")
	}
	if len(fake.customerCalls) != 0 {
		t.Fatal("customer created for an unpriced tier")
	}
}

func TestCreateSessionUpstreamFailureKeepsCustomer(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{sessionErr: errors.New("stripe: 503 service unavailable")}
	c := newTestCheckout(t, store, fake)

	_, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month")
	if !errors.Is(err, apperrors.ErrUpstream) || !apperrors.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrUpstream", err)
	}

	profile, _ := store.Get(context.Background(), "user-1")
	if profile.BillingCustomerID != "cus_test123" {
		t.Fatalf("customer link rolled back: %q", profile.BillingCustomerID)
	}

	fake.sessionErr = nil
	if _, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fake.customerCalls) != 1 {
		t.Fatalf("retry created another customer: %d calls", len(fake.customerCalls))
	}
}

func TestCreateSessionCustomerFailureIsUpstream(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{customerErr: errors.New("connection reset")}
	c := newTestCheckout(t, store, fake)

	_, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month")
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if len(fake.sessionCalls) != 0 {
		t.Fatal("session created without a customer")
	}
}

func TestCreateSessionRejectedPriceIsConfigurationError(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{sessionErr: &stripelib.Error{
		Type:  stripelib.ErrorTypeInvalidRequest,
		Param: "line_items[0][price]",
		Msg:   "No such price: 'price_vip_m'",
	}}
	c := newTestCheckout(t, store, fake)

	_, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month")
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestCreateSessionConcurrentLinkAdoptsWinner(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	fake := &fakeStripe{customerID: "cus_loser"}
	fake.onCustomer = func() {
		// A concurrent checkout links its customer while ours is being created.
		if _, err := store.LinkBillingCustomer(context.Background(), "user-1", "cus_winner"); err != nil {
			t.Errorf("concurrent link: %v", err)
		}
	}
	c := newTestCheckout(t, store, fake)

	if _, err := c.CreateSession(context.Background(), testUser, "individual_vip", "month"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got := stripelib.StringValue(fake.sessionCalls[0].Customer); got != "cus_winner" {
		t.Fatalf("session customer = %q, want the already linked cus_winner", got)
	}
	profile, _ := store.Get(context.Background(), "user-1")
	if profile.BillingCustomerID != "cus_winner" {
		t.Fatalf("profile customer = %q", profile.BillingCustomerID)
	}
}

func TestCreateSessionRejectsSubscribedUser(t *testing.T) {
	store := newTestStore(t)
	createProfile(t, store, "user-1")
	if _, err := store.LinkBillingCustomer(context.Background(), "user-1", "cus_1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := store.ApplyTierEvent(context.Background(), registry.TierEvent{
		ID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_vip", Tier: entitlements.TierIndividualVIP, Sequence: 1,
	}); err != nil {
		t.Fatalf("ApplyTierEvent: %v", err)
	}
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)

	_, err := c.CreateSession(context.Background(), testUser, "collective_pro", "month")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(apperrors.PublicMessage(err), "/billing/portal") {
		t.Fatalf("message = %q, want portal pointer", apperrors.PublicMessage(err))
	}
	if len(fake.customerCalls) != 0 || len(fake.sessionCalls) != 0 {
		t.Fatalf("stripe called: customers=%d sessions=%d", len(fake.customerCalls), len(fake.sessionCalls))
	}
}

func TestCreateSessionMissingProfile(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeStripe{}
	c := newTestCheckout(t, store, fake)

	_, err := c.CreateSession(context.Background(), &auth.User{ID: "ghost"}, "individual_vip", "month")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(fake.customerCalls) != 0 {
		t.Fatal("customer created for missing profile")
	}
}

func TestCreateSessionRequiresUser(t *testing.T) {
	c := newTestCheckout(t, newTestStore(t), &fakeStripe{})
	_, err := c.CreateSession(context.Background(), nil, "individual_vip", "month")
	if !errors.Is(err, apperrors.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}
