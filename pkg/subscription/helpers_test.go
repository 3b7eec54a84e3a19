package subscription_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

var (
	freePkg  = plans.Package{ID: uuid.New(), Name: "Free", IsFree: true, Currency: "USD"}
	starter  = plans.Package{ID: uuid.New(), Name: "Starter", Price: 1900, Currency: "USD"}
	pro      = plans.Package{ID: uuid.New(), Name: "Pro", Price: 4900, Currency: "USD"}
	business = plans.Package{ID: uuid.New(), Name: "Business", Price: 9900, Currency: "USD"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeInventory struct {
	mu     sync.Mutex
	offers []inventory.Offer
	bound  []string
}

func fullInventory() *fakeInventory {
	return &fakeInventory{offers: []inventory.Offer{
		{SubscriptionName: "Free", SubscriptionCode: "PKG-CL-OVS-00", Remaining: 100},
		{SubscriptionName: "Starter", SubscriptionCode: "PKG-CL-OVS-02", Remaining: 3},
		{SubscriptionName: "Pro", SubscriptionCode: "PKG-CL-OVS-03", Remaining: 5},
		{SubscriptionName: "Business", SubscriptionCode: "PKG-CL-OVS-04", Remaining: 2},
	}}
}

func (f *fakeInventory) setOffers(offers ...inventory.Offer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = offers
}

func (f *fakeInventory) FetchSummary(context.Context, string, bool) ([]inventory.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inventory.Offer(nil), f.offers...), nil
}

func (f *fakeInventory) Match(offers []inventory.Offer, plan string) (inventory.Offer, bool) {
	return inventory.DefaultAliases().Match(offers, plan)
}

func (f *fakeInventory) AddLicenseToTenant(_ context.Context, _, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, code)
	return nil
}

// fakeGateway builds URLs locally and reads webhook events as JSON.
// A body of "bad" fails the signature check.
type fakeGateway struct {
	name string
	now  func() time.Time

	mu          sync.Mutex
	checkoutErr error
	cancelErr   error
	cancelRes   gateway.CancelResult
	checkouts   []gateway.CheckoutRequest
	cancelled   []string
}

func newFakeGateway(name string, now func() time.Time) *fakeGateway {
	return &fakeGateway{name: name, now: now, cancelRes: gateway.CancelResult{AtPeriodEnd: true}}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) checkout(req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	g.checkouts = append(g.checkouts, req)
	q := url.Values{}
	q.Set("package", req.Package.Name)
	q.Set("order", req.OrderID.String())
	q.Set("token", req.Token)
	return &gateway.Checkout{URL: "https://pay.example.com/checkout?" + q.Encode()}, nil
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	return g.checkout(req)
}

func (g *fakeGateway) Upgrade(_ context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	return g.checkout(req)
}

func (g *fakeGateway) Downgrade(_ context.Context, req gateway.DowngradeRequest) (*gateway.DowngradePlan, error) {
	at, immediate := gateway.EffectiveDowngradeDate(req.CurrentLicense, g.now())
	plan := &gateway.DowngradePlan{EffectiveDate: at, Immediate: immediate, Note: "applies at period end"}
	if immediate {
		plan.Note = "current license expired, applies now"
	}
	if !req.Package.IsFree {
		co, err := g.checkout(req.CheckoutRequest)
		if err != nil {
			return nil, err
		}
		plan.Checkout = co
	}
	return plan, nil
}

func (g *fakeGateway) Cancel(_ context.Context, req gateway.CancelRequest) (*gateway.CancelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.cancelled = append(g.cancelled, req.SubscriptionID)
	res := g.cancelRes
	return &res, nil
}

func (g *fakeGateway) ParseWebhook(_ context.Context, req gateway.WebhookRequest) ([]gateway.Event, error) {
	if string(req.Body) == "bad" {
		return nil, gateway.ErrInvalidSignature
	}
	var events []gateway.Event
	if err := json.Unmarshal(req.Body, &events); err != nil {
		return nil, gateway.ErrInvalidSignature
	}
	return events, nil
}

func (g *fakeGateway) setCheckoutErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkoutErr = err
}

func (g *fakeGateway) setCancel(res gateway.CancelResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelRes = res
	g.cancelErr = err
}

func (g *fakeGateway) cancelledSubs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func (g *fakeGateway) lastCheckout() gateway.CheckoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkouts[len(g.checkouts)-1]
}

// verifyingGateway can confirm transactions by id.
type verifyingGateway struct {
	*fakeGateway
	verified map[string]gateway.Event
}

func (g *verifyingGateway) VerifyTransaction(_ context.Context, id string) (*gateway.Event, error) {
	ev, ok := g.verified[id]
	if !ok {
		return &gateway.Event{Kind: gateway.EventIgnored, Gateway: g.name, TransactionID: id}, nil
	}
	return &ev, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []subscription.ActivationAlert
}

func (a *fakeAlerter) ActivationPending(_ context.Context, alert subscription.ActivationAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type env struct {
	svc    subscription.Service
	store  *ledger.MemoryStore
	gw     *fakeGateway
	inv    *fakeInventory
	alerts *fakeAlerter
	clock  *clock
	user   *ledger.User
}

func newEnv(t *testing.T, extra ...gateway.Gateway) *env {
	t.Helper()
	return newEnvWith(t, nil, extra...)
}

func newEnvWith(t *testing.T, opts []subscription.ServiceOption, extra ...gateway.Gateway) *env {
	t.Helper()
	ctx := context.Background()

	clk := newClock()
	store := ledger.NewMemoryStore()
	store.SetClock(clk.now)

	catalog, err := plans.NewCatalog(ctx, plans.NewInMemSource(freePkg, starter, pro, business))
	require.NoError(t, err)

	gw := newFakeGateway("fake", clk.now)
	registry := gateway.NewRegistry(append([]gateway.Gateway{gw}, extra...)...)

	inv := fullInventory()
	alerts := &fakeAlerter{}
	svc := subscription.NewService(store, catalog, registry,
		activation.New(inv, activation.WithClock(clk.now)),
		append([]subscription.ServiceOption{
			subscription.WithClock(clk.now),
			subscription.WithAlerter(alerts),
		}, opts...)...,
	)

	user := &ledger.User{Email: "ada@example.com", Name: "Ada Lovelace", TenantID: "T1"}
	require.NoError(t, store.CreateUser(ctx, user))

	return &env{svc: svc, store: store, gw: gw, inv: inv, alerts: alerts, clock: clk, user: user}
}

func webhookBody(t *testing.T, events ...gateway.Event) gateway.WebhookRequest {
	t.Helper()
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	return gateway.WebhookRequest{Body: raw}
}

// purchase runs a checkout for pkg and completes it with a webhook.
func (e *env) purchase(t *testing.T, pkg, txn, sub string) *subscription.Result {
	t.Helper()
	ctx := context.Background()
	co, err := e.svc.CreateCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: pkg, Gateway: "fake"})
	require.NoError(t, err)

	results, err := e.svc.HandleWebhook(ctx, "fake", webhookBody(t, gateway.Event{
		Kind:           gateway.EventPaymentSucceeded,
		TransactionID:  txn,
		SubscriptionID: sub,
		PendingOrderID: co.OrderID.String(),
		UserID:         e.user.ID.String(),
	}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, subscription.ResultProcessed, results[0].Status)
	return &results[0]
}

func (e *env) orders(t *testing.T, types ...ledger.OrderType) []*ledger.Order {
	t.Helper()
	out, err := e.store.FindOrders(context.Background(), ledger.OrderFilter{UserID: e.user.ID, Types: types})
	require.NoError(t, err)
	return out
}

func (e *env) activeLicenses(t *testing.T) []*ledger.UserLicense {
	t.Helper()
	all, err := e.store.ListLicenses(context.Background(), e.user.ID)
	require.NoError(t, err)
	var active []*ledger.UserLicense
	for _, l := range all {
		if l.IsActive {
			active = append(active, l)
		}
	}
	return active
}

func (e *env) activeLicense(t *testing.T) *ledger.UserLicense {
	t.Helper()
	lic, err := e.store.GetActiveLicense(context.Background(), e.user.ID)
	require.NoError(t, err)
	return lic
}

func txn(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
}
