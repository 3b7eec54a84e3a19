// Package gateway adapts payment providers to one contract: build checkout
// URLs behind shared preconditions, plan downgrades, cancel subscriptions and
// turn signed provider callbacks into canonical events.
package gateway

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

// Action is the purchase intent carried through checkout and back.
type Action string

const (
	ActionNew       Action = "new"
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
)

// ParseAction maps a raw value to an Action; anything unknown is ActionNew.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionUpgrade:
		return ActionUpgrade
	case ActionDowngrade:
		return ActionDowngrade
	default:
		return ActionNew
	}
}

// Gateway is one payment provider.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Upgrade(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	// Downgrade computes when a downgrade takes effect and, for paid
	// targets, the checkout that sets up billing for the lower plan. It never
	// touches the live license.
	Downgrade(ctx context.Context, req DowngradeRequest) (*DowngradePlan, error)
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	// ParseWebhook verifies the provider signature and returns the canonical
	// events in the payload (some providers batch). ErrInvalidSignature when
	// the payload cannot be trusted.
	ParseWebhook(ctx context.Context, req WebhookRequest) ([]Event, error)
}

// TransactionVerifier is implemented by providers whose API can confirm a
// transaction, which lets a success redirect complete an order on its own.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, transactionID string) (*Event, error)
}

// CheckoutRequest describes one checkout attempt.
type CheckoutRequest struct {
	User    *ledger.User
	Package plans.Package
	// OrderID is the id the pending order will get once the checkout exists.
	OrderID uuid.UUID
	// PreviousSubscriptionID is the provider subscription being replaced.
	PreviousSubscriptionID string
	// Token is the short-lived checkout token echoed back by the provider.
	Token string

	action Action
}

// Action returns the intent the checkout was built for.
func (r CheckoutRequest) Action() Action {
	return r.action
}

// Checkout is a provider checkout ready for redirect.
type Checkout struct {
	URL string
	// TransactionID is the provider transaction id when the provider issues
	// one at creation (Paddle); empty otherwise.
	TransactionID string
	SecureHash    string
	LicenseCode   string
	CustomData    map[string]string
}

// DowngradeRequest asks for a downgrade of the user's current license.
type DowngradeRequest struct {
	CheckoutRequest
	CurrentLicense *ledger.UserLicense
}

// DowngradePlan is the outcome of a downgrade request.
type DowngradePlan struct {
	EffectiveDate time.Time
	// Immediate is set when the current entitlement already expired.
	Immediate bool
	Note      string
	// Checkout is nil for free targets.
	Checkout *Checkout
}

// CancelRequest asks the provider to stop renewing a subscription.
type CancelRequest struct {
	User           *ledger.User
	SubscriptionID string
	Reason         string
}

// CancelResult reports what the provider did.
type CancelResult struct {
	// AlreadyCancelled is set when the provider no longer knew the subscription.
	AlreadyCancelled bool
	// AtPeriodEnd is set when access continues until the paid period ends.
	AtPeriodEnd bool
}

// WebhookRequest is the raw callback as received.
type WebhookRequest struct {
	Header http.Header
	Body   []byte
}

// EventKind classifies canonical events.
type EventKind string

const (
	EventPaymentSucceeded      EventKind = "payment_succeeded"
	EventPaymentFailed         EventKind = "payment_failed"
	EventSubscriptionRenewed   EventKind = "subscription_renewed"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
	EventIgnored               EventKind = "ignored"
)

// Event is a provider callback reduced to what the engine acts on.
type Event struct {
	Kind           EventKind
	Gateway        string
	ProviderEvent  string
	TransactionID  string
	UserID         string
	Email          string
	PackageName    string
	PackageID      string
	Amount         int64 // minor units
	Currency       string
	SubscriptionID string
	Action         Action
	Token          string
	PendingOrderID string
	Raw            map[string]any
}

// Registry resolves gateways by case-insensitive name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry registers gws. Panics on duplicate names.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, g := range gws {
		r.Register(g)
	}
	return r
}

// Register adds g. Panics when the name is empty or already taken.
func (r *Registry) Register(g Gateway) {
	key := normalizeName(g.Name())
	if key == "" {
		panic("gateway: empty gateway name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[key]; ok {
		panic("gateway: duplicate gateway " + key)
	}
	r.gateways[key] = g
}

// Get returns the gateway or ErrUnknownGateway.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[normalizeName(name)]
	if !ok {
		return nil, ErrUnknownGateway
	}
	return g, nil
}

// Names lists registered gateways in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
