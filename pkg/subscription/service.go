package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

// FreeGateway is the gateway name recorded for free activations, which
// never go through a payment provider.
const FreeGateway = "free"

// Service is the subscription orchestrator: the only component that moves
// orders through their states.
type Service interface {
	CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error)
	CreateUpgradeCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error)
	CreateDowngradeCheckout(ctx context.Context, in CheckoutInput) (*DowngradeResult, error)
	HandleSuccessCallback(ctx context.Context, cb SuccessCallback) (*Result, error)
	HandleWebhook(ctx context.Context, gatewayName string, req gateway.WebhookRequest) ([]Result, error)
	CancelSubscription(ctx context.Context, in CancelInput) (*CancelResult, error)
	// ApplyMaturedDowngrades applies scheduled downgrades whose effective
	// date passed and returns how many were applied.
	ApplyMaturedDowngrades(ctx context.Context) (int, error)
	CanUserChangePlan(ctx context.Context, userID uuid.UUID) (bool, activation.Reason, error)
}

// Catalog finds packages.
type Catalog interface {
	FindByName(name string) (plans.Package, error)
	FindByID(id uuid.UUID) (plans.Package, error)
}

// Gateways resolves a gateway by name.
type Gateways interface {
	Get(name string) (gateway.Gateway, error)
}

// Activator creates and retires licenses inside the caller's transaction.
type Activator interface {
	CreateAndActivateLicense(ctx context.Context, store ledger.Store, req activation.Request) (*ledger.UserLicense, error)
	DeactivateLicense(ctx context.Context, store ledger.Store, licenseID uuid.UUID, status ledger.LicenseStatus) (*ledger.UserLicense, error)
	ExtendLicense(ctx context.Context, store ledger.Store, licenseID uuid.UUID) (*ledger.UserLicense, error)
	CanUserChangePlan(ctx context.Context, store ledger.Store, userID uuid.UUID) (bool, activation.Reason, error)
}

// Alerter notifies support about payments that need manual attention.
type Alerter interface {
	ActivationPending(ctx context.Context, alert ActivationAlert) error
}

// ActivationAlert describes a paid order whose license could not be activated.
type ActivationAlert struct {
	OrderID       uuid.UUID
	UserID        uuid.UUID
	Email         string
	Package       string
	Gateway       string
	TransactionID string
	Reason        string
}

type service struct {
	store     ledger.Store
	catalog   Catalog
	gateways  Gateways
	activator Activator
	tokens    TokenStore
	tenants   gateway.TenantAssigner
	alerter   Alerter
	log       *slog.Logger
	now       func() time.Time
	batch     int
}

// NewService wires the orchestrator. Panics when a required dependency is
// nil so misconfiguration fails at startup.
func NewService(store ledger.Store, catalog Catalog, gateways Gateways, activator Activator, opts ...ServiceOption) Service {
	if store == nil {
		panic("subscription: ledger.Store is required")
	}
	if catalog == nil {
		panic("subscription: Catalog is required")
	}
	if gateways == nil {
		panic("subscription: Gateways is required")
	}
	if activator == nil {
		panic("subscription: Activator is required")
	}

	s := &service{
		store:     store,
		catalog:   catalog,
		gateways:  gateways,
		activator: activator,
		log:       logger.Discard(),
		now:       time.Now,
		batch:     50,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = NewMemoryTokenStore(10_000, 2*time.Hour)
	}
	s.log = s.log.With(logger.Component("subscription"))
	return s
}

// CreateCheckout starts a new purchase. Free packages are activated on the
// spot; paid ones get a provider checkout and a pending order. A checkout
// that fails its preconditions leaves no order behind.
func (s *service) CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	user, pkg, err := s.loadCheckout(ctx, in)
	if err != nil {
		return nil, err
	}
	if pkg.IsFree {
		return s.activateFree(ctx, user, pkg)
	}

	gw, err := s.gateways.Get(in.Gateway)
	if err != nil {
		return nil, err
	}
	orderID := uuid.New()
	token, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		s.log.WarnContext(ctx, "checkout token not issued", logger.UserID(user.ID), logger.Error(err))
	}

	co, err := gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		User:    user,
		Package: pkg,
		OrderID: orderID,
		Token:   token,
	})
	if err != nil {
		return nil, err
	}

	order := &ledger.Order{
		ID:            orderID,
		UserID:        user.ID,
		PackageID:     pkg.ID,
		Amount:        pkg.Price,
		Currency:      pkg.Currency,
		TransactionID: pendingTransactionID(co.TransactionID, orderID),
		Status:        ledger.StatusPending,
		Type:          ledger.OrderTypeNew,
		Gateway:       gw.Name(),
		Metadata:      ledger.Metadata{ledger.MetaCheckoutURL: co.URL},
	}
	if err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := s.supersedePending(ctx, tx, user.ID, order.ID); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, order)
	}); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "checkout created",
		logger.UserID(user.ID), logger.OrderID(order.ID), logger.Gateway(gw.Name()), logger.Package(pkg.Name))
	return &CheckoutResult{
		URL:           co.URL,
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		Gateway:       gw.Name(),
	}, nil
}

// CreateUpgradeCheckout opens a checkout for a more expensive package. The
// current license keeps working until the upgrade payment is confirmed.
func (s *service) CreateUpgradeCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	user, target, err := s.loadCheckout(ctx, in)
	if err != nil {
		return nil, err
	}
	current, currentPkg, err := s.currentPlan(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !target.IsUpgradeFrom(currentPkg) {
		return nil, fmt.Errorf("%w: %s is not an upgrade from %s", ErrPlanChangeRestricted, target.Name, currentPkg.Name)
	}
	ok, reason, err := s.activator.CanUserChangePlan(ctx, s.store, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok && reason == activation.ReasonDowngradeScheduled {
		return nil, fmt.Errorf("%w: %s", ErrPlanChangeRestricted, reason)
	}

	gw, err := s.gateways.Get(firstNonEmpty(in.Gateway, current.Gateway))
	if err != nil {
		return nil, err
	}
	orderID := uuid.New()
	token, _ := s.tokens.Issue(ctx, user.ID)

	co, err := gw.Upgrade(ctx, gateway.CheckoutRequest{
		User:                   user,
		Package:                target,
		OrderID:                orderID,
		PreviousSubscriptionID: current.SubscriptionID,
		Token:                  token,
	})
	if err != nil {
		return nil, err
	}

	meta := ledger.Metadata{ledger.MetaCheckoutURL: co.URL}
	setPackageChange(meta, currentPkg, target)
	meta.Set(ledger.MetaSubscriptionID, current.SubscriptionID)
	order := &ledger.Order{
		ID:            orderID,
		UserID:        user.ID,
		PackageID:     target.ID,
		Amount:        target.Price,
		Currency:      target.Currency,
		TransactionID: pendingTransactionID(co.TransactionID, orderID),
		Status:        ledger.StatusPendingUpgrade,
		Type:          ledger.OrderTypeUpgrade,
		Gateway:       gw.Name(),
		Metadata:      meta,
	}
	if err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := s.markSupersededUpgrades(ctx, tx, user.ID, order.ID); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, order)
	}); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "upgrade checkout created",
		logger.UserID(user.ID), logger.OrderID(order.ID), logger.Package(target.Name),
		slog.String("from", currentPkg.Name))
	return &CheckoutResult{URL: co.URL, OrderID: order.ID, TransactionID: order.TransactionID, Gateway: gw.Name()}, nil
}

// CreateDowngradeCheckout records a scheduled downgrade. The live license
// is untouched until the effective date, except when it already expired.
func (s *service) CreateDowngradeCheckout(ctx context.Context, in CheckoutInput) (*DowngradeResult, error) {
	user, target, err := s.loadCheckout(ctx, in)
	if err != nil {
		return nil, err
	}
	current, currentPkg, err := s.currentPlan(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !target.IsDowngradeFrom(currentPkg) {
		return nil, fmt.Errorf("%w: %s is not a downgrade from %s", ErrPlanChangeRestricted, target.Name, currentPkg.Name)
	}
	ok, reason, err := s.activator.CanUserChangePlan(ctx, s.store, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanChangeRestricted, reason)
	}

	gw, err := s.gateways.Get(firstNonEmpty(in.Gateway, current.Gateway))
	if err != nil {
		return nil, err
	}
	orderID := uuid.New()
	token, _ := s.tokens.Issue(ctx, user.ID)

	plan, err := gw.Downgrade(ctx, gateway.DowngradeRequest{
		CheckoutRequest: gateway.CheckoutRequest{
			User:                   user,
			Package:                target,
			OrderID:                orderID,
			PreviousSubscriptionID: current.SubscriptionID,
			Token:                  token,
		},
		CurrentLicense: current,
	})
	if err != nil {
		return nil, err
	}

	meta := ledger.Metadata{}
	setPackageChange(meta, currentPkg, target)
	meta.Set(ledger.MetaSubscriptionID, current.SubscriptionID)
	meta.SetTime(ledger.MetaScheduledActivationDate, plan.EffectiveDate)
	meta.SetBool(ledger.MetaDowngradeProcessed, false)
	meta.SetBool(ledger.MetaImmediate, plan.Immediate)
	meta.Set(ledger.MetaNote, plan.Note)
	txnID := "downgrade_" + orderID.String()
	res := &DowngradeResult{
		OrderID:       orderID,
		EffectiveDate: plan.EffectiveDate,
		Immediate:     plan.Immediate,
		Note:          plan.Note,
	}
	if plan.Checkout != nil {
		meta.Set(ledger.MetaCheckoutURL, plan.Checkout.URL)
		txnID = pendingTransactionID(plan.Checkout.TransactionID, orderID)
		res.CheckoutURL = plan.Checkout.URL
	}

	order := &ledger.Order{
		ID:            orderID,
		UserID:        user.ID,
		PackageID:     target.ID,
		Amount:        target.Price,
		Currency:      target.Currency,
		TransactionID: txnID,
		Status:        ledger.StatusScheduledDowngrade,
		Type:          ledger.OrderTypeDowngrade,
		Gateway:       gw.Name(),
		Metadata:      meta,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "downgrade scheduled",
		logger.UserID(user.ID), logger.OrderID(order.ID), logger.Package(target.Name),
		slog.Time("effective", plan.EffectiveDate), slog.Bool("immediate", plan.Immediate))

	if plan.Immediate {
		applied, err := s.applyDowngrade(ctx, order.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "immediate downgrade not applied, left for the worker",
				logger.OrderID(order.ID), logger.Error(err))
		}
		res.Applied = applied
	}
	return res, nil
}

func (s *service) CanUserChangePlan(ctx context.Context, userID uuid.UUID) (bool, activation.Reason, error) {
	return s.activator.CanUserChangePlan(ctx, s.store, userID)
}

// activateFree grants a free package without a provider. The completed
// order is written in the same transaction as the license.
func (s *service) activateFree(ctx context.Context, user *ledger.User, pkg plans.Package) (*CheckoutResult, error) {
	if !user.HasTenant() {
		if s.tenants == nil {
			return nil, ErrTenantMissing
		}
		if _, err := s.tenants.AssignTenant(ctx, user); err != nil {
			return nil, errors.Join(ErrTenantMissing, err)
		}
	}

	orderID := uuid.New()
	var lic *ledger.UserLicense
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		var err error
		lic, err = s.activator.CreateAndActivateLicense(ctx, tx, activation.Request{
			UserID:  user.ID,
			Package: pkg,
			Gateway: FreeGateway,
		})
		if err != nil {
			return err
		}
		return tx.CreateOrder(ctx, &ledger.Order{
			ID:            orderID,
			UserID:        user.ID,
			PackageID:     pkg.ID,
			Currency:      pkg.Currency,
			TransactionID: FreeGateway + "_" + orderID.String(),
			Status:        ledger.StatusCompleted,
			Type:          ledger.OrderTypeNew,
			Gateway:       FreeGateway,
			Metadata: ledger.Metadata{
				ledger.MetaLicenseID:      lic.ID.String(),
				ledger.MetaSubscriptionID: lic.SubscriptionID,
			},
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	s.log.InfoContext(ctx, "free package activated",
		logger.UserID(user.ID), logger.OrderID(orderID), logger.LicenseID(lic.ID))
	return &CheckoutResult{OrderID: orderID, Gateway: FreeGateway, Free: true, License: lic}, nil
}

func (s *service) loadCheckout(ctx context.Context, in CheckoutInput) (*ledger.User, plans.Package, error) {
	if in.UserID == uuid.Nil || in.Package == "" {
		return nil, plans.Package{}, errors.Join(ErrInvalidRequest, errors.New("user and package are required"))
	}
	user, err := s.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, plans.Package{}, err
	}
	pkg, err := s.catalog.FindByName(in.Package)
	if err != nil {
		return nil, plans.Package{}, err
	}
	return user, pkg, nil
}

// currentPlan returns the active license and its package.
func (s *service) currentPlan(ctx context.Context, userID uuid.UUID) (*ledger.UserLicense, plans.Package, error) {
	lic, err := s.store.GetActiveLicense(ctx, userID)
	if errors.Is(err, ledger.ErrLicenseNotFound) {
		return nil, plans.Package{}, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, plans.Package{}, err
	}
	pkg, err := s.catalog.FindByID(lic.PackageID)
	if err != nil {
		return nil, plans.Package{}, err
	}
	return lic, pkg, nil
}

// supersedePending cancels pending new-purchase orders left by abandoned
// checkouts of the same user.
func (s *service) supersedePending(ctx context.Context, tx ledger.Store, userID, by uuid.UUID) error {
	stale, err := tx.FindOrders(ctx, ledger.OrderFilter{
		UserID:   userID,
		Statuses: []ledger.OrderStatus{ledger.StatusPending},
		Types:    []ledger.OrderType{ledger.OrderTypeNew},
	})
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, o := range stale {
		if o.Metadata.Bool(ledger.MetaPaymentReceived) {
			continue
		}
		if err := o.TransitionTo(ledger.StatusCancelled, now); err != nil {
			return err
		}
		o.Metadata.Set(ledger.MetaSupersededBy, by.String())
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// markSupersededUpgrades tags older pending upgrades. pending_upgrade can
// only complete, so a late payment on an old checkout still goes through.
func (s *service) markSupersededUpgrades(ctx context.Context, tx ledger.Store, userID, by uuid.UUID) error {
	stale, err := tx.FindOrders(ctx, ledger.OrderFilter{
		UserID:   userID,
		Statuses: []ledger.OrderStatus{ledger.StatusPendingUpgrade},
	})
	if err != nil {
		return err
	}
	for _, o := range stale {
		if o.Metadata.Get(ledger.MetaSupersededBy) != "" {
			continue
		}
		o.Metadata.Set(ledger.MetaSupersededBy, by.String())
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func setPackageChange(meta ledger.Metadata, from, to plans.Package) {
	meta.Set(ledger.MetaOriginalPackageID, from.ID.String())
	meta.Set(ledger.MetaOriginalPackage, from.Name)
	meta.Set(ledger.MetaTargetPackageID, to.ID.String())
	meta.Set(ledger.MetaTargetPackage, to.Name)
}

// pendingTransactionID is the provider id when the provider issued one at
// checkout, else an engine id replaced on completion.
func pendingTransactionID(providerID string, orderID uuid.UUID) string {
	if providerID != "" {
		return providerID
	}
	return pendingPrefix + orderID.String()
}

const pendingPrefix = "pending_"

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
