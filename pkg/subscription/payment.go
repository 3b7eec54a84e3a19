package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

// successCallbackEvent marks events built from the buyer's redirect.
const successCallbackEvent = "success_callback"

// HandleSuccessCallback handles the buyer's redirect back from a provider.
// Providers with a transaction lookup complete the order right away;
// for the others the redirect is recorded and the webhook completes it.
func (s *service) HandleSuccessCallback(ctx context.Context, cb SuccessCallback) (*Result, error) {
	gw, err := s.gateways.Get(cb.Gateway)
	if err != nil {
		return nil, err
	}

	txn := strings.TrimSpace(cb.TransactionID)
	if strings.ContainsAny(txn, "{}") {
		// The provider did not substitute its placeholder.
		txn = ""
	}
	ev := gateway.Event{
		Kind:           gateway.EventPaymentSucceeded,
		Gateway:        gw.Name(),
		ProviderEvent:  successCallbackEvent,
		TransactionID:  txn,
		PackageName:    cb.PackageName,
		Action:         gateway.ParseAction(cb.Action),
		PendingOrderID: cb.PendingOrderID,
	}
	if cb.UserID != uuid.Nil {
		ev.UserID = cb.UserID.String()
	}

	if txn != "" {
		if res, err := s.completedAlready(ctx, s.store, txn); err != nil || res != nil {
			return res, err
		}
	}
	if ev.Action == gateway.ActionDowngrade {
		return s.confirmDowngrade(ctx, ev)
	}

	verifier, ok := gw.(gateway.TransactionVerifier)
	if !ok || txn == "" {
		return s.recordRedirect(ctx, ev)
	}
	verified, err := verifier.VerifyTransaction(ctx, txn)
	if err != nil {
		s.log.WarnContext(ctx, "transaction verification failed",
			logger.Gateway(gw.Name()), logger.TransactionID(txn), logger.Error(err))
		return nil, err
	}
	if verified.Kind != gateway.EventPaymentSucceeded {
		return s.recordRedirect(ctx, ev)
	}
	mergeEvent(verified, ev)
	return s.completePayment(ctx, *verified)
}

// mergeEvent fills fields the provider lookup did not return from the
// redirect parameters.
func mergeEvent(dst *gateway.Event, src gateway.Event) {
	if dst.UserID == "" {
		dst.UserID = src.UserID
	}
	if dst.PackageName == "" {
		dst.PackageName = src.PackageName
	}
	if dst.PendingOrderID == "" {
		dst.PendingOrderID = src.PendingOrderID
	}
	if dst.Action == "" {
		dst.Action = src.Action
	}
	if dst.TransactionID == "" {
		dst.TransactionID = src.TransactionID
	}
}

// recordRedirect notes that the buyer came back, without completing anything.
func (s *service) recordRedirect(ctx context.Context, ev gateway.Event) (*Result, error) {
	res := &Result{Status: ResultAwaitingConfirmation, Event: ev.Kind, TransactionID: ev.TransactionID}
	id, err := uuid.Parse(ev.PendingOrderID)
	if err != nil {
		return res, nil
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		res.OrderID = o.ID
		res.UserID = o.UserID
		if o.Status.IsTerminal() {
			return nil
		}
		o.Metadata.SetTime(ledger.MetaSuccessCallbackAt, s.now())
		if ev.TransactionID != "" {
			o.Metadata.Set(ledger.MetaCallbackTransactionID, ev.TransactionID)
		}
		return tx.UpdateOrder(ctx, o)
	})
	if errors.Is(err, ledger.ErrOrderNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// completedAlready returns a duplicate result when transactionID belongs
// to a completed order, nil otherwise.
func (s *service) completedAlready(ctx context.Context, store ledger.Store, transactionID string) (*Result, error) {
	o, err := store.GetOrderByTransactionID(ctx, transactionID)
	if errors.Is(err, ledger.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !o.IsCompleted() {
		return nil, nil
	}
	return duplicateResult(o), nil
}

func duplicateResult(o *ledger.Order) *Result {
	res := &Result{
		Status:        ResultDuplicate,
		Event:         gateway.EventPaymentSucceeded,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		UserID:        o.UserID,
	}
	if id, err := uuid.Parse(o.Metadata.Get(ledger.MetaLicenseID)); err == nil {
		res.LicenseID = id
	}
	return res
}

// completePayment applies a confirmed payment: it completes the order and
// activates the license in one transaction. A transaction that is already
// completed is a no-op. When activation cannot happen the payment is kept
// on the pending order and ErrActivationPending is returned.
func (s *service) completePayment(ctx context.Context, ev gateway.Event) (*Result, error) {
	if ev.TransactionID != "" {
		if res, err := s.completedAlready(ctx, s.store, ev.TransactionID); err != nil || res != nil {
			return res, err
		}
	}
	if ev.Action == gateway.ActionDowngrade {
		return s.confirmDowngrade(ctx, ev)
	}
	if o, _ := s.findOrder(ctx, s.store, ev, false); o != nil && o.Type == ledger.OrderTypeDowngrade {
		return s.confirmDowngrade(ctx, ev)
	}

	user, err := s.resolveUser(ctx, ev)
	if err != nil {
		s.log.ErrorContext(ctx, "payment cannot be matched to a user",
			logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID), logger.Error(err))
		return nil, err
	}
	log := s.log.With(logger.UserID(user.ID), logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID))

	var (
		res        *Result
		actErr     error
		firstAlert bool
		pkgName    string
		prevSub    string
		order      *ledger.Order
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		var err error
		order, err = s.findOrder(ctx, tx, ev, true)
		if err != nil {
			return err
		}
		if order != nil && order.IsCompleted() {
			res = duplicateResult(order)
			return nil
		}
		if order != nil && order.UserID != user.ID {
			log.WarnContext(ctx, "pending order belongs to another user, ignoring it", logger.OrderID(order.ID))
			order = nil
		}
		if order == nil || order.Status.IsTerminal() {
			source := order
			if order, err = s.newPaidOrder(ctx, tx, user, ev, source); err != nil {
				return err
			}
		}

		pkg, err := s.catalog.FindByID(order.PackageID)
		if err != nil {
			return err
		}
		pkgName = pkg.Name
		if ev.PackageName != "" && plans.NormalizeName(ev.PackageName) != plans.NormalizeName(pkg.Name) {
			log.WarnContext(ctx, "callback package differs from order, order wins",
				logger.OrderID(order.ID), logger.Package(pkg.Name), slog.String("callback_package", ev.PackageName))
		}

		order.Metadata.SetBool(ledger.MetaPaymentReceived, true)
		if order.Type == ledger.OrderTypeUpgrade {
			prevSub = order.Metadata.Get(ledger.MetaSubscriptionID)
			order.Metadata.Set(ledger.MetaTargetSubscriptionID, ev.SubscriptionID)
		} else if ev.SubscriptionID != "" {
			order.Metadata.Set(ledger.MetaSubscriptionID, ev.SubscriptionID)
		}
		if ev.TransactionID != "" && order.TransactionID != ev.TransactionID {
			order.Metadata.Set(ledger.MetaProviderTransactionID, ev.TransactionID)
			order.TransactionID = ev.TransactionID
		}

		lic, err := s.activator.CreateAndActivateLicense(ctx, tx, activation.Request{
			UserID:         user.ID,
			Package:        pkg,
			SubscriptionID: ev.SubscriptionID,
			Gateway:        order.Gateway,
			IsUpgrade:      order.Type == ledger.OrderTypeUpgrade,
		})
		if err != nil {
			if !activationDeferred(err) {
				return err
			}
			actErr = err
			firstAlert = order.Metadata.Get(ledger.MetaActivationError) == ""
			order.Metadata.Set(ledger.MetaActivationError, err.Error())
			res = &Result{Status: ResultActivationPending, Event: ev.Kind, TransactionID: order.TransactionID, OrderID: order.ID, UserID: user.ID}
			return tx.UpdateOrder(ctx, order)
		}

		delete(order.Metadata, ledger.MetaActivationError)
		order.Metadata.Set(ledger.MetaLicenseID, lic.ID.String())
		if err := order.TransitionTo(ledger.StatusCompleted, s.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		res = &Result{
			Status:        ResultProcessed,
			Event:         ev.Kind,
			TransactionID: order.TransactionID,
			OrderID:       order.ID,
			LicenseID:     lic.ID,
			UserID:        user.ID,
		}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// A concurrent delivery of the same transaction won the race.
		if res, lookupErr := s.completedAlready(ctx, s.store, ev.TransactionID); lookupErr == nil && res != nil {
			return res, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, classify(err)
	}

	if actErr != nil {
		log.ErrorContext(ctx, "payment received, activation pending",
			logger.OrderID(res.OrderID), logger.Error(actErr))
		if firstAlert {
			s.alert(ctx, ActivationAlert{
				OrderID:       res.OrderID,
				UserID:        user.ID,
				Email:         user.Email,
				Package:       pkgName,
				Gateway:       ev.Gateway,
				TransactionID: res.TransactionID,
				Reason:        actErr.Error(),
			})
		}
		return res, errors.Join(ErrActivationPending, classify(actErr))
	}

	if res.Status == ResultProcessed {
		log.InfoContext(ctx, "payment completed",
			logger.OrderID(res.OrderID), logger.LicenseID(res.LicenseID), logger.Package(pkgName))
		if prevSub != "" && prevSub != ev.SubscriptionID {
			s.cancelProviderSubscription(ctx, order.Gateway, user, prevSub, "replaced by upgrade")
		}
	}
	return res, nil
}

// newPaidOrder records a payment that has no usable pending order, e.g. a
// webhook for a checkout made outside the engine or after supersession.
func (s *service) newPaidOrder(ctx context.Context, tx ledger.Store, user *ledger.User, ev gateway.Event, source *ledger.Order) (*ledger.Order, error) {
	var (
		pkg plans.Package
		err error
	)
	switch {
	case source != nil:
		pkg, err = s.catalog.FindByID(source.PackageID)
	case ev.PackageID != "":
		id, perr := uuid.Parse(ev.PackageID)
		if perr != nil {
			return nil, errors.Join(ErrInvalidRequest, perr)
		}
		pkg, err = s.catalog.FindByID(id)
	case ev.PackageName != "":
		pkg, err = s.catalog.FindByName(ev.PackageName)
	default:
		err = ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}

	o := &ledger.Order{
		ID:        uuid.New(),
		UserID:    user.ID,
		PackageID: pkg.ID,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		Status:    ledger.StatusPending,
		Type:      ledger.OrderTypeNew,
		Gateway:   ev.Gateway,
		Metadata:  ledger.Metadata{},
	}
	if o.Amount == 0 {
		o.Amount = pkg.Price
		o.Currency = pkg.Currency
	}
	if ev.Action == gateway.ActionUpgrade {
		o.Type = ledger.OrderTypeUpgrade
		o.Status = ledger.StatusPendingUpgrade
		if current, err := tx.GetActiveLicense(ctx, user.ID); err == nil {
			o.Metadata.Set(ledger.MetaSubscriptionID, current.SubscriptionID)
		}
	}
	if source != nil {
		if source.TransactionID == ev.TransactionID {
			// Free the provider id held by the cancelled checkout.
			source.Metadata.Set(ledger.MetaProviderTransactionID, source.TransactionID)
			source.TransactionID = "superseded_" + source.ID.String()
			if err := tx.UpdateOrder(ctx, source); err != nil {
				return nil, err
			}
		}
		o.Metadata.Set(ledger.MetaSourceOrderID, source.ID.String())
		if source.Type == ledger.OrderTypeUpgrade {
			o.Type = ledger.OrderTypeUpgrade
			o.Status = ledger.StatusPendingUpgrade
			o.Metadata.Set(ledger.MetaSubscriptionID, source.Metadata.Get(ledger.MetaSubscriptionID))
		}
	}
	o.TransactionID = pendingTransactionID(ev.TransactionID, o.ID)
	if err := tx.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// findOrder locates the order an event refers to: the pending order id
// first, then the transaction id. With lock set the row is locked.
func (s *service) findOrder(ctx context.Context, store ledger.Store, ev gateway.Event, lock bool) (*ledger.Order, error) {
	get := store.GetOrder
	if lock {
		get = store.LockOrder
	}
	if id, err := uuid.Parse(ev.PendingOrderID); err == nil {
		o, err := get(ctx, id)
		if err == nil {
			if ev.TransactionID == "" || o.TransactionID == ev.TransactionID || strings.HasPrefix(o.TransactionID, pendingPrefix) {
				return o, nil
			}
		} else if !errors.Is(err, ledger.ErrOrderNotFound) {
			return nil, err
		}
	}
	if ev.TransactionID != "" {
		o, err := store.GetOrderByTransactionID(ctx, ev.TransactionID)
		if errors.Is(err, ledger.ErrOrderNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if lock {
			return store.LockOrder(ctx, o.ID)
		}
		return o, nil
	}
	return nil, nil
}

// resolveUser matches an event to a user: checkout token, then explicit
// user id, then email, then the pending order, then the transaction's order.
func (s *service) resolveUser(ctx context.Context, ev gateway.Event) (*ledger.User, error) {
	if ev.Token != "" {
		if id, ok, err := s.tokens.Lookup(ctx, ev.Token); err == nil && ok {
			if u, err := s.store.GetUser(ctx, id); err == nil {
				return u, nil
			}
		}
	}
	if id, err := uuid.Parse(ev.UserID); err == nil {
		if u, err := s.store.GetUser(ctx, id); err == nil {
			return u, nil
		} else if !errors.Is(err, ledger.ErrUserNotFound) {
			return nil, err
		}
	}
	if ev.Email != "" {
		if u, err := s.store.GetUserByEmail(ctx, ev.Email); err == nil {
			return u, nil
		} else if !errors.Is(err, ledger.ErrUserNotFound) {
			return nil, err
		}
	}
	if o, err := s.findOrder(ctx, s.store, ev, false); err == nil && o != nil {
		return s.store.GetUser(ctx, o.UserID)
	}
	return nil, ErrUnresolvedUser
}

func (s *service) alert(ctx context.Context, a ActivationAlert) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.ActivationPending(ctx, a); err != nil {
		s.log.ErrorContext(ctx, "support alert not sent", logger.OrderID(a.OrderID), logger.Error(err))
	}
}

// cancelProviderSubscription stops billing for a replaced subscription.
// Failures are logged; the caller's outcome does not depend on them.
func (s *service) cancelProviderSubscription(ctx context.Context, gatewayName string, user *ledger.User, subscriptionID, reason string) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return
	}
	if _, err := gw.Cancel(ctx, gateway.CancelRequest{User: user, SubscriptionID: subscriptionID, Reason: reason}); err != nil {
		s.log.WarnContext(ctx, "previous provider subscription not cancelled",
			logger.UserID(user.ID), logger.Gateway(gatewayName), slog.String("subscription_id", subscriptionID), logger.Error(err))
	}
}
