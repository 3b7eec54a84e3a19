package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// unpaidDowngradeGrace is how long a paid downgrade may stay unpaid past
// its effective date before it is dropped.
const unpaidDowngradeGrace = 7 * 24 * time.Hour

// downgradeRetryDelay pushes back a downgrade that failed to apply so the
// rest of the due list is not starved behind it.
const downgradeRetryDelay = 15 * time.Minute

// confirmDowngrade handles a payment or redirect for a downgrade. It only
// re-confirms the scheduled order; the live license changes when the order
// matures, unless the effective date already passed. A redirect is not
// authenticated, so it only notes that the buyer came back: the transaction
// id, the target subscription and payment_received come from verified
// webhooks alone.
func (s *service) confirmDowngrade(ctx context.Context, ev gateway.Event) (*Result, error) {
	res := &Result{Status: ResultIgnored, Event: ev.Kind, TransactionID: ev.TransactionID}
	order, err := s.findOrder(ctx, s.store, ev, false)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order, err = s.latestScheduledDowngrade(ctx, ev)
		if err != nil {
			return nil, err
		}
	}
	if order == nil || order.Type != ledger.OrderTypeDowngrade {
		s.log.WarnContext(ctx, "downgrade confirmation without a downgrade order",
			logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID))
		return res, nil
	}

	redirect := ev.ProviderEvent == successCallbackEvent
	var changed, due bool
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		o, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		order = o
		if o.Status == ledger.StatusCancelled || o.Metadata.Bool(ledger.MetaDowngradeProcessed) {
			return nil
		}
		if at, ok := o.ScheduledActivation(); ok && !at.After(s.now()) {
			due = true
		}
		if redirect {
			changed = o.Status == ledger.StatusScheduledDowngrade
			o.Metadata.SetTime(ledger.MetaSuccessCallbackAt, s.now())
			if ev.TransactionID != "" {
				o.Metadata.Set(ledger.MetaCallbackTransactionID, ev.TransactionID)
			}
			return tx.UpdateOrder(ctx, o)
		}
		if o.Status == ledger.StatusPending {
			if err := o.TransitionTo(ledger.StatusScheduledDowngrade, s.now().UTC()); err != nil {
				return err
			}
			changed = true
		}
		if ev.Kind == gateway.EventPaymentSucceeded && !o.Metadata.Bool(ledger.MetaPaymentReceived) {
			o.Metadata.SetBool(ledger.MetaPaymentReceived, true)
			delete(o.Metadata, ledger.MetaNextAttemptAt)
			changed = true
		}
		if ev.SubscriptionID != "" && o.Metadata.Get(ledger.MetaTargetSubscriptionID) != ev.SubscriptionID {
			o.Metadata.Set(ledger.MetaTargetSubscriptionID, ev.SubscriptionID)
			changed = true
		}
		if ev.TransactionID != "" && o.TransactionID != ev.TransactionID {
			o.Metadata.Set(ledger.MetaProviderTransactionID, ev.TransactionID)
			o.TransactionID = ev.TransactionID
			changed = true
		}
		if !changed {
			return nil
		}
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	res.OrderID = order.ID
	res.UserID = order.UserID
	res.TransactionID = order.TransactionID
	switch {
	case order.Status == ledger.StatusCancelled:
		return res, nil
	case redirect && order.Status == ledger.StatusPending:
		res.Status = ResultAwaitingConfirmation
	case order.Metadata.Bool(ledger.MetaDowngradeProcessed) || !changed:
		res.Status = ResultDuplicate
	default:
		res.Status = ResultScheduled
		s.log.InfoContext(ctx, "downgrade confirmed",
			logger.OrderID(order.ID), logger.UserID(order.UserID), logger.Gateway(order.Gateway))
	}
	if due && !order.Metadata.Bool(ledger.MetaDowngradeProcessed) {
		if _, err := s.applyDowngrade(ctx, order.ID); err != nil {
			s.log.ErrorContext(ctx, "matured downgrade not applied, left for the worker",
				logger.OrderID(order.ID), logger.Error(err))
		}
	}
	return res, nil
}

// latestScheduledDowngrade finds the open downgrade of the event's user.
func (s *service) latestScheduledDowngrade(ctx context.Context, ev gateway.Event) (*ledger.Order, error) {
	user, err := s.resolveUser(ctx, ev)
	if errors.Is(err, ErrUnresolvedUser) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	orders, err := s.store.FindOrders(ctx, ledger.OrderFilter{
		UserID:   user.ID,
		Types:    []ledger.OrderType{ledger.OrderTypeDowngrade},
		Statuses: []ledger.OrderStatus{ledger.StatusPending, ledger.StatusScheduledDowngrade},
		Limit:    1,
	})
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return orders[0], nil
}

// ApplyMaturedDowngrades applies due downgrades, oldest first. Orders that
// cannot be applied yet are pushed back with next_attempt_at, and the due
// list is read again until a batch brings nothing new.
func (s *service) ApplyMaturedDowngrades(ctx context.Context) (int, error) {
	applied := 0
	var errs []error
	seen := make(map[uuid.UUID]bool)
	for {
		due, err := s.store.ListDueDowngrades(ctx, s.now().UTC(), s.batch)
		if err != nil {
			return applied, errors.Join(append(errs, err)...)
		}
		fresh := 0
		for _, o := range due {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			fresh++
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			ok, err := s.applyDowngrade(ctx, o.ID)
			if err != nil {
				s.log.ErrorContext(ctx, "downgrade not applied", logger.OrderID(o.ID), logger.Error(err))
				errs = append(errs, err)
				if !errors.Is(err, ErrActivationPending) {
					s.deferDowngrade(ctx, o.ID, s.now().UTC().Add(downgradeRetryDelay))
				}
				continue
			}
			if ok {
				applied++
			}
		}
		if fresh == 0 || s.batch <= 0 || len(due) < s.batch {
			return applied, errors.Join(errs...)
		}
	}
}

// deferDowngrade sets next_attempt_at on an order whose apply failed.
func (s *service) deferDowngrade(ctx context.Context, orderID uuid.UUID, next time.Time) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != ledger.StatusScheduledDowngrade || o.Metadata.Bool(ledger.MetaDowngradeProcessed) {
			return nil
		}
		o.Metadata.SetTime(ledger.MetaNextAttemptAt, next)
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		s.log.ErrorContext(ctx, "downgrade retry not scheduled", logger.OrderID(orderID), logger.Error(err))
	}
}

// applyDowngrade switches the user to the downgrade's target package once
// the order is due. It reports whether the switch happened. The scheduled
// order stays scheduled_downgrade with downgrade_processed set, and the
// switch itself is recorded as a completed order.
func (s *service) applyDowngrade(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var (
		applied    bool
		actErr     error
		firstAlert bool
		order      *ledger.Order
		user       *ledger.User
		pkgName    string
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		if o.Type != ledger.OrderTypeDowngrade || o.Status != ledger.StatusScheduledDowngrade ||
			o.Metadata.Bool(ledger.MetaDowngradeProcessed) {
			return nil
		}
		now := s.now().UTC()
		at, ok := o.ScheduledActivation()
		if ok && at.After(now) {
			return nil
		}

		target, err := s.catalog.FindByID(o.PackageID)
		if err != nil {
			return err
		}
		pkgName = target.Name
		if !target.IsFree && !o.Metadata.Bool(ledger.MetaPaymentReceived) {
			if !ok {
				return nil
			}
			deadline := at.Add(unpaidDowngradeGrace)
			if !now.Before(deadline) {
				if err := o.TransitionTo(ledger.StatusCancelled, now); err != nil {
					return err
				}
				delete(o.Metadata, ledger.MetaNextAttemptAt)
				o.Metadata.Set(ledger.MetaCancellationReason, "downgrade payment not received")
				return tx.UpdateOrder(ctx, o)
			}
			if next, set := o.Metadata.Time(ledger.MetaNextAttemptAt); set && next.Equal(deadline) {
				return nil
			}
			o.Metadata.SetTime(ledger.MetaNextAttemptAt, deadline)
			return tx.UpdateOrder(ctx, o)
		}

		if user, err = tx.GetUser(ctx, o.UserID); err != nil {
			return err
		}
		gw := o.Gateway
		if target.IsFree {
			gw = FreeGateway
		}
		lic, err := s.activator.CreateAndActivateLicense(ctx, tx, activation.Request{
			UserID:         o.UserID,
			Package:        target,
			SubscriptionID: o.Metadata.Get(ledger.MetaTargetSubscriptionID),
			Gateway:        gw,
		})
		if err != nil {
			if !activationDeferred(err) {
				return err
			}
			actErr = err
			firstAlert = o.Metadata.Get(ledger.MetaActivationError) == ""
			o.Metadata.Set(ledger.MetaActivationError, err.Error())
			o.Metadata.SetTime(ledger.MetaNextAttemptAt, now.Add(downgradeRetryDelay))
			return tx.UpdateOrder(ctx, o)
		}

		delete(o.Metadata, ledger.MetaActivationError)
		delete(o.Metadata, ledger.MetaNextAttemptAt)
		o.Metadata.SetBool(ledger.MetaDowngradeProcessed, true)
		o.Metadata.SetTime(ledger.MetaDowngradeProcessedAt, now)
		o.Metadata.Set(ledger.MetaLicenseID, lic.ID.String())
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		appliedID := uuid.New()
		if err := tx.CreateOrder(ctx, &ledger.Order{
			ID:            appliedID,
			UserID:        o.UserID,
			PackageID:     target.ID,
			Currency:      target.Currency,
			TransactionID: "downgrade_applied_" + o.ID.String(),
			Status:        ledger.StatusCompleted,
			Type:          ledger.OrderTypeDowngrade,
			Gateway:       gw,
			Metadata: ledger.Metadata{
				ledger.MetaSourceOrderID:  o.ID.String(),
				ledger.MetaLicenseID:      lic.ID.String(),
				ledger.MetaSubscriptionID: lic.SubscriptionID,
			},
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, classify(err)
	}

	if actErr != nil {
		if firstAlert {
			a := ActivationAlert{
				OrderID:       order.ID,
				UserID:        order.UserID,
				Package:       pkgName,
				Gateway:       order.Gateway,
				TransactionID: order.TransactionID,
				Reason:        actErr.Error(),
			}
			if user != nil {
				a.Email = user.Email
			}
			s.alert(ctx, a)
		}
		return false, errors.Join(ErrActivationPending, classify(actErr))
	}
	if !applied {
		return false, nil
	}

	s.log.InfoContext(ctx, "downgrade applied",
		logger.OrderID(order.ID), logger.UserID(order.UserID), logger.Package(pkgName))
	if sub := order.Metadata.Get(ledger.MetaSubscriptionID); sub != "" && !localGateways[strings.ToLower(order.Gateway)] {
		s.cancelProviderSubscription(ctx, order.Gateway, user, sub, "replaced by downgrade")
	}
	return true, nil
}
