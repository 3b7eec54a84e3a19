package subscription

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// HandleWebhook verifies a provider callback and applies every event it
// carries. Results are returned for the events that were handled even when
// a later one fails; the returned error joins the failures.
func (s *service) HandleWebhook(ctx context.Context, gatewayName string, req gateway.WebhookRequest) ([]Result, error) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	events, err := gw.ParseWebhook(ctx, req)
	if err != nil {
		s.log.WarnContext(ctx, "webhook rejected", logger.Gateway(gw.Name()), logger.Error(err))
		return nil, err
	}

	results := make([]Result, 0, len(events))
	var errs []error
	for _, ev := range events {
		if ev.Gateway == "" {
			ev.Gateway = gw.Name()
		}
		res, err := s.dispatch(ctx, ev)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			s.log.ErrorContext(ctx, "webhook event failed",
				logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID),
				slog.String("event", ev.ProviderEvent), logger.Error(err))
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (s *service) dispatch(ctx context.Context, ev gateway.Event) (*Result, error) {
	switch ev.Kind {
	case gateway.EventPaymentSucceeded:
		return s.completePayment(ctx, ev)
	case gateway.EventSubscriptionRenewed:
		return s.renew(ctx, ev)
	case gateway.EventPaymentFailed:
		return s.recordFailure(ctx, ev)
	case gateway.EventSubscriptionCancelled:
		return s.providerCancelled(ctx, ev)
	default:
		s.log.DebugContext(ctx, "webhook event ignored",
			logger.Gateway(ev.Gateway), slog.String("event", ev.ProviderEvent))
		return &Result{Status: ResultIgnored, Event: ev.Kind, TransactionID: ev.TransactionID}, nil
	}
}

// renew extends the license of a recurring subscription and records the
// charge as a completed renewal order keyed by its transaction id.
func (s *service) renew(ctx context.Context, ev gateway.Event) (*Result, error) {
	ignored := &Result{Status: ResultIgnored, Event: ev.Kind, TransactionID: ev.TransactionID}
	if ev.TransactionID == "" || ev.SubscriptionID == "" {
		s.log.WarnContext(ctx, "renewal without transaction or subscription id", logger.Gateway(ev.Gateway))
		return ignored, nil
	}
	if res, err := s.completedAlready(ctx, s.store, ev.TransactionID); err != nil || res != nil {
		return res, err
	}

	lic, err := s.store.FindLicenseBySubscriptionID(ctx, ev.SubscriptionID)
	if errors.Is(err, ledger.ErrLicenseNotFound) {
		// The first charge of a subscription can arrive as a renewal.
		if o, _ := s.findOrder(ctx, s.store, ev, false); o != nil {
			ev.Kind = gateway.EventPaymentSucceeded
			return s.completePayment(ctx, ev)
		}
		s.log.WarnContext(ctx, "renewal for unknown subscription",
			logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID))
		return ignored, nil
	}
	if err != nil {
		return nil, err
	}
	if !lic.IsActive {
		s.log.WarnContext(ctx, "renewal for inactive license",
			logger.LicenseID(lic.ID), logger.TransactionID(ev.TransactionID))
		return ignored, nil
	}

	order := &ledger.Order{
		ID:            uuid.New(),
		UserID:        lic.UserID,
		PackageID:     lic.PackageID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		TransactionID: ev.TransactionID,
		Status:        ledger.StatusCompleted,
		Type:          ledger.OrderTypeRenewal,
		Gateway:       firstNonEmpty(lic.Gateway, ev.Gateway),
		Metadata: ledger.Metadata{
			ledger.MetaSubscriptionID: ev.SubscriptionID,
			ledger.MetaLicenseID:      lic.ID.String(),
		},
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if _, err := s.activator.ExtendLicense(ctx, tx, lic.ID); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, order)
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if res, lookupErr := s.completedAlready(ctx, s.store, ev.TransactionID); lookupErr == nil && res != nil {
			return res, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "subscription renewed",
		logger.UserID(lic.UserID), logger.LicenseID(lic.ID), logger.TransactionID(ev.TransactionID))
	return &Result{
		Status:        ResultProcessed,
		Event:         ev.Kind,
		TransactionID: ev.TransactionID,
		OrderID:       order.ID,
		LicenseID:     lic.ID,
		UserID:        lic.UserID,
	}, nil
}

// recordFailure notes a failed charge on the matching open order. Nothing
// else changes: the license runs until its expiry either way.
func (s *service) recordFailure(ctx context.Context, ev gateway.Event) (*Result, error) {
	res := &Result{Status: ResultIgnored, Event: ev.Kind, TransactionID: ev.TransactionID}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		o, err := s.findOrder(ctx, tx, ev, true)
		if err != nil || o == nil || o.Status.IsTerminal() {
			return err
		}
		o.Metadata.Set(ledger.MetaLastPaymentError, firstNonEmpty(ev.ProviderEvent, string(ev.Kind)))
		res.Status = ResultProcessed
		res.OrderID = o.ID
		res.UserID = o.UserID
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.log.WarnContext(ctx, "payment failed",
		logger.Gateway(ev.Gateway), logger.TransactionID(ev.TransactionID), logger.OrderID(res.OrderID))
	return res, nil
}

// providerCancelled mirrors a cancellation made at the provider, for
// example from the provider's customer portal.
func (s *service) providerCancelled(ctx context.Context, ev gateway.Event) (*Result, error) {
	res := &Result{Status: ResultIgnored, Event: ev.Kind, TransactionID: ev.TransactionID}
	if ev.SubscriptionID == "" {
		return res, nil
	}
	lic, err := s.store.FindLicenseBySubscriptionID(ctx, ev.SubscriptionID)
	if errors.Is(err, ledger.ErrLicenseNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.LicenseID = lic.ID
	res.UserID = lic.UserID
	if lic.Status != ledger.LicenseActive {
		res.Status = ResultDuplicate
		return res, nil
	}

	orderID, err := s.recordCancellation(ctx, lic, ledger.LicenseCancelledAtPeriodEnd, "cancelled at provider")
	if err != nil {
		return nil, err
	}
	res.Status = ResultProcessed
	res.OrderID = orderID
	return res, nil
}
