package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// localGateways never have a provider subscription to cancel.
var localGateways = map[string]bool{FreeGateway: true, "manual": true}

// CancelSubscription stops renewals at the provider, then marks the license
// to end with its paid period. A provider that no longer knows the
// subscription counts as success. When the provider cannot be reached
// nothing changes locally and the error is returned for a retry.
func (s *service) CancelSubscription(ctx context.Context, in CancelInput) (*CancelResult, error) {
	if in.UserID == uuid.Nil {
		return nil, errors.Join(ErrInvalidRequest, errors.New("user is required"))
	}
	user, err := s.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	lic, err := s.store.GetActiveLicense(ctx, user.ID)
	if errors.Is(err, ledger.ErrLicenseNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}

	res := &CancelResult{Status: lic.Status}
	if lic.ExpiresAt != nil {
		res.AccessUntil = *lic.ExpiresAt
	}
	if lic.Status != ledger.LicenseActive {
		res.AlreadyCancelled = true
		return res, nil
	}

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}

	if lic.SubscriptionID != "" && !localGateways[strings.ToLower(lic.Gateway)] {
		gw, err := s.gateways.Get(lic.Gateway)
		if err != nil {
			return nil, err
		}
		cr, err := gw.Cancel(ctx, gateway.CancelRequest{User: user, SubscriptionID: lic.SubscriptionID, Reason: reason})
		if err != nil {
			s.log.ErrorContext(ctx, "provider cancellation failed",
				logger.UserID(user.ID), logger.Gateway(lic.Gateway), logger.Error(err))
			return nil, err
		}
		res.AlreadyCancelled = cr.AlreadyCancelled
	}

	status := ledger.LicenseCancelledAtPeriodEnd
	if lic.ExpiresAt == nil {
		// Nothing was paid ahead, so access ends now.
		status = ledger.LicenseCancelled
	}
	orderID, err := s.recordCancellation(ctx, lic, status, reason)
	if err != nil {
		return nil, err
	}
	res.OrderID = orderID
	res.Status = status
	if status == ledger.LicenseCancelled {
		res.AccessUntil = s.now().UTC()
	}

	s.log.InfoContext(ctx, "subscription cancelled",
		logger.UserID(user.ID), logger.LicenseID(lic.ID), logger.OrderID(orderID),
		slog.String("status", string(status)))
	return res, nil
}

// recordCancellation writes the cancellation order, retires the license
// and drops scheduled downgrades of the user in one transaction.
func (s *service) recordCancellation(ctx context.Context, lic *ledger.UserLicense, status ledger.LicenseStatus, reason string) (uuid.UUID, error) {
	orderID := uuid.New()
	now := s.now().UTC()
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if _, err := s.activator.DeactivateLicense(ctx, tx, lic.ID, status); err != nil {
			return err
		}

		scheduled, err := tx.FindOrders(ctx, ledger.OrderFilter{
			UserID:   lic.UserID,
			Types:    []ledger.OrderType{ledger.OrderTypeDowngrade},
			Statuses: []ledger.OrderStatus{ledger.StatusPending, ledger.StatusScheduledDowngrade},
		})
		if err != nil {
			return err
		}
		for _, o := range scheduled {
			if o.Metadata.Bool(ledger.MetaDowngradeProcessed) {
				continue
			}
			if err := o.TransitionTo(ledger.StatusCancelled, now); err != nil {
				return err
			}
			o.Metadata.Set(ledger.MetaCancellationReason, reason)
			o.Metadata.Set(ledger.MetaSupersededBy, orderID.String())
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
		}

		return tx.CreateOrder(ctx, &ledger.Order{
			ID:            orderID,
			UserID:        lic.UserID,
			PackageID:     lic.PackageID,
			TransactionID: "cancel_" + orderID.String(),
			Status:        ledger.StatusCompleted,
			Type:          ledger.OrderTypeCancellation,
			Gateway:       lic.Gateway,
			Metadata: ledger.Metadata{
				ledger.MetaSubscriptionID:     lic.SubscriptionID,
				ledger.MetaLicenseID:          lic.ID.String(),
				ledger.MetaCancellationReason: reason,
			},
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return orderID, nil
}
