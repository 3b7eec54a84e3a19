package activation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
)

// Reason explains a refused plan change.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDowngradeScheduled Reason = "downgrade_scheduled"
	ReasonUpgradeProtected   Reason = "upgrade_window"
)

// CanUserChangePlan refuses a plan change while a downgrade is pending or
// scheduled, or while the current license is an unexpired upgrade grant.
// Users without a license, or with an expired one, may always change.
func (s *Service) CanUserChangePlan(ctx context.Context, store ledger.Store, userID uuid.UUID) (bool, Reason, error) {
	pending, err := store.FindOrders(ctx, ledger.OrderFilter{
		UserID:   userID,
		Types:    []ledger.OrderType{ledger.OrderTypeDowngrade},
		Statuses: []ledger.OrderStatus{ledger.StatusPending, ledger.StatusScheduledDowngrade},
	})
	if err != nil {
		return false, ReasonNone, err
	}
	for _, o := range pending {
		if !o.Metadata.Bool(ledger.MetaDowngradeProcessed) {
			return false, ReasonDowngradeScheduled, nil
		}
	}

	lic, err := store.GetActiveLicense(ctx, userID)
	if errors.Is(err, ledger.ErrLicenseNotFound) {
		return true, ReasonNone, nil
	}
	if err != nil {
		return false, ReasonNone, err
	}
	if lic.IsUpgradeLicense && !lic.IsExpiredAt(s.now()) {
		return false, ReasonUpgradeProtected, nil
	}
	return true, ReasonNone, nil
}
