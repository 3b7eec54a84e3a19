// Package activation allocates, activates and deactivates user licenses.
// A license row is only written after the license code is bound to the
// user's tenant, and a user never holds more than one active license.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

// Inventory is the part of the license inventory the service needs.
type Inventory interface {
	FetchSummary(ctx context.Context, tenantID string, bypassCache bool) ([]inventory.Offer, error)
	Match(offers []inventory.Offer, planName string) (inventory.Offer, bool)
	AddLicenseToTenant(ctx context.Context, tenantID, code string) error
}

// Request describes one license activation.
type Request struct {
	UserID  uuid.UUID
	Package plans.Package
	// SubscriptionID is the provider subscription reference, if known.
	SubscriptionID string
	Gateway        string
	IsUpgrade      bool
}

// Service activates licenses.
type Service struct {
	inv            Inventory
	log            *slog.Logger
	now            func() time.Time
	omitsSubscribe map[string]bool
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPlaceholderGateways lists gateways that never report a subscription
// id. Only for those is a placeholder id synthesized.
func WithPlaceholderGateways(names ...string) Option {
	return func(s *Service) {
		for _, n := range names {
			s.omitsSubscribe[strings.ToLower(n)] = true
		}
	}
}

// DefaultPlaceholderGateways omit subscription ids: manual grants and free plans.
var DefaultPlaceholderGateways = []string{"manual", "free"}

func New(inv Inventory, opts ...Option) *Service {
	if inv == nil {
		panic("activation: Inventory is required")
	}
	s := &Service{
		inv:            inv,
		log:            logger.Discard(),
		now:            time.Now,
		omitsSubscribe: make(map[string]bool),
	}
	WithPlaceholderGateways(DefaultPlaceholderGateways...)(s)
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("activation"))
	return s
}

// CreateAndActivateLicense binds an inventory license to the user's tenant
// and records it as the user's only active license. Everything runs in one
// store transaction; the external bind happens before any local write, so a
// failure leaves no local trace.
func (s *Service) CreateAndActivateLicense(ctx context.Context, store ledger.Store, req Request) (*ledger.UserLicense, error) {
	if req.UserID == uuid.Nil || req.Package.ID == uuid.Nil {
		return nil, errors.Join(ErrInvalidInput, errors.New("user and package are required"))
	}
	log := s.log.With(logger.UserID(req.UserID), logger.Package(req.Package.Name), logger.Gateway(req.Gateway))

	var created *ledger.UserLicense
	err := store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if !user.HasTenant() {
			return ErrTenantMissing
		}

		offers, err := s.inv.FetchSummary(ctx, user.TenantID, true)
		if err != nil {
			return errors.Join(ErrInventoryUnavailable, err)
		}
		if len(offers) == 0 {
			return errors.Join(ErrInventoryUnavailable, errors.New("tenant inventory is empty"))
		}

		subID, err := s.subscriptionID(ctx, tx, req)
		if err != nil {
			return err
		}

		offer, ok := s.inv.Match(offers, req.Package.Name)
		if !ok {
			log.ErrorContext(ctx, "plan mismatch, refusing to substitute another plan",
				logger.TenantID(user.TenantID), slog.Int("offers", len(offers)))
			return fmt.Errorf("%w: %s", ErrPlanMismatch, req.Package.Name)
		}

		if err := s.inv.AddLicenseToTenant(ctx, user.TenantID, offer.SubscriptionCode); err != nil {
			log.ErrorContext(ctx, "license bind failed",
				logger.TenantID(user.TenantID), logger.LicenseCode(offer.SubscriptionCode), logger.Error(err))
			return errors.Join(ErrBindFailed, err)
		}

		now := s.now().UTC()
		lic := &ledger.UserLicense{
			ID:               uuid.New(),
			UserID:           user.ID,
			LicenseKey:       offer.SubscriptionCode,
			PackageID:        req.Package.ID,
			SubscriptionID:   subID,
			Gateway:          req.Gateway,
			ActivatedAt:      now,
			ExpiresAt:        Expiry(req.Package, now),
			IsActive:         true,
			IsUpgradeLicense: req.IsUpgrade,
			Status:           ledger.LicenseActive,
		}
		superseded, err := tx.DeactivateLicenses(ctx, user.ID, lic.ID, now)
		if err != nil {
			return err
		}
		if err := tx.CreateLicense(ctx, lic); err != nil {
			return err
		}

		user.LicenseID = &lic.ID
		user.PackageID = &lic.PackageID
		user.Gateway = req.Gateway
		user.SubscriptionID = subID
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		log.InfoContext(ctx, "license activated",
			logger.LicenseID(lic.ID), logger.LicenseCode(lic.LicenseKey), slog.Int("superseded", superseded))
		created = lic
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// subscriptionID returns the provider subscription reference for req,
// recovering it from the latest completed order of the same package and
// synthesizing one only for gateways that never send it.
func (s *Service) subscriptionID(ctx context.Context, tx ledger.Store, req Request) (string, error) {
	if req.SubscriptionID != "" {
		return req.SubscriptionID, nil
	}
	orders, err := tx.FindOrders(ctx, ledger.OrderFilter{
		UserID:    req.UserID,
		PackageID: req.Package.ID,
		Statuses:  []ledger.OrderStatus{ledger.StatusCompleted},
		Limit:     1,
	})
	if err != nil {
		return "", err
	}
	if len(orders) > 0 {
		if id := orders[0].Metadata.Get(ledger.MetaSubscriptionID); id != "" {
			return id, nil
		}
	}
	gw := strings.ToLower(req.Gateway)
	if s.omitsSubscribe[gw] {
		return gw + "_" + uuid.NewString(), nil
	}
	s.log.WarnContext(ctx, "activating without provider subscription id",
		logger.UserID(req.UserID), logger.Gateway(req.Gateway))
	return "", nil
}

// Expiry is nil for free packages and one month after activation otherwise.
func Expiry(pkg plans.Package, activatedAt time.Time) *time.Time {
	if pkg.IsFree {
		return nil
	}
	t := activatedAt.AddDate(0, 1, 0)
	return &t
}

// DeactivateLicense moves a license to status. Cancelled licenses stop
// being active and are unlinked from the user; a license cancelled at
// period end keeps working until it expires.
func (s *Service) DeactivateLicense(ctx context.Context, store ledger.Store, licenseID uuid.UUID, status ledger.LicenseStatus) (*ledger.UserLicense, error) {
	var out *ledger.UserLicense
	err := store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		lic, err := tx.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		out = lic
		if lic.Status == status || lic.Status == ledger.LicenseCancelled {
			return nil
		}

		lic.Status = status
		lic.UpdatedAt = s.now().UTC()
		if status == ledger.LicenseCancelled {
			lic.IsActive = false
		}
		if err := tx.UpdateLicense(ctx, lic); err != nil {
			return err
		}

		if status == ledger.LicenseCancelled {
			user, err := tx.GetUser(ctx, lic.UserID)
			if err != nil {
				return err
			}
			if user.LicenseID != nil && *user.LicenseID == lic.ID {
				user.LicenseID = nil
				if err := tx.UpdateUser(ctx, user); err != nil {
					return err
				}
			}
		}
		s.log.InfoContext(ctx, "license status changed",
			logger.LicenseID(lic.ID), logger.UserID(lic.UserID), slog.String("status", string(status)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtendLicense pushes the expiry of a recurring license one period past
// the later of its current expiry and now, and revives a license that was
// set to cancel at period end.
func (s *Service) ExtendLicense(ctx context.Context, store ledger.Store, licenseID uuid.UUID) (*ledger.UserLicense, error) {
	var out *ledger.UserLicense
	err := store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		lic, err := tx.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		if !lic.IsActive {
			return errors.Join(ErrInvalidInput, errors.New("cannot extend an inactive license"))
		}
		now := s.now().UTC()
		base := now
		if lic.ExpiresAt != nil && lic.ExpiresAt.After(now) {
			base = *lic.ExpiresAt
		}
		next := base.AddDate(0, 1, 0)
		lic.ExpiresAt = &next
		lic.Status = ledger.LicenseActive
		lic.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, lic); err != nil {
			return err
		}
		out = lic
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
