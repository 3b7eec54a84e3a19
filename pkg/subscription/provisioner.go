package subscription

import (
	"context"
	"log/slog"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// TenantRegistrar creates licensing tenants.
type TenantRegistrar interface {
	RegisterTenant(ctx context.Context, req inventory.TenantRequest) (string, error)
}

// TenantProvisioner assigns a licensing tenant to users that lack one and
// stores it on the user.
type TenantProvisioner struct {
	registrar TenantRegistrar
	store     ledger.Store
	log       *slog.Logger
}

// NewTenantProvisioner panics when a dependency is nil.
func NewTenantProvisioner(registrar TenantRegistrar, store ledger.Store, log *slog.Logger) *TenantProvisioner {
	if registrar == nil {
		panic("subscription: TenantRegistrar is required")
	}
	if store == nil {
		panic("subscription: ledger.Store is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &TenantProvisioner{registrar: registrar, store: store, log: log.With(logger.Component("tenant_provisioner"))}
}

// AssignTenant registers a tenant for user and persists it. A tenant
// assigned concurrently by another request wins; user is updated in place.
func (p *TenantProvisioner) AssignTenant(ctx context.Context, user *ledger.User) (string, error) {
	if user.HasTenant() {
		return user.TenantID, nil
	}
	current, err := p.store.GetUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if current.HasTenant() {
		user.TenantID = current.TenantID
		return current.TenantID, nil
	}

	tenantID, err := p.registrar.RegisterTenant(ctx, inventory.TenantRequest{
		UserID: user.ID.String(),
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		return "", err
	}

	err = p.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		u, err := tx.GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if u.HasTenant() {
			p.log.WarnContext(ctx, "tenant assigned concurrently, keeping the first",
				logger.UserID(u.ID), logger.TenantID(u.TenantID), slog.String("discarded_tenant_id", tenantID))
			tenantID = u.TenantID
			return nil
		}
		u.TenantID = tenantID
		return tx.UpdateUser(ctx, u)
	})
	if err != nil {
		return "", err
	}
	user.TenantID = tenantID
	p.log.InfoContext(ctx, "tenant assigned", logger.UserID(user.ID), logger.TenantID(tenantID))
	return tenantID, nil
}
