package subscription

import (
	"errors"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

// Errors returned across the public boundary. Lower-level causes stay
// attached, so both the class and the root cause match errors.Is.
var (
	ErrTenantMissing        = gateway.ErrTenantMissing
	ErrInventoryUnavailable = gateway.ErrLicensesUnavailable
	ErrPlanMismatch         = activation.ErrPlanMismatch
	ErrExternalBindFailed   = activation.ErrBindFailed
	ErrInvalidSignature     = gateway.ErrInvalidSignature
	ErrProviderUnreachable  = gateway.ErrProviderUnreachable
	ErrUnknownGateway       = gateway.ErrUnknownGateway
	ErrPackageNotFound      = plans.ErrPackageNotFound

	ErrPlanChangeRestricted = errors.New("plan change restricted")
	// ErrActivationPending means the payment was recorded but the license
	// could not be activated yet. Support is alerted; the order stays pending.
	ErrActivationPending    = errors.New("payment received, activation pending")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrUnresolvedUser       = errors.New("callback cannot be matched to a user")
	ErrInvalidRequest       = errors.New("invalid subscription request")
)

// classify attaches the public error class to errors raised by the
// activation and inventory layers.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, activation.ErrTenantMissing) && !errors.Is(err, ErrTenantMissing):
		return errors.Join(ErrTenantMissing, err)
	case (errors.Is(err, activation.ErrInventoryUnavailable) || errors.Is(err, inventory.ErrInventoryUnavailable)) &&
		!errors.Is(err, ErrInventoryUnavailable):
		return errors.Join(ErrInventoryUnavailable, err)
	}
	return err
}

// activationDeferred reports whether an activation error happened before
// anything local was written, so the surrounding transaction may still
// commit the order bookkeeping.
func activationDeferred(err error) bool {
	return errors.Is(err, activation.ErrTenantMissing) ||
		errors.Is(err, activation.ErrInventoryUnavailable) ||
		errors.Is(err, activation.ErrPlanMismatch) ||
		errors.Is(err, activation.ErrBindFailed)
}

// UserMessage maps an error to the text shown to the buyer.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrActivationPending):
		return "payment received, activation pending"
	case errors.Is(err, ErrTenantMissing), errors.Is(err, activation.ErrTenantMissing):
		return "account not initialized"
	case errors.Is(err, ErrInventoryUnavailable), errors.Is(err, activation.ErrInventoryUnavailable),
		errors.Is(err, inventory.ErrInventoryUnavailable), errors.Is(err, ErrPlanMismatch):
		return "licenses temporarily unavailable"
	case errors.Is(err, ErrPlanChangeRestricted):
		return "your plan cannot be changed right now"
	case errors.Is(err, ErrNoActiveSubscription):
		return "no active subscription"
	case errors.Is(err, ErrPackageNotFound):
		return "unknown package"
	case errors.Is(err, ErrUnknownGateway), errors.Is(err, gateway.ErrProductNotConfigured):
		return "payment method not available"
	case errors.Is(err, ErrProviderUnreachable):
		return "payment provider unavailable, please try again"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid request"
	}
	return "something went wrong, please try again"
}
