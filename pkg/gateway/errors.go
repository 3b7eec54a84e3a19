package gateway

import "errors"

var (
	// ErrTenantMissing means the user has no licensing tenant and assignment failed.
	ErrTenantMissing = errors.New("account not initialized")
	// ErrLicensesUnavailable means the plan has no available license offer.
	ErrLicensesUnavailable = errors.New("licenses temporarily unavailable")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	// ErrProviderUnreachable wraps transport failures and provider 5xx answers.
	ErrProviderUnreachable  = errors.New("payment provider unreachable")
	ErrProviderRejected     = errors.New("payment provider rejected the request")
	ErrProductNotConfigured = errors.New("no provider product configured for package")
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrNoSubscription       = errors.New("no provider subscription to act on")
	ErrInvalidConfig        = errors.New("invalid gateway configuration")
)
