package inventory

import "errors"

var (
	// ErrInventoryUnavailable means the summary endpoint could not be read.
	// Callers treat it as "no license available", never as a crash.
	ErrInventoryUnavailable = errors.New("license inventory unavailable")
	ErrNoMatchingOffer      = errors.New("no license offer matches plan")
	ErrBindFailed           = errors.New("failed to bind license to tenant")
	ErrTenantRegistration   = errors.New("failed to register tenant")
	ErrInvalidAliasTable    = errors.New("invalid plan alias table")
)
