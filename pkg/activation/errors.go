package activation

import "errors"

var (
	ErrTenantMissing        = errors.New("account not initialized")
	ErrInventoryUnavailable = errors.New("licenses temporarily unavailable")
	// ErrPlanMismatch means the inventory has no offer for the requested
	// plan. A different plan is never substituted.
	ErrPlanMismatch = errors.New("requested plan not in current inventory")
	ErrBindFailed   = errors.New("license could not be bound to tenant")
	ErrInvalidInput = errors.New("invalid activation request")
)
