package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
)

// CheckoutInput starts a purchase or plan change.
type CheckoutInput struct {
	UserID  uuid.UUID
	Package string
	// Gateway is optional for plan changes; the current license's gateway
	// is used when empty.
	Gateway string
}

// CheckoutResult is a checkout ready for redirect, or a completed free
// activation when Free is set.
type CheckoutResult struct {
	URL           string
	OrderID       uuid.UUID
	TransactionID string
	Gateway       string
	Free          bool
	License       *ledger.UserLicense
}

// DowngradeResult describes a recorded downgrade.
type DowngradeResult struct {
	OrderID       uuid.UUID
	EffectiveDate time.Time
	Immediate     bool
	// Applied is set when an immediate downgrade was already carried out.
	Applied bool
	Note    string
	// CheckoutURL is set for paid targets.
	CheckoutURL string
}

// SuccessCallback carries the query parameters of a provider success redirect.
type SuccessCallback struct {
	Gateway          string
	TransactionID    string
	PackageName      string
	PaymentGatewayID string
	PendingOrderID   string
	Action           string
	// UserID is the signed-in user, when the caller knows one.
	UserID uuid.UUID
}

// ResultStatus says what a callback or webhook did.
type ResultStatus string

const (
	ResultProcessed ResultStatus = "processed"
	// ResultDuplicate means the transaction was already completed; nothing changed.
	ResultDuplicate ResultStatus = "duplicate"
	// ResultScheduled means a downgrade order was (re)confirmed.
	ResultScheduled ResultStatus = "scheduled"
	// ResultAwaitingConfirmation means the redirect was recorded and the
	// provider webhook will complete the order.
	ResultAwaitingConfirmation ResultStatus = "awaiting_confirmation"
	ResultActivationPending    ResultStatus = "activation_pending"
	ResultIgnored              ResultStatus = "ignored"
)

// Result is the outcome of one payment event.
type Result struct {
	Status        ResultStatus
	Event         gateway.EventKind
	TransactionID string
	OrderID       uuid.UUID
	LicenseID     uuid.UUID
	UserID        uuid.UUID
}

// CancelInput asks to stop the user's subscription.
type CancelInput struct {
	UserID uuid.UUID
	Reason string
}

// CancelResult describes a cancellation.
type CancelResult struct {
	OrderID uuid.UUID
	Status  ledger.LicenseStatus
	// AccessUntil is when the license stops working; zero for perpetual or
	// immediate cancellations.
	AccessUntil time.Time
	// AlreadyCancelled is set when the provider or ledger had already
	// cancelled the subscription.
	AlreadyCancelled bool
}
